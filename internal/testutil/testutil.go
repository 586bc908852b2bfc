// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    dir := testutil.RequireModelBundle(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-audio-edit/internal/safetensors"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the AUDIOEDIT_ORT_LIB env var, then the
// ORT_LIBRARY_PATH env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"AUDIOEDIT_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			_, err := os.Stat(p)
			if err == nil {
				return // found
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}
	// Fall back to common system locations.
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return // found
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set AUDIOEDIT_ORT_LIB or ORT_LIBRARY_PATH")
}

// RequireModelBundle skips the test if no model bundle manifest is present.
// The bundle directory comes from AUDIOEDIT_MODEL_DIR, defaulting to "models"
// relative to the current working directory. Returns the bundle directory.
func RequireModelBundle(tb testing.TB) string {
	tb.Helper()

	dir := os.Getenv("AUDIOEDIT_MODEL_DIR")
	if dir == "" {
		dir = "models"
	}

	manifest := filepath.Join(dir, "manifest.json")
	if _, err := os.Stat(manifest); err != nil {
		tb.Skipf("model bundle not available at %q: %v", manifest, err)
	}

	return dir
}

// WriteMelFixture writes a small mel spectrogram safetensors file into dir
// and returns its path. The tensor is named "mel", shaped [1, 1, frames, bins],
// with a deterministic ramp so decoded values are easy to assert against.
func WriteMelFixture(tb testing.TB, dir string, frames, bins int) string {
	tb.Helper()

	n := frames * bins
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%17)*0.25 - 2.0
	}

	path := filepath.Join(dir, "mel.safetensors")
	err := safetensors.WriteFile(path, []safetensors.Tensor{{
		Name:  safetensors.MelTensorName,
		Shape: []int64{1, 1, int64(frames), int64(bins)},
		Data:  data,
	}})
	if err != nil {
		tb.Fatalf("write mel fixture: %v", err)
	}

	return path
}

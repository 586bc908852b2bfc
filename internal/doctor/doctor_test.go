package doctor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-audio-edit/internal/doctor"
)

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFakeManifest(t, dir)
	tokenizer := filepath.Join(dir, "tokenizer.model")
	if err := os.WriteFile(tokenizer, []byte("spm"), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}

	cfg := doctor.Config{
		ORTLibrary:     func() (string, error) { return "/usr/lib/libonnxruntime.so (version 1.20.0)", nil },
		ManifestPath:   manifest,
		ValidateBundle: func(_ string) error { return nil },
		TokenizerPath:  tokenizer,
		OutputDir:      dir,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "onnxruntime") {
		t.Error("output should mention onnxruntime")
	}
}

// ---------------------------------------------------------------------------
// ONNX Runtime library missing
// ---------------------------------------------------------------------------

func TestRun_ORTMissingFails(t *testing.T) {
	cfg := doctor.Config{
		ORTLibrary: func() (string, error) { return "", errLibNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when onnxruntime is not found")
	}

	if !hasFailureContaining(result.Failures(), "onnxruntime") {
		t.Errorf("expected failure mentioning onnxruntime, got: %v", result.Failures())
	}
}

func TestRun_SkipORT(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:    true,
		ORTLibrary: func() (string, error) { return "", errLibNotFound },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("expected no failures when runtime check is skipped, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "onnxruntime library: skipped") {
		t.Fatalf("expected skipped output, got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// model bundle checks
// ---------------------------------------------------------------------------

func TestRun_BundlePresent(t *testing.T) {
	manifest := writeFakeManifest(t, t.TempDir())

	cfg := doctor.Config{
		SkipORT:      true,
		ManifestPath: manifest,
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "model bundle: "+manifest) {
		t.Errorf("output should mention model bundle; got:\n%s", out.String())
	}
}

func TestRun_BundleMissing(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:      true,
		ManifestPath: "/nonexistent/manifest.json",
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure for missing model bundle")
	}

	if !hasFailureContaining(result.Failures(), "model bundle") {
		t.Errorf("expected failure mentioning model bundle, got: %v", result.Failures())
	}
}

func TestRun_ValidateBundleCallback(t *testing.T) {
	manifest := writeFakeManifest(t, t.TempDir())

	cfg := doctor.Config{
		SkipORT:      true,
		ManifestPath: manifest,
		ValidateBundle: func(_ string) error {
			return sentinelError("missing required graph \"unet\"")
		},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure from validation callback")
	}

	if !hasFailureContaining(result.Failures(), "validation") {
		t.Errorf("expected failure mentioning validation, got: %v", result.Failures())
	}
}

func TestRun_ValidateBundlePassesOnSuccess(t *testing.T) {
	manifest := writeFakeManifest(t, t.TempDir())

	cfg := doctor.Config{
		SkipORT:        true,
		ManifestPath:   manifest,
		ValidateBundle: func(_ string) error { return nil },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "validation: ok") {
		t.Errorf("output should contain 'validation: ok'; got:\n%s", out.String())
	}
}

func TestRun_ValidationSkippedWhenBundleMissing(t *testing.T) {
	called := false
	cfg := doctor.Config{
		SkipORT:      true,
		ManifestPath: "/nonexistent/manifest.json",
		ValidateBundle: func(_ string) error {
			called = true
			return nil
		},
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	if called {
		t.Error("validation callback should not run when the manifest is absent")
	}
}

// ---------------------------------------------------------------------------
// tokenizer model
// ---------------------------------------------------------------------------

func TestRun_TokenizerMissing(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:       true,
		TokenizerPath: "/nonexistent/tokenizer.model",
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure for missing tokenizer model")
	}

	if !hasFailureContaining(result.Failures(), "tokenizer") {
		t.Errorf("expected failure mentioning tokenizer, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// WAV inputs
// ---------------------------------------------------------------------------

func TestRun_WAVCheckReportsBadFile(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:  true,
		WAVFiles: []string{"good.wav", "bad.wav"},
		ValidateWAV: func(path string) error {
			if path == "bad.wav" {
				return sentinelError("sample rate 44100, want 16000")
			}
			return nil
		},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure for undecodable wav")
	}

	if !hasFailureContaining(result.Failures(), "bad.wav") {
		t.Errorf("expected failure naming bad.wav, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "wav decodes: good.wav") {
		t.Errorf("output should pass good.wav; got:\n%s", out.String())
	}
}

func TestRun_WAVCheckSkippedWithoutValidator(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:  true,
		WAVFiles: []string{"in.wav"},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected no failures without a validator, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// output directory
// ---------------------------------------------------------------------------

func TestRun_OutputDirWritable(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:   true,
		OutputDir: t.TempDir(),
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "output dir writable") {
		t.Errorf("output should mention writable dir; got:\n%s", out.String())
	}
}

func TestRun_OutputDirMissingFails(t *testing.T) {
	cfg := doctor.Config{
		SkipORT:   true,
		OutputDir: "/nonexistent/audioedit-out",
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure for missing output dir")
	}
}

// ---------------------------------------------------------------------------
// colour-coded output
// ---------------------------------------------------------------------------

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		ORTLibrary:    func() (string, error) { return "", errLibNotFound },
		TokenizerPath: writeFakeManifest(t, t.TempDir()), // any existing file
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}

	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

func TestRun_AddFailure(t *testing.T) {
	var res doctor.Result
	if res.Failed() {
		t.Fatal("fresh result should not be failed")
	}

	res.AddFailure("config: model dir unset")
	if !res.Failed() {
		t.Fatal("expected failure after AddFailure")
	}
	if !hasFailureContaining(res.Failures(), "model dir") {
		t.Errorf("failures = %v", res.Failures())
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errLibNotFound = sentinelError("library not found")

func writeFakeManifest(t *testing.T, dir string) string {
	t.Helper()

	p := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(p, []byte(`{"graphs":[]}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	return p
}

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}

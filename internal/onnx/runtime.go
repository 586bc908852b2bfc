package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/example/go-audio-edit/internal/config"
)

// RuntimeInfo describes the ONNX Runtime shared library the process uses.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	Initialized bool
}

// envLibraryVars are consulted in order when the config does not pin a
// library path.
var envLibraryVars = []string{"AUDIOEDIT_ORT_LIB", "ORT_LIBRARY_PATH"}

// wellKnownLibraryPaths are probed as a last resort.
var wellKnownLibraryPaths = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

var libVersionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var (
	bootstrapOnce sync.Once
	bootstrapInfo RuntimeInfo
	errBootstrap  error
	shutdownFlag  atomic.Bool
)

// Bootstrap locates the ONNX Runtime library once per process and publishes
// it through AUDIOEDIT_ORT_LIB so child tooling finds the same copy.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapOnce.Do(func() {
		info, err := DetectRuntime(cfg)
		if err != nil {
			errBootstrap = err
			return
		}

		if err := os.Setenv("AUDIOEDIT_ORT_LIB", info.LibraryPath); err != nil {
			errBootstrap = fmt.Errorf("set AUDIOEDIT_ORT_LIB: %w", err)
			return
		}

		info.Initialized = true
		bootstrapInfo = info
	})

	if errBootstrap != nil {
		return RuntimeInfo{}, errBootstrap
	}
	return bootstrapInfo, nil
}

// Shutdown marks the runtime torn down. Safe to call repeatedly and before
// Bootstrap.
func Shutdown() error {
	if !bootstrapInfo.Initialized || shutdownFlag.Swap(true) {
		return nil
	}

	bootstrapInfo.Initialized = false
	return nil
}

// DetectRuntime resolves the ONNX Runtime library path and version without
// loading the library. Resolution order: explicit config, environment,
// well-known install locations.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := resolveLibraryPath(cfg.ORTLibraryPath)
	if path == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"},
			errors.New("unable to detect ONNX Runtime library path")
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path, Version: "unknown"},
			fmt.Errorf("onnx runtime library path check failed: %w", err)
	}

	return RuntimeInfo{LibraryPath: path, Version: libraryVersion(cfg, path)}, nil
}

func resolveLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}

	for _, env := range envLibraryVars {
		if p := os.Getenv(env); p != "" {
			return p
		}
	}

	for _, p := range wellKnownLibraryPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// libraryVersion picks the most authoritative version source available. The
// filename often carries one (libonnxruntime.1.23.0.dylib).
func libraryVersion(cfg config.RuntimeConfig, path string) string {
	if cfg.ORTVersion != "" {
		return cfg.ORTVersion
	}
	if v := os.Getenv("ORT_VERSION"); v != "" {
		return v
	}
	if m := libVersionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}
	return "unknown"
}

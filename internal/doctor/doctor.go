// Package doctor provides environment preflight checks for audioedit.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check. Empty paths and
// nil funcs disable their checks, so callers assemble only what applies.
type Config struct {
	// ORTLibrary resolves the ONNX Runtime shared library and reports it.
	ORTLibrary VersionFunc
	// SkipORT skips the runtime library check.
	SkipORT bool
	// ManifestPath is the model bundle manifest to verify on disk.
	ManifestPath string
	// ValidateBundle inspects the bundle beyond existence, e.g. that every
	// graph the edit pipeline needs is present.
	ValidateBundle func(path string) error
	// TokenizerPath is the sentencepiece model to verify on disk.
	TokenizerPath string
	// WAVFiles lists WAV inputs to run through ValidateWAV, catching files
	// the edit pipeline would reject before a long run starts.
	WAVFiles    []string
	ValidateWAV func(path string) error
	// OutputDir is probed for writability when set.
	OutputDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime library ----------------------------------------------
	if cfg.SkipORT || cfg.ORTLibrary == nil {
		fmt.Fprintf(w, "%s onnxruntime library: skipped\n", PassMark)
	} else {
		lib, err := cfg.ORTLibrary()
		if err != nil {
			res.fail(fmt.Sprintf("onnxruntime library: %v", err))
			fmt.Fprintf(w, "%s onnxruntime library: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s onnxruntime library: %s\n", PassMark, lib)
		}
	}

	// ---- model bundle -------------------------------------------------------
	if cfg.ManifestPath != "" {
		if _, err := os.Stat(cfg.ManifestPath); err != nil {
			res.fail(fmt.Sprintf("model bundle %q: %v", cfg.ManifestPath, err))
			fmt.Fprintf(w, "%s model bundle %s: not found\n", FailMark, cfg.ManifestPath)
		} else {
			fmt.Fprintf(w, "%s model bundle: %s\n", PassMark, cfg.ManifestPath)

			if cfg.ValidateBundle != nil {
				if err := cfg.ValidateBundle(cfg.ManifestPath); err != nil {
					res.fail(fmt.Sprintf("model bundle validation: %v", err))
					fmt.Fprintf(w, "%s model bundle validation: %v\n", FailMark, err)
				} else {
					fmt.Fprintf(w, "%s model bundle validation: ok\n", PassMark)
				}
			}
		}
	}

	// ---- tokenizer model ----------------------------------------------------
	if cfg.TokenizerPath != "" {
		if _, err := os.Stat(cfg.TokenizerPath); err != nil {
			res.fail(fmt.Sprintf("tokenizer model %q: %v", cfg.TokenizerPath, err))
			fmt.Fprintf(w, "%s tokenizer model %s: not found\n", FailMark, cfg.TokenizerPath)
		} else {
			fmt.Fprintf(w, "%s tokenizer model: %s\n", PassMark, cfg.TokenizerPath)
		}
	}

	// ---- WAV inputs -----------------------------------------------------------
	if cfg.ValidateWAV != nil {
		for _, path := range cfg.WAVFiles {
			if err := cfg.ValidateWAV(path); err != nil {
				res.fail(fmt.Sprintf("wav %q: %v", path, err))
				fmt.Fprintf(w, "%s wav %s: %v\n", FailMark, path, err)
			} else {
				fmt.Fprintf(w, "%s wav decodes: %s\n", PassMark, path)
			}
		}
	}

	// ---- output directory ---------------------------------------------------
	if cfg.OutputDir != "" {
		if err := probeWritable(cfg.OutputDir); err != nil {
			res.fail(fmt.Sprintf("output dir %q: %v", cfg.OutputDir, err))
			fmt.Fprintf(w, "%s output dir %s: not writable (%v)\n", FailMark, cfg.OutputDir, err)
		} else {
			fmt.Fprintf(w, "%s output dir writable: %s\n", PassMark, cfg.OutputDir)
		}
	}

	return res
}

// probeWritable creates and removes a throwaway file in dir.
func probeWritable(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	probe := filepath.Join(dir, ".audioedit-doctor")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	_ = f.Close()

	return os.Remove(probe)
}

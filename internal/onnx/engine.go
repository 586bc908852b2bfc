// Package onnx executes the audio-edit model bundle through ONNX Runtime.
// The bundle is five graphs described by a JSON manifest: the VAE encoder and
// decoder, the UNet noise predictor, the text conditioner, and the vocoder.
// Engine methods wrap single graph invocations; the adapter types in this
// package expose them behind the pipeline's capability interfaces.
package onnx

import (
	"fmt"
	"sort"
)

// Graph names expected in the model bundle manifest.
const (
	GraphVAEEncoder      = "vae_encoder"
	GraphVAEDecoder      = "vae_decoder"
	GraphUNet            = "unet"
	GraphTextConditioner = "text_conditioner"
	GraphVocoder         = "vocoder"
)

// RequiredGraphs lists every graph the edit pipeline depends on.
func RequiredGraphs() []string {
	return []string{
		GraphVAEEncoder,
		GraphVAEDecoder,
		GraphUNet,
		GraphTextConditioner,
		GraphVocoder,
	}
}

// Engine holds one graph runner per manifest session. Methods check for
// their graph at call time, so partial bundles load fine and fail only when
// a missing graph is actually needed.
type Engine struct {
	runners map[string]GraphRunner
}

// NewEngine loads the bundle manifest and creates an ORT-backed runner for
// every session in it. On any failure the runners created so far are closed.
func NewEngine(manifestPath string, cfg RunnerConfig) (*Engine, error) {
	sm, err := NewSessionManager(manifestPath)
	if err != nil {
		return nil, err
	}

	runners := make(map[string]GraphRunner)

	for _, meta := range sm.Sessions() {
		runner, err := NewRunner(meta, cfg)
		if err != nil {
			closeRunners(runners)
			return nil, fmt.Errorf("create runner for %q: %w", meta.Name, err)
		}

		runners[meta.Name] = runner
	}

	return &Engine{runners: runners}, nil
}

// Runner returns the named graph runner.
func (e *Engine) Runner(name string) (GraphRunner, bool) {
	r, ok := e.runners[name]

	return r, ok
}

// MissingGraphs reports which required edit graphs the engine lacks, sorted.
// Empty means the bundle is complete.
func (e *Engine) MissingGraphs() []string {
	var missing []string

	for _, name := range RequiredGraphs() {
		if _, ok := e.runners[name]; !ok {
			missing = append(missing, name)
		}
	}

	sort.Strings(missing)

	return missing
}

// Close releases every runner. Safe to call multiple times.
func (e *Engine) Close() {
	for _, r := range e.runners {
		r.Close()
	}

	e.runners = nil
}

func closeRunners(runners map[string]GraphRunner) {
	for _, r := range runners {
		r.Close()
	}
}

package onnx

import (
	"context"
	"maps"
)

// GraphRunner is the minimal runner contract required by Engine methods.
// It lets tests and alternate runtimes stand in for ORT sessions.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
// Unlike NewEngine it does not demand the full bundle, so partial engines can
// back focused tests.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal}
}

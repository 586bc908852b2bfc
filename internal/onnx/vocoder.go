package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// Vocode runs the vocoder graph on a rank-3 mel spectrogram.
//
// Input: mel [B, frames, bins]
// Output: waveform [B, samples] at the model sample rate. The raw sample
// count overshoots the window by a few hop lengths; the pipeline truncates.
func (e *Engine) Vocode(ctx context.Context, mel *Tensor) (*Tensor, error) {
	runner, ok := e.runners[GraphVocoder]
	if !ok {
		return nil, errors.New("vocoder graph not found in manifest")
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"mel": mel})
	if err != nil {
		return nil, fmt.Errorf("vocoder: run: %w", err)
	}

	wave, ok := outputs["waveform"]
	if !ok {
		return nil, errors.New("vocoder: missing 'waveform' in output")
	}

	return wave, nil
}

// Vocoder exposes the vocoder graph to the edit pipeline.
type Vocoder struct {
	engine *Engine
}

// NewVocoder wraps the engine's vocoder graph.
func NewVocoder(engine *Engine) (*Vocoder, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	return &Vocoder{engine: engine}, nil
}

// Synthesize renders a mel to waveform samples. It accepts the decoder's
// rank-4 [B, 1, frames, bins] layout and squeezes the channel dimension
// before the graph call; rank-3 input passes through unchanged.
func (v *Vocoder) Synthesize(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	if mel == nil {
		return nil, errors.New("vocoder: nil mel")
	}

	shape := mel.Shape()

	switch {
	case len(shape) == 4 && shape[1] == 1:
		squeezed, err := mel.Reshape([]int64{shape[0], shape[2], shape[3]})
		if err != nil {
			return nil, fmt.Errorf("vocoder: squeeze mel: %w", err)
		}

		mel = squeezed
	case len(shape) == 3:
	default:
		return nil, fmt.Errorf("vocoder: mel shape %v, want [B, 1, frames, bins] or [B, frames, bins]", shape)
	}

	in, err := coreToTensor(mel)
	if err != nil {
		return nil, fmt.Errorf("vocoder: mel: %w", err)
	}

	out, err := v.engine.Vocode(ctx, in)
	if err != nil {
		return nil, err
	}

	if len(out.Shape()) != 2 {
		return nil, fmt.Errorf("vocoder: waveform shape %v, want [B, samples]", out.Shape())
	}

	wave, err := tensorToCore(out)
	if err != nil {
		return nil, fmt.Errorf("vocoder: waveform: %w", err)
	}

	return wave, nil
}

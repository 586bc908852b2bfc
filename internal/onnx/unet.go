package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// PredictNoise runs the unet graph for one trajectory step.
//
// Inputs:
//   - latent [B, channels, frames, bins] (batch already doubled under guidance)
//   - timestep: schedule timestep, passed as an int64 tensor of shape [1]
//   - encoder_hidden_states: auxiliary embeddings [B, auxSeq, auxDim]
//   - encoder_hidden_states_1: text embeddings [B, seq, dim]
//   - encoder_attention_mask_1: [B, seq] int64
//
// Output: noise_pred with exactly the latent's shape.
func (e *Engine) PredictNoise(ctx context.Context, latent *Tensor, timestep int64, auxEmbeds, textEmbeds, attnMask *Tensor) (*Tensor, error) {
	runner, ok := e.runners[GraphUNet]
	if !ok {
		return nil, errors.New("unet graph not found in manifest")
	}

	tStep, err := NewTensor([]int64{timestep}, []int64{1})
	if err != nil {
		return nil, fmt.Errorf("unet: timestep tensor: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{
		"latent":                   latent,
		"timestep":                 tStep,
		"encoder_hidden_states":    auxEmbeds,
		"encoder_hidden_states_1":  textEmbeds,
		"encoder_attention_mask_1": attnMask,
	})
	if err != nil {
		return nil, fmt.Errorf("unet: run: %w", err)
	}

	pred, ok := outputs["noise_pred"]
	if !ok {
		return nil, errors.New("unet: missing 'noise_pred' in output")
	}

	return pred, nil
}

// NoisePredictor exposes the unet graph to the DDIM sampler. The sampler owns
// guidance composition; this type only moves tensors across the graph
// boundary.
type NoisePredictor struct {
	engine *Engine
}

// NewNoisePredictor wraps the engine's unet graph.
func NewNoisePredictor(engine *Engine) (*NoisePredictor, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	return &NoisePredictor{engine: engine}, nil
}

// Predict estimates the noise in latent at the given schedule timestep.
func (p *NoisePredictor) Predict(ctx context.Context, latent *tensor.Tensor, timestep int64, cond diffusion.Conditioning) (*tensor.Tensor, error) {
	if cond.TextEmbeds == nil || cond.AttnMask == nil || cond.AuxEmbeds == nil {
		return nil, errors.New("unet: conditioning is incomplete")
	}

	batch := latent.Shape()[0]
	if cond.TextEmbeds.Shape()[0] != batch {
		return nil, fmt.Errorf("unet: conditioning batch %d does not match latent batch %d", cond.TextEmbeds.Shape()[0], batch)
	}

	in, err := coreToTensor(latent)
	if err != nil {
		return nil, fmt.Errorf("unet: latent: %w", err)
	}

	aux, err := coreToTensor(cond.AuxEmbeds)
	if err != nil {
		return nil, fmt.Errorf("unet: aux embeds: %w", err)
	}

	text, err := coreToTensor(cond.TextEmbeds)
	if err != nil {
		return nil, fmt.Errorf("unet: text embeds: %w", err)
	}

	mask, err := maskToInt64(cond.AttnMask)
	if err != nil {
		return nil, fmt.Errorf("unet: attention mask: %w", err)
	}

	out, err := p.engine.PredictNoise(ctx, in, timestep, aux, text, mask)
	if err != nil {
		return nil, err
	}

	pred, err := tensorToCore(out)
	if err != nil {
		return nil, fmt.Errorf("unet: noise_pred: %w", err)
	}

	return pred, nil
}

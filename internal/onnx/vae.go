package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// EncodeLatentDist runs the vae_encoder graph on a mel spectrogram.
//
// Input: mel [B, 1, frames, bins]
// Outputs: latent_mean and latent_logvar, both [B, channels, frames/4, bins/4],
// the diagonal-Gaussian posterior parameters.
func (e *Engine) EncodeLatentDist(ctx context.Context, mel *Tensor) (mean, logvar *Tensor, err error) {
	runner, ok := e.runners[GraphVAEEncoder]
	if !ok {
		return nil, nil, errors.New("vae_encoder graph not found in manifest")
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"mel": mel})
	if err != nil {
		return nil, nil, fmt.Errorf("vae_encoder: run: %w", err)
	}

	mean, ok = outputs["latent_mean"]
	if !ok {
		return nil, nil, errors.New("vae_encoder: missing 'latent_mean' in output")
	}

	logvar, ok = outputs["latent_logvar"]
	if !ok {
		return nil, nil, errors.New("vae_encoder: missing 'latent_logvar' in output")
	}

	return mean, logvar, nil
}

// DecodeLatent runs the vae_decoder graph on an unscaled latent.
//
// Input: latent [B, channels, frames/4, bins/4]
// Output: mel [B, 1, frames, bins].
func (e *Engine) DecodeLatent(ctx context.Context, latent *Tensor) (*Tensor, error) {
	runner, ok := e.runners[GraphVAEDecoder]
	if !ok {
		return nil, errors.New("vae_decoder graph not found in manifest")
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"latent": latent})
	if err != nil {
		return nil, fmt.Errorf("vae_decoder: run: %w", err)
	}

	mel, ok := outputs["mel"]
	if !ok {
		return nil, errors.New("vae_decoder: missing 'mel' in output")
	}

	return mel, nil
}

// Autoencoder exposes the VAE graphs to the latent codec.
type Autoencoder struct {
	engine *Engine
}

// NewAutoencoder wraps the engine's VAE graphs.
func NewAutoencoder(engine *Engine) (*Autoencoder, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	return &Autoencoder{engine: engine}, nil
}

// EncodeDist returns the posterior mean and log-variance for a mel.
func (a *Autoencoder) EncodeDist(ctx context.Context, mel *tensor.Tensor) (mean, logvar *tensor.Tensor, err error) {
	in, err := coreToTensor(mel)
	if err != nil {
		return nil, nil, fmt.Errorf("vae_encoder: mel: %w", err)
	}

	m, lv, err := a.engine.EncodeLatentDist(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	mean, err = tensorToCore(m)
	if err != nil {
		return nil, nil, fmt.Errorf("vae_encoder: latent_mean: %w", err)
	}

	logvar, err = tensorToCore(lv)
	if err != nil {
		return nil, nil, fmt.Errorf("vae_encoder: latent_logvar: %w", err)
	}

	return mean, logvar, nil
}

// Decode maps an unscaled latent back to a mel spectrogram.
func (a *Autoencoder) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := coreToTensor(latent)
	if err != nil {
		return nil, fmt.Errorf("vae_decoder: latent: %w", err)
	}

	out, err := a.engine.DecodeLatent(ctx, in)
	if err != nil {
		return nil, err
	}

	mel, err := tensorToCore(out)
	if err != nil {
		return nil, fmt.Errorf("vae_decoder: mel: %w", err)
	}

	return mel, nil
}

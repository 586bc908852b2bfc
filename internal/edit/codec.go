package edit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// Encoder outputs past divergedThreshold indicate the autoencoder blew up on
// out-of-distribution input; such latents are clamped into [clampLo, clampHi]
// before sampling continues.
const (
	divergedThreshold = 100.0
	clampLo           = float32(-10.0)
	clampHi           = float32(10.0)
)

// Codec wraps the autoencoder with the latent scaling and the divergence
// guard, so the rest of the pipeline only sees well-formed scaled latents.
type Codec struct {
	ae     Autoencoder
	logger *slog.Logger
}

// NewCodec wires an autoencoder. A nil logger falls back to slog.Default.
func NewCodec(ae Autoencoder, logger *slog.Logger) (*Codec, error) {
	if ae == nil {
		return nil, fmt.Errorf("codec: autoencoder is nil: %w", diffusion.ErrConfig)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{ae: ae, logger: logger}, nil
}

// Encode samples a scaled latent from the posterior of mel,
// mean + exp(0.5*logvar)*eps. A nil rng falls back to a fixed seed.
func (c *Codec) Encode(ctx context.Context, mel *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	mean, logvar, err := c.posterior(ctx, mel)
	if err != nil {
		return nil, err
	}

	eps, err := diffusion.GaussianNoiseLike(mean, rng)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	meanData := mean.RawData()
	lvData := logvar.RawData()
	epsData := eps.RawData()
	out := make([]float32, len(meanData))

	for i := range out {
		std := float32(math.Exp(0.5 * float64(lvData[i])))
		out[i] = (meanData[i] + std*epsData[i]) * LatentScale
	}

	return c.sealLatent(out, mean.Shape())
}

// EncodeMode returns the scaled posterior mean, for deterministic paths.
func (c *Codec) EncodeMode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	mean, _, err := c.posterior(ctx, mel)
	if err != nil {
		return nil, err
	}

	meanData := mean.RawData()
	out := make([]float32, len(meanData))

	for i := range out {
		out[i] = meanData[i] * LatentScale
	}

	return c.sealLatent(out, mean.Shape())
}

// Decode divides out the latent scaling and runs the decoder. The caller's
// latent is not modified.
func (c *Codec) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	if latent == nil || latent.Rank() != 4 {
		return nil, fmt.Errorf("codec: latent must be rank 4 [batch, channels, frames, bins]: %w", diffusion.ErrShape)
	}

	unscaled := latent.Clone()
	data := unscaled.RawData()

	for i := range data {
		data[i] /= LatentScale
	}

	mel, err := c.ae.Decode(ctx, unscaled)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	if mel == nil || mel.Rank() != 4 {
		return nil, fmt.Errorf("codec: decoder returned rank %d, want rank 4 mel: %w", mel.Rank(), diffusion.ErrShape)
	}

	return mel, nil
}

func (c *Codec) posterior(ctx context.Context, mel *tensor.Tensor) (mean, logvar *tensor.Tensor, err error) {
	if mel == nil || mel.Rank() != 4 {
		return nil, nil, fmt.Errorf("codec: mel must be rank 4 [batch, 1, frames, bins]: %w", diffusion.ErrShape)
	}

	mean, logvar, err = c.ae.EncodeDist(ctx, mel)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: encode: %w", err)
	}

	if mean == nil || logvar == nil || !shapesEqual(mean.Shape(), logvar.Shape()) {
		return nil, nil, fmt.Errorf("codec: posterior mean and logvar shapes disagree: %w", diffusion.ErrShape)
	}

	return mean, logvar, nil
}

// sealLatent applies the divergence guard and wraps the data in a tensor.
func (c *Codec) sealLatent(data []float32, shape []int64) (*tensor.Tensor, error) {
	maxAbs := float32(0)
	for _, v := range data {
		a := v
		if a < 0 {
			a = -a
		}

		if a > maxAbs {
			maxAbs = a
		}
	}

	if float64(maxAbs) > divergedThreshold {
		c.logger.Warn("encoded latent diverged, clamping", "max_abs", maxAbs, "lo", clampLo, "hi", clampHi)

		for i, v := range data {
			if v < clampLo {
				data[i] = clampLo
			} else if v > clampHi {
				data[i] = clampHi
			}
		}
	}

	return tensor.New(data, shape)
}

func shapesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

package edit

import (
	"context"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// Conditioner turns captions into the embedding bundle the noise predictor
// consumes. When guided is true the returned batch is doubled, unconditional
// rows first, so implementations must prepend their negative-caption
// embeddings (an empty caption unless configured otherwise).
type Conditioner interface {
	Embed(ctx context.Context, texts []string, guided bool) (diffusion.Conditioning, error)
}

// Autoencoder maps mel spectrograms to a diagonal-Gaussian posterior over
// latents and back. Tensors are rank 4 on both sides: mel is
// [batch, 1, frames, bins], latents are [batch, channels, frames', bins'].
type Autoencoder interface {
	// EncodeDist returns the posterior mean and log-variance, both shaped
	// like the latent.
	EncodeDist(ctx context.Context, mel *tensor.Tensor) (mean, logvar *tensor.Tensor, err error)

	// Decode maps an unscaled latent back to a mel spectrogram.
	Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)
}

// Vocoder renders a mel spectrogram to waveform samples at SampleRate.
// The result is [batch, samples]; callers truncate it to the window.
type Vocoder interface {
	Synthesize(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error)
}

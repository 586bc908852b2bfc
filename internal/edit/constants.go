package edit

// Fixed geometry of the pretrained editing model. The autoencoder, noise
// predictor and vocoder were trained against these values, so they are not
// configurable.
const (
	// SampleRate is the waveform rate in Hz on both sides of the model.
	SampleRate = 16000

	// MelFrames and MelBins are the mel resolution the autoencoder decodes.
	MelFrames = 1024
	MelBins   = 64

	// LatentChannels and the downsample factor fix the latent shape at
	// [batch, 8, 256, 16] for a full window.
	LatentChannels   = 8
	LatentDownsample = 4
	LatentFrames     = MelFrames / LatentDownsample
	LatentBins       = MelBins / LatentDownsample

	// VocoderHop is the vocoder's samples-per-frame stride, which ties the
	// mel resolution to the audio window length.
	VocoderHop    = 160
	WindowSamples = MelFrames * VocoderHop
)

// LatentScale normalizes encoder latents to roughly unit variance. The
// denoiser was trained on scaled latents, so Encode multiplies by it and
// Decode divides it back out.
const LatentScale = 0.9227914214134216

// WindowSeconds is the audio span one mel window covers. Requests for longer
// durations are served the full window with a warning.
const WindowSeconds = float64(WindowSamples) / float64(SampleRate)

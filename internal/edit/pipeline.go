package edit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// TransferMode selects how the source latent reaches its start timestep
// before denoising under the target caption.
type TransferMode string

const (
	// ModeNoise jumps the latent forward with one stochastic noising step.
	ModeNoise TransferMode = "noise"

	// ModeInversion walks the latent to noise deterministically under the
	// source caption, so denoising can reconstruct what the edit leaves
	// untouched.
	ModeInversion TransferMode = "inversion"
)

// Stage names reported through EditRequest.OnStage, in execution order.
// ModeNoise and ModeInversion both report StageTrajectory for the move into
// noise; MelOnly requests never reach StageVocode.
const (
	StageEncode     = "encode"
	StageCondition  = "condition"
	StageTrajectory = "trajectory"
	StageDenoise    = "denoise"
	StageDecode     = "decode"
	StageVocode     = "vocode"
)

// StageTimingFunc receives the wall time of each pipeline stage as it
// completes.
type StageTimingFunc func(stage string, elapsed time.Duration)

// ParseTransferMode maps user-facing mode names onto TransferMode. The
// stochastic mode also answers to "ddim", its historical name.
func ParseTransferMode(s string) (TransferMode, error) {
	switch s {
	case string(ModeNoise), "ddim":
		return ModeNoise, nil
	case string(ModeInversion):
		return ModeInversion, nil
	}

	return "", fmt.Errorf("edit: unknown transfer mode %q (valid: noise, inversion): %w", s, diffusion.ErrConfig)
}

// EditRequest describes one edit of a source mel spectrogram.
type EditRequest struct {
	// Text is the caption the edit steers toward.
	Text string

	// SourceText describes the source audio. ModeInversion conditions the
	// forward trajectory on it; ModeNoise ignores it.
	SourceText string

	// Mode picks the trajectory into noise.
	Mode TransferMode

	// NumSteps sizes the inference grid; Strength in (0, 1] picks how much
	// of it the edit traverses.
	NumSteps int
	Strength float64

	// GuidanceScale above 1 enables classifier-free guidance.
	GuidanceScale float64

	// Duration is the seconds of audio to return. Ignored when MelOnly.
	Duration float64

	// BatchSize, when positive, must match the mel batch.
	BatchSize int

	// Clip floors the decoded mel at the source mel so the edit only adds
	// energy.
	Clip bool

	// MelOnly stops after decoding; the result carries no waveform.
	MelOnly bool

	// OnStep and CallbackEvery pass through to the denoiser.
	OnStep        diffusion.StepFunc
	CallbackEvery int

	// OnStage, when set, receives each stage's wall time as it completes.
	OnStage StageTimingFunc

	// RNG drives the posterior sample and the forward noise. Nil falls back
	// to a fixed seed. Concurrent edits must not share one RNG.
	RNG *rand.Rand
}

func (r EditRequest) observeStage(stage string, elapsed time.Duration) {
	if r.OnStage != nil {
		r.OnStage(stage, elapsed)
	}
}

// EditResult carries the artifacts of one edit.
type EditResult struct {
	// Waveform is [batch, samples] at SampleRate, nil when MelOnly was set.
	Waveform *tensor.Tensor

	// Mel is the decoded spectrogram, [batch, 1, frames, bins].
	Mel *tensor.Tensor

	// Latent is the edited latent before decoding, still scaled.
	Latent *tensor.Tensor

	// TEnc is the number of grid steps the edit traversed.
	TEnc int
}

// WaveformSamples returns one batch row of the waveform as a plain slice.
func (r *EditResult) WaveformSamples(batch int) ([]float32, error) {
	if r == nil || r.Waveform == nil {
		return nil, fmt.Errorf("edit: result carries no waveform: %w", diffusion.ErrConfig)
	}

	if int64(batch) >= r.Waveform.Shape()[0] || batch < 0 {
		return nil, fmt.Errorf("edit: batch row %d out of range [0, %d): %w", batch, r.Waveform.Shape()[0], diffusion.ErrConfig)
	}

	row, err := r.Waveform.Narrow(0, int64(batch), 1)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	return row.RawData(), nil
}

// Pipeline wires the codec, conditioner, sampler and vocoder into the
// text-guided edit flow. It holds no per-request state; one Pipeline may
// serve concurrent edits as long as each request owns its RNG.
type Pipeline struct {
	codec       *Codec
	conditioner Conditioner
	schedule    *diffusion.Schedule
	sampler     *diffusion.Sampler
	vocoder     Vocoder
	logger      *slog.Logger
}

// PipelineParams collects the pipeline's collaborators. All but Logger are
// required.
type PipelineParams struct {
	Codec       *Codec
	Conditioner Conditioner
	Schedule    *diffusion.Schedule
	Sampler     *diffusion.Sampler
	Vocoder     Vocoder
	Logger      *slog.Logger
}

// NewPipeline validates and wires the collaborators.
func NewPipeline(p PipelineParams) (*Pipeline, error) {
	if p.Codec == nil {
		return nil, fmt.Errorf("edit: codec is nil: %w", diffusion.ErrConfig)
	}

	if p.Conditioner == nil {
		return nil, fmt.Errorf("edit: conditioner is nil: %w", diffusion.ErrConfig)
	}

	if p.Schedule == nil {
		return nil, fmt.Errorf("edit: schedule is nil: %w", diffusion.ErrConfig)
	}

	if p.Sampler == nil {
		return nil, fmt.Errorf("edit: sampler is nil: %w", diffusion.ErrConfig)
	}

	if p.Vocoder == nil {
		return nil, fmt.Errorf("edit: vocoder is nil: %w", diffusion.ErrConfig)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		codec:       p.Codec,
		conditioner: p.Conditioner,
		schedule:    p.Schedule,
		sampler:     p.Sampler,
		vocoder:     p.Vocoder,
		logger:      logger,
	}, nil
}

// Edit runs the full flow: encode the source mel, move its latent to the
// start timestep, denoise under the target caption, decode, and vocode.
func (p *Pipeline) Edit(ctx context.Context, mel *tensor.Tensor, req EditRequest) (*EditResult, error) {
	if mel == nil || mel.Rank() != 4 {
		return nil, fmt.Errorf("edit: mel must be rank 4 [batch, 1, frames, bins]: %w", diffusion.ErrShape)
	}

	batch := mel.Shape()[0]

	if req.BatchSize > 0 && int64(req.BatchSize) != batch {
		return nil, fmt.Errorf("edit: batch size %d does not match mel batch %d: %w", req.BatchSize, batch, diffusion.ErrConfig)
	}

	if req.Text == "" {
		return nil, fmt.Errorf("edit: target caption must not be empty: %w", diffusion.ErrConfig)
	}

	switch req.Mode {
	case ModeNoise:
	case ModeInversion:
		if req.SourceText == "" {
			return nil, fmt.Errorf("edit: inversion mode needs a source caption: %w", diffusion.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("edit: unknown transfer mode %q (valid: noise, inversion): %w", req.Mode, diffusion.ErrConfig)
	}

	if !req.MelOnly {
		if math.IsNaN(req.Duration) || int64(req.Duration*SampleRate) < 1 {
			return nil, fmt.Errorf("edit: duration %gs must cover at least one sample: %w", req.Duration, diffusion.ErrConfig)
		}

		if req.Duration > WindowSeconds {
			p.logger.Warn("requested duration exceeds the model window, returning the full window", "duration_s", req.Duration, "window_s", WindowSeconds)
		}
	}

	tEnc, err := p.schedule.TEnc(req.Strength, req.NumSteps)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	overallStart := time.Now()
	stageStart := overallStart

	var elapsed time.Duration

	p.logger.Debug(
		"edit start",
		"mode", string(req.Mode),
		"steps", req.NumSteps,
		"strength", req.Strength,
		"t_enc", tEnc,
		"guidance_scale", req.GuidanceScale,
		"batch", batch,
	)

	latent, err := p.codec.Encode(ctx, mel, req.RNG)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	elapsed = time.Since(stageStart)
	p.logger.Debug("source mel encoded", "ms", elapsed.Milliseconds())
	req.observeStage(StageEncode, elapsed)

	stageStart = time.Now()
	guided := req.GuidanceScale > 1

	target, err := p.conditioner.Embed(ctx, repeatCaption(req.Text, batch), guided)
	if err != nil {
		return nil, fmt.Errorf("edit: embed target caption: %w", err)
	}

	var source diffusion.Conditioning
	if req.Mode == ModeInversion {
		source, err = p.conditioner.Embed(ctx, repeatCaption(req.SourceText, batch), guided)
		if err != nil {
			return nil, fmt.Errorf("edit: embed source caption: %w", err)
		}
	}

	elapsed = time.Since(stageStart)
	p.logger.Debug("captions embedded", "ms", elapsed.Milliseconds())
	req.observeStage(StageCondition, elapsed)

	stageStart = time.Now()

	var noisy *tensor.Tensor

	switch req.Mode {
	case ModeNoise:
		var startT int64

		noisy, startT, err = p.sampler.NoiseTo(latent, req.NumSteps, tEnc, req.RNG)
		if err != nil {
			return nil, fmt.Errorf("edit: %w", err)
		}

		elapsed = time.Since(stageStart)
		p.logger.Debug("latent noised", "ms", elapsed.Milliseconds(), "timestep", startT)
		req.observeStage(StageTrajectory, elapsed)
	case ModeInversion:
		noisy, err = p.sampler.Invert(ctx, latent, diffusion.InvertParams{
			Cond:          source,
			NumSteps:      req.NumSteps,
			TEnc:          tEnc,
			GuidanceScale: req.GuidanceScale,
		})
		if err != nil {
			return nil, fmt.Errorf("edit: %w", err)
		}

		elapsed = time.Since(stageStart)
		p.logger.Debug("latent inverted", "ms", elapsed.Milliseconds())
		req.observeStage(StageTrajectory, elapsed)
	}

	stageStart = time.Now()

	edited, err := p.sampler.Denoise(ctx, noisy, diffusion.DenoiseParams{
		Cond:          target,
		NumSteps:      req.NumSteps,
		TEnc:          tEnc,
		GuidanceScale: req.GuidanceScale,
		OnStep:        req.OnStep,
		CallbackEvery: req.CallbackEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	elapsed = time.Since(stageStart)
	p.logger.Debug("trajectory denoised", "ms", elapsed.Milliseconds())
	req.observeStage(StageDenoise, elapsed)

	stageStart = time.Now()

	decoded, err := p.codec.Decode(ctx, edited)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	elapsed = time.Since(stageStart)
	p.logger.Debug("latent decoded", "ms", elapsed.Milliseconds())
	req.observeStage(StageDecode, elapsed)

	if req.Clip {
		if !shapesEqual(decoded.Shape(), mel.Shape()) {
			return nil, fmt.Errorf("edit: clip needs decoded shape %v to match source %v: %w", decoded.Shape(), mel.Shape(), diffusion.ErrShape)
		}

		// One-sided floor: the edit may add energy on top of the source mel
		// but never remove it.
		dd := decoded.RawData()
		src := mel.RawData()

		for i := range dd {
			if dd[i] < src[i] {
				dd[i] = src[i]
			}
		}
	}

	result := &EditResult{Mel: decoded, Latent: edited, TEnc: tEnc}

	if req.MelOnly {
		dims := decoded.Shape()
		if dims[2] != MelFrames || dims[3] != MelBins {
			return nil, fmt.Errorf("edit: decoded mel resolution %dx%d, want %dx%d: %w", dims[2], dims[3], MelFrames, MelBins, diffusion.ErrShape)
		}

		p.logger.Info(
			"edit complete",
			"mode", string(req.Mode),
			"t_enc", tEnc,
			"duration_ms", time.Since(overallStart).Milliseconds(),
		)

		return result, nil
	}

	stageStart = time.Now()

	wave, err := p.vocoder.Synthesize(ctx, decoded)
	if err != nil {
		return nil, fmt.Errorf("edit: vocode: %w", err)
	}

	if wave == nil || wave.Rank() != 2 || wave.Shape()[0] != batch {
		return nil, fmt.Errorf("edit: vocoder returned shape %v, want [%d, samples]: %w", wave.Shape(), batch, diffusion.ErrShape)
	}

	wave, err = truncateWaveform(wave, req.Duration)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	result.Waveform = wave

	elapsed = time.Since(stageStart)
	p.logger.Debug("mel vocoded", "ms", elapsed.Milliseconds())
	req.observeStage(StageVocode, elapsed)

	p.logger.Info(
		"edit complete",
		"mode", string(req.Mode),
		"t_enc", tEnc,
		"samples", wave.Shape()[1],
		"duration_ms", time.Since(overallStart).Milliseconds(),
	)

	return result, nil
}

// truncateWaveform trims raw vocoder output to the model window, then to the
// requested duration. Durations past the window yield the full window.
func truncateWaveform(wave *tensor.Tensor, duration float64) (*tensor.Tensor, error) {
	samples := wave.Shape()[1]

	keep := samples
	if keep > WindowSamples {
		keep = WindowSamples
	}

	if want := int64(duration * SampleRate); want < keep {
		keep = want
	}

	if keep == samples {
		return wave, nil
	}

	return wave.Narrow(1, 0, keep)
}

func repeatCaption(text string, batch int64) []string {
	out := make([]string, batch)
	for i := range out {
		out[i] = text
	}

	return out
}

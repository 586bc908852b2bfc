// Package diffusion implements the deterministic DDIM sampling core used for
// latent audio editing: the noise schedule, forward noising, reverse denoising
// with classifier-free guidance, and the exact inversion variant.
package diffusion

import (
	"fmt"
	"math"
)

// Beta schedule kinds accepted by NewSchedule.
const (
	BetaScheduleLinear       = "linear"
	BetaScheduleScaledLinear = "scaled_linear"
)

// TimestepSpacingLeading selects the stride-from-zero inference grid used by
// the pretrained model. It is the only spacing this sampler supports.
const TimestepSpacingLeading = "leading"

// ScheduleConfig holds the noise schedule construction parameters.
type ScheduleConfig struct {
	// NumTrainTimesteps is the length of the training noise table (T).
	NumTrainTimesteps int
	// BetaStart and BetaEnd bound the per-timestep noise variance ramp.
	BetaStart float64
	BetaEnd   float64
	// BetaSchedule selects the ramp shape: "linear" or "scaled_linear".
	BetaSchedule string
	// TimestepSpacing must be "leading".
	TimestepSpacing string
	// StepsOffset shifts the inference grid. The inversion path uses this
	// configured value; noising and denoising force an offset of zero.
	StepsOffset int
}

// DefaultScheduleConfig returns the schedule parameters of the pretrained
// audio editing model.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0015,
		BetaEnd:           0.0195,
		BetaSchedule:      BetaScheduleScaledLinear,
		TimestepSpacing:   TimestepSpacingLeading,
		StepsOffset:       1,
	}
}

// Schedule is the immutable alpha-cumulative-product table. It is safe for
// concurrent reuse across edit calls; per-call grid choices (step count,
// offset) are arguments, never state.
type Schedule struct {
	cfg           ScheduleConfig
	alphasCumprod []float32
	finalAlpha    float32
}

// NewSchedule builds the noise table from cfg. The table is monotonically
// decreasing in timestep; the final alpha used when a trajectory steps past
// timestep zero is the table's first entry.
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if cfg.NumTrainTimesteps <= 0 {
		return nil, fmt.Errorf("schedule: train timesteps must be > 0, got %d: %w", cfg.NumTrainTimesteps, ErrConfig)
	}

	if cfg.BetaStart <= 0 || cfg.BetaEnd >= 1 {
		return nil, fmt.Errorf("schedule: betas must lie in (0, 1), got [%g, %g]: %w", cfg.BetaStart, cfg.BetaEnd, ErrConfig)
	}

	if cfg.BetaStart >= cfg.BetaEnd {
		return nil, fmt.Errorf("schedule: beta start %g must be below beta end %g: %w", cfg.BetaStart, cfg.BetaEnd, ErrConfig)
	}

	if cfg.TimestepSpacing != TimestepSpacingLeading {
		return nil, fmt.Errorf("schedule: unsupported timestep spacing %q: %w", cfg.TimestepSpacing, ErrConfig)
	}

	if cfg.StepsOffset < 0 {
		return nil, fmt.Errorf("schedule: steps offset must be >= 0, got %d: %w", cfg.StepsOffset, ErrConfig)
	}

	betas, err := makeBetas(cfg)
	if err != nil {
		return nil, err
	}

	// Accumulate the product in float64; the stored table is float32 like
	// the pretrained model's.
	alphas := make([]float32, len(betas))
	prod := 1.0

	for i, beta := range betas {
		prod *= 1.0 - beta
		alphas[i] = float32(prod)
	}

	return &Schedule{
		cfg:           cfg,
		alphasCumprod: alphas,
		finalAlpha:    alphas[0],
	}, nil
}

func makeBetas(cfg ScheduleConfig) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	betas := make([]float64, n)

	if n == 1 {
		betas[0] = cfg.BetaStart
		return betas, nil
	}

	switch cfg.BetaSchedule {
	case BetaScheduleLinear:
		step := (cfg.BetaEnd - cfg.BetaStart) / float64(n-1)
		for i := range betas {
			betas[i] = cfg.BetaStart + float64(i)*step
		}
	case BetaScheduleScaledLinear:
		lo := math.Sqrt(cfg.BetaStart)
		hi := math.Sqrt(cfg.BetaEnd)
		step := (hi - lo) / float64(n-1)

		for i := range betas {
			v := lo + float64(i)*step
			betas[i] = v * v
		}
	default:
		return nil, fmt.Errorf("schedule: unsupported beta schedule %q: %w", cfg.BetaSchedule, ErrConfig)
	}

	return betas, nil
}

// NumTrainTimesteps returns the training table length T.
func (s *Schedule) NumTrainTimesteps() int {
	return s.cfg.NumTrainTimesteps
}

// StepsOffset returns the configured default grid offset.
func (s *Schedule) StepsOffset() int {
	return s.cfg.StepsOffset
}

// AlphaCumprod returns the signal-retention coefficient at timestep t.
// Negative t (a trajectory stepping past zero) returns the final alpha;
// t beyond the table clamps to the last entry.
func (s *Schedule) AlphaCumprod(t int64) float32 {
	if t < 0 {
		return s.finalAlpha
	}

	if t >= int64(len(s.alphasCumprod)) {
		t = int64(len(s.alphasCumprod)) - 1
	}

	return s.alphasCumprod[t]
}

// InferenceTimesteps selects numSteps timesteps from the training range at
// uniform stride, returned in descending order (noisiest first). The stride
// is T/numSteps rounded down; any entry the offset pushes past T-1 is
// clamped to T-1.
func (s *Schedule) InferenceTimesteps(numSteps, offset int) ([]int64, error) {
	t := s.cfg.NumTrainTimesteps
	if numSteps < 1 || numSteps > t {
		return nil, fmt.Errorf("schedule: inference steps %d out of range [1, %d]: %w", numSteps, t, ErrConfig)
	}

	if offset < 0 {
		return nil, fmt.Errorf("schedule: grid offset must be >= 0, got %d: %w", offset, ErrConfig)
	}

	stride := t / numSteps
	last := int64(t - 1)
	out := make([]int64, numSteps)

	for i := range out {
		v := int64((numSteps-1-i)*stride + offset)
		if v > last {
			v = last
		}

		out[i] = v
	}

	return out, nil
}

// TEnc converts an edit strength in (0, 1] to the number of trajectory steps
// actually traversed: round(strength*numSteps), clamped to [1, numSteps].
// Strength outside (0, 1] is rejected so a trajectory always has at least
// one step.
func (s *Schedule) TEnc(strength float64, numSteps int) (int, error) {
	if numSteps < 1 || numSteps > s.cfg.NumTrainTimesteps {
		return 0, fmt.Errorf("schedule: inference steps %d out of range [1, %d]: %w", numSteps, s.cfg.NumTrainTimesteps, ErrConfig)
	}

	if math.IsNaN(strength) || strength <= 0 || strength > 1 {
		return 0, fmt.Errorf("schedule: strength %g out of range (0, 1]: %w", strength, ErrConfig)
	}

	tEnc := int(math.Round(strength * float64(numSteps)))
	if tEnc < 1 {
		tEnc = 1
	}

	if tEnc > numSteps {
		tEnc = numSteps
	}

	return tEnc, nil
}

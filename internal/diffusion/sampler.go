package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// Conditioning carries the prompt embeddings consumed by the noise predictor.
// When classifier-free guidance is active the batch dimension is doubled with
// the unconditional branch first, followed by the conditional branch.
type Conditioning struct {
	// TextEmbeds is the projected text-encoder output, [B or 2B, seq, dim].
	TextEmbeds *tensor.Tensor
	// AttnMask flags the valid positions of TextEmbeds, [B or 2B, seq].
	AttnMask *tensor.Tensor
	// AuxEmbeds is the generated auxiliary embedding sequence the denoiser
	// attends to alongside TextEmbeds, [B or 2B, auxSeq, auxDim].
	AuxEmbeds *tensor.Tensor
}

// Predictor estimates the noise present in a latent at a schedule timestep.
// The prediction must have exactly the latent's shape. Implementations see
// pre-doubled batches under guidance; they never compose guidance themselves.
type Predictor interface {
	Predict(ctx context.Context, latent *tensor.Tensor, timestep int64, cond Conditioning) (*tensor.Tensor, error)
}

// StepFunc observes denoising progress. It receives the zero-based step
// index, the schedule timestep, and the latent after the update. The latent
// is advisory only and must not be mutated. A non-nil error aborts the
// trajectory and propagates to the caller unwrapped.
type StepFunc func(step int, timestep int64, latent *tensor.Tensor) error

// Sampler runs DDIM trajectories against a noise predictor. It holds no
// mutable state across calls; every operation is a function of its explicit
// inputs, so one Sampler may serve concurrent edits as long as each call
// owns its latent and conditioning tensors.
type Sampler struct {
	schedule  *Schedule
	predictor Predictor
}

// NewSampler wires a schedule and a noise predictor.
func NewSampler(schedule *Schedule, predictor Predictor) (*Sampler, error) {
	if schedule == nil {
		return nil, fmt.Errorf("sampler: schedule is nil: %w", ErrConfig)
	}

	if predictor == nil {
		return nil, fmt.Errorf("sampler: predictor is nil: %w", ErrConfig)
	}

	return &Sampler{schedule: schedule, predictor: predictor}, nil
}

// NoiseTo jumps a clean latent to the trajectory depth tEnc in one closed-form
// step: x_t = sqrt(a_t)*x0 + sqrt(1-a_t)*eps with a single fresh Gaussian eps.
// The target timestep is the tEnc-th noisiest entry of the offset-zero
// inference grid. A nil rng falls back to a fixed seed so trajectories are
// reproducible by default. Returns the noised latent and the target timestep.
func (s *Sampler) NoiseTo(x0 *tensor.Tensor, numSteps, tEnc int, rng *rand.Rand) (*tensor.Tensor, int64, error) {
	if err := validateLatent(x0); err != nil {
		return nil, 0, err
	}

	timesteps, err := s.schedule.InferenceTimesteps(numSteps, 0)
	if err != nil {
		return nil, 0, err
	}

	if tEnc < 1 || tEnc > numSteps {
		return nil, 0, fmt.Errorf("sampler: trajectory depth %d out of range [1, %d]: %w", tEnc, numSteps, ErrConfig)
	}

	t := timesteps[len(timesteps)-tEnc]

	eps, err := GaussianNoiseLike(x0, rng)
	if err != nil {
		return nil, 0, err
	}

	noisy, err := s.AddNoise(x0, eps, t)
	if err != nil {
		return nil, 0, err
	}

	return noisy, t, nil
}

// AddNoise applies the deterministic forward diffusion law at timestep t with
// a caller-supplied noise tensor. Exposed separately so round-trip tests can
// verify the closed-form equation with a fixed eps.
func (s *Sampler) AddNoise(x0, eps *tensor.Tensor, t int64) (*tensor.Tensor, error) {
	if x0 == nil || eps == nil || !sameShape(x0.Shape(), eps.Shape()) {
		return nil, fmt.Errorf("sampler: noise shape %v does not match latent shape %v: %w", eps.Shape(), x0.Shape(), ErrShape)
	}

	alpha, err := s.alphaAt(t)
	if err != nil {
		return nil, err
	}

	signal := float32(math.Sqrt(alpha))
	noise := float32(math.Sqrt(1 - alpha))

	out := x0.Clone()
	outData := out.RawData()
	epsData := eps.RawData()

	for i := range outData {
		outData[i] = signal*outData[i] + noise*epsData[i]
	}

	return out, nil
}

// DenoiseParams configures a reverse trajectory.
type DenoiseParams struct {
	Cond     Conditioning
	NumSteps int
	// TEnc is the number of noisiest grid entries to traverse, from
	// Schedule.TEnc.
	TEnc int
	// GuidanceScale > 1 enables classifier-free guidance; exactly 1 is
	// bit-identical to running unguided. Negative scales are rejected.
	GuidanceScale float64
	// OnStep, when non-nil, runs after every CallbackEvery-th update.
	OnStep StepFunc
	// CallbackEvery defaults to 1 (every step) when <= 0.
	CallbackEvery int
}

// Denoise walks the latent from its noise level back to clean along the
// offset-zero inference grid, noisiest first, applying the deterministic
// DDIM (eta=0) update per step:
//
//	x0_hat = (x_t - sqrt(1-a_t)*eps) / sqrt(a_t)
//	x_prev = sqrt(a_prev)*x0_hat + sqrt(1-a_prev)*eps
//
// where a_prev is looked up at t - T/numSteps, falling back to the final
// alpha once the trajectory steps past timestep zero.
func (s *Sampler) Denoise(ctx context.Context, xt *tensor.Tensor, p DenoiseParams) (*tensor.Tensor, error) {
	if err := validateLatent(xt); err != nil {
		return nil, err
	}

	if p.GuidanceScale < 0 || math.IsNaN(p.GuidanceScale) {
		return nil, fmt.Errorf("sampler: guidance scale %g must be >= 0: %w", p.GuidanceScale, ErrConfig)
	}

	timesteps, err := s.schedule.InferenceTimesteps(p.NumSteps, 0)
	if err != nil {
		return nil, err
	}

	if p.TEnc < 1 || p.TEnc > p.NumSteps {
		return nil, fmt.Errorf("sampler: trajectory depth %d out of range [1, %d]: %w", p.TEnc, p.NumSteps, ErrConfig)
	}

	used := timesteps[len(timesteps)-p.TEnc:]
	guided := p.GuidanceScale > 1
	stride := int64(s.schedule.NumTrainTimesteps() / p.NumSteps)

	every := p.CallbackEvery
	if every <= 0 {
		every = 1
	}

	cur := xt.Clone()
	curData := cur.RawData()

	for i, t := range used {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sampler: %w", err)
		}

		eps, err := s.predictNoise(ctx, cur, t, p.Cond, guided, p.GuidanceScale)
		if err != nil {
			return nil, err
		}

		alphaT, err := s.alphaAt(t)
		if err != nil {
			return nil, err
		}

		alphaPrev, err := s.alphaAt(t - stride)
		if err != nil {
			return nil, err
		}

		signalT := math.Sqrt(alphaT)
		noiseT := math.Sqrt(1 - alphaT)
		signalPrev := math.Sqrt(alphaPrev)
		noisePrev := math.Sqrt(1 - alphaPrev)

		// Update in place: reconstruct x0_hat, re-noise to the previous level.
		epsData := eps.RawData()
		for j := range curData {
			e := float64(epsData[j])
			x0Hat := (float64(curData[j]) - noiseT*e) / signalT
			curData[j] = float32(signalPrev*x0Hat + noisePrev*e)
		}

		if !finite(curData) {
			return nil, fmt.Errorf("sampler: non-finite latent after update at t=%d: %w", t, ErrNumerical)
		}

		if p.OnStep != nil && i%every == 0 {
			if err := p.OnStep(i, t, cur); err != nil {
				return nil, err
			}
		}
	}

	return cur, nil
}

// InvertParams configures an exact inversion trajectory.
type InvertParams struct {
	Cond          Conditioning
	NumSteps      int
	TEnc          int
	GuidanceScale float64
}

// Invert walks a clean latent toward noise by solving the denoising update
// for the next noisier state, traversing the ascending reverse of the
// configured-offset inference grid. Grid index zero is never stepped; the
// input latent already sits at the cleanest grid point, so tEnc-1 updates
// run. Per step:
//
//	x_next = (x_t - sqrt(1-a_cur)*eps) * sqrt(a_next)/sqrt(a_cur) + sqrt(1-a_next)*eps
//
// with a_cur at max(0, t - T/numSteps) and a_next at t. This fixed-stride
// neighbor arithmetic intentionally differs from Denoise's grid-adjacent
// lookup and must not be unified with it; reproducing the pretrained model's
// trajectories depends on the asymmetry. There is no progress callback on
// this path.
func (s *Sampler) Invert(ctx context.Context, x0 *tensor.Tensor, p InvertParams) (*tensor.Tensor, error) {
	if err := validateLatent(x0); err != nil {
		return nil, err
	}

	if p.GuidanceScale < 0 || math.IsNaN(p.GuidanceScale) {
		return nil, fmt.Errorf("sampler: guidance scale %g must be >= 0: %w", p.GuidanceScale, ErrConfig)
	}

	timesteps, err := s.schedule.InferenceTimesteps(p.NumSteps, s.schedule.StepsOffset())
	if err != nil {
		return nil, err
	}

	if p.TEnc < 1 || p.TEnc > p.NumSteps {
		return nil, fmt.Errorf("sampler: trajectory depth %d out of range [1, %d]: %w", p.TEnc, p.NumSteps, ErrConfig)
	}

	ascending := make([]int64, len(timesteps))
	for i, t := range timesteps {
		ascending[len(timesteps)-1-i] = t
	}

	guided := p.GuidanceScale > 1
	stride := int64(s.schedule.NumTrainTimesteps() / p.NumSteps)

	cur := x0.Clone()
	curData := cur.RawData()

	for i := 1; i < p.TEnc; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sampler: %w", err)
		}

		t := ascending[i]

		eps, err := s.predictNoise(ctx, cur, t, p.Cond, guided, p.GuidanceScale)
		if err != nil {
			return nil, err
		}

		alphaCur, err := s.alphaAt(max(0, t-stride))
		if err != nil {
			return nil, err
		}

		alphaNext, err := s.alphaAt(t)
		if err != nil {
			return nil, err
		}

		noiseCur := math.Sqrt(1 - alphaCur)
		noiseNext := math.Sqrt(1 - alphaNext)
		ratio := math.Sqrt(alphaNext) / math.Sqrt(alphaCur)

		epsData := eps.RawData()
		for j := range curData {
			e := float64(epsData[j])
			curData[j] = float32((float64(curData[j])-noiseCur*e)*ratio + noiseNext*e)
		}

		if !finite(curData) {
			return nil, fmt.Errorf("sampler: non-finite latent after update at t=%d: %w", t, ErrNumerical)
		}
	}

	return cur, nil
}

// predictNoise runs one predictor call, doubling the batch and composing
// classifier-free guidance when guided.
func (s *Sampler) predictNoise(ctx context.Context, x *tensor.Tensor, t int64, cond Conditioning, guided bool, scale float64) (*tensor.Tensor, error) {
	modelIn := x

	if guided {
		doubled, err := tensor.Concat([]*tensor.Tensor{x, x}, 0)
		if err != nil {
			return nil, fmt.Errorf("sampler: double batch for guidance: %w", err)
		}

		modelIn = doubled
	}

	pred, err := s.predictor.Predict(ctx, modelIn, t, cond)
	if err != nil {
		return nil, fmt.Errorf("sampler: predict noise at t=%d: %w", t, err)
	}

	if pred == nil || !sameShape(pred.Shape(), modelIn.Shape()) {
		return nil, fmt.Errorf("sampler: noise prediction shape %v does not match input shape %v: %w", pred.Shape(), modelIn.Shape(), ErrShape)
	}

	if !guided {
		return pred, nil
	}

	batch := x.Shape()[0]

	uncond, err := pred.Narrow(0, 0, batch)
	if err != nil {
		return nil, fmt.Errorf("sampler: split unconditional half: %w", err)
	}

	condHalf, err := pred.Narrow(0, batch, batch)
	if err != nil {
		return nil, fmt.Errorf("sampler: split conditional half: %w", err)
	}

	// noise = uncond + scale*(cond - uncond). Both halves own their storage,
	// so the difference can be formed in place.
	base := uncond.RawData()
	delta := condHalf.RawData()

	for i := range delta {
		delta[i] -= base[i]
	}

	tensor.Axpy(base, float32(scale), delta)

	return uncond, nil
}

func (s *Sampler) alphaAt(t int64) (float64, error) {
	alpha := float64(s.schedule.AlphaCumprod(t))
	if alpha <= 0 {
		return 0, fmt.Errorf("sampler: alpha cumprod at t=%d is zero: %w", t, ErrNumerical)
	}

	return alpha, nil
}

func validateLatent(x *tensor.Tensor) error {
	if x == nil || x.Rank() != 4 {
		return fmt.Errorf("sampler: latent must be rank 4 [batch, channels, frames, bins], got rank %d: %w", x.Rank(), ErrShape)
	}

	return nil
}

func finite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}

	return true
}

func sameShape(a, b []int64) bool {
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

// GaussianNoiseLike draws one standard-normal sample per element of ref.
// A nil rng falls back to a fixed-seed source.
func GaussianNoiseLike(ref *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	data := make([]float32, ref.ElemCount())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	return tensor.New(data, ref.Shape())
}

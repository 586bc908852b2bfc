package audio

import "math"

// Hook transforms a sample buffer. Hooks chain in order through ApplyHooks.
type Hook func(samples []float32) []float32

// ApplyHooks runs each hook over the samples in order.
func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	out := samples
	for _, hook := range hooks {
		out = hook(out)
	}

	return out
}

// PeakNormalize scales samples in place so the peak magnitude reaches 1.0.
// Silence passes through unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, v := range samples {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}

	if peak == 0 {
		return samples
	}

	gain := 1 / peak
	for i := range samples {
		samples[i] *= gain
	}

	return samples
}

// DCBlock removes DC offset with a one-pole high-pass tuned near 20 Hz.
func DCBlock(samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 || sampleRate < 1 {
		return samples
	}

	r := float32(1 - 2*math.Pi*20/float64(sampleRate))

	out := make([]float32, len(samples))
	out[0] = samples[0]

	for i := 1; i < len(samples); i++ {
		out[i] = samples[i] - samples[i-1] + r*out[i-1]
	}

	return out
}

// FadeIn applies a linear ramp in place over the first ms milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeSampleCount(len(samples), sampleRate, ms)

	for i := 0; i < n; i++ {
		samples[i] *= float32(i) / float32(n)
	}

	return samples
}

// FadeOut applies a linear ramp in place over the last ms milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := fadeSampleCount(len(samples), sampleRate, ms)
	last := len(samples) - 1

	for i := 0; i < n; i++ {
		samples[last-i] *= float32(i) / float32(n)
	}

	return samples
}

func fadeSampleCount(total, sampleRate int, ms float64) int {
	if ms <= 0 || sampleRate < 1 {
		return 0
	}

	n := int(ms / 1000 * float64(sampleRate))
	if n > total {
		n = total
	}

	return n
}

package audio

import (
	"errors"
	"fmt"
	"math"
)

// SDR returns the signal-to-distortion ratio in dB between a reference and an
// estimate of the same length. Signal and noise power are floored at 1e-10,
// so identical signals report roughly 94 dB for full-scale content rather
// than infinity.
func SDR(ref, est []float32) (float64, error) {
	if err := checkMetricPair(ref, est); err != nil {
		return 0, err
	}

	const floor = 1e-10

	var sigPow, noisePow float64
	for i := range ref {
		r := float64(ref[i])
		d := float64(est[i]) - r
		sigPow += r * r
		noisePow += d * d
	}

	n := float64(len(ref))
	num := math.Max(sigPow/n, floor)
	den := math.Max(noisePow/n, floor)

	return 10 * math.Log10(num/den), nil
}

// SISDR returns the scale-invariant SDR in dB. The estimate is projected onto
// the reference first, so a pure gain difference does not count as distortion.
func SISDR(ref, est []float32) (float64, error) {
	if err := checkMetricPair(ref, est); err != nil {
		return 0, err
	}

	// Epsilon of the float32 sample dtype.
	const eps = 1.1920929e-07

	var rss, dot float64
	for i := range ref {
		r := float64(ref[i])
		rss += r * r
		dot += r * float64(est[i])
	}

	a := (eps + dot) / (rss + eps)

	var sss, snn float64
	for i := range ref {
		eTrue := a * float64(ref[i])
		eRes := float64(est[i]) - eTrue
		sss += eTrue * eTrue
		snn += eRes * eRes
	}

	return 10 * math.Log10((eps+sss)/(eps+snn)), nil
}

func checkMetricPair(ref, est []float32) error {
	if len(ref) == 0 {
		return errors.New("empty reference signal")
	}

	if len(ref) != len(est) {
		return fmt.Errorf("signal length mismatch: reference %d, estimate %d", len(ref), len(est))
	}

	return nil
}

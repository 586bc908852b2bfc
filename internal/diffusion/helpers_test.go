package diffusion

import (
	"math"
	"testing"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

func mustSchedule(t *testing.T) *Schedule {
	t.Helper()

	s, err := NewSchedule(DefaultScheduleConfig())
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	return s
}

// makeLatent builds a rank-4 latent with a deterministic value pattern.
func makeLatent(t *testing.T, shape []int64) *tensor.Tensor {
	t.Helper()

	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%7)/7.0 - 0.5
	}

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("make latent: %v", err)
	}

	return x
}

func equalI64(a, b []int64) bool {
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

func maxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}

	var worst float64

	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > worst {
			worst = d
		}
	}

	return worst
}

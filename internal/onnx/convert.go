package onnx

import (
	"errors"
	"math"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// coreToTensor copies a float32 pipeline tensor into a graph input tensor.
func coreToTensor(t *tensor.Tensor) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}

	return NewTensor(t.RawData(), t.Shape())
}

// tensorToCore copies a float32 graph output back into a pipeline tensor.
func tensorToCore(t *Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}

	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, t.Shape())
}

// maskToInt64 converts a 0/1 float attention mask to the int64 dtype the
// graphs declare for mask inputs.
func maskToInt64(mask *tensor.Tensor) (*Tensor, error) {
	if mask == nil {
		return nil, errors.New("nil mask")
	}

	raw := mask.RawData()
	ids := make([]int64, len(raw))

	for i, v := range raw {
		ids[i] = int64(math.Round(float64(v)))
	}

	return NewTensor(ids, mask.Shape())
}

package safetensors

import (
	"fmt"
)

// MelTensorName is the tensor name the edit CLI writes mel spectrograms
// under; loads prefer it when a file holds several tensors.
const MelTensorName = "mel"

// Tensor holds a single tensor loaded from a safetensors file.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// LoadFirstTensor reads a safetensors file and returns the first float32
// tensor in name order.
func LoadFirstTensor(path string) (*Tensor, error) {
	ar, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	names := ar.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("safetensors: no tensors found")
	}
	return ar.Tensor(names[0])
}

// LoadFirstTensorFromBytes decodes a safetensors payload and returns the first
// float32 tensor in name order.
func LoadFirstTensorFromBytes(data []byte) (*Tensor, error) {
	ar, err := Parse(data)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	names := ar.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("safetensors: no tensors found")
	}
	return ar.Tensor(names[0])
}

// LoadMel loads a mel spectrogram from a safetensors file and ensures the
// result has the 4D shape [B, 1, frames, bins] the autoencoder expects. A
// tensor named "mel" wins when the file holds several; 2D [frames, bins] and
// 3D [B, frames, bins] layouts gain the missing leading dimensions.
func LoadMel(path string) ([]float32, []int64, error) {
	ar, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer ar.Close()

	tensor, err := melTensor(ar)
	if err != nil {
		return nil, nil, err
	}
	return normalizeMelShape(tensor)
}

// LoadMelFromBytes loads a mel spectrogram from safetensors payload bytes and
// ensures the result has 4D shape [B, 1, frames, bins].
func LoadMelFromBytes(data []byte) ([]float32, []int64, error) {
	ar, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	defer ar.Close()

	tensor, err := melTensor(ar)
	if err != nil {
		return nil, nil, err
	}
	return normalizeMelShape(tensor)
}

func melTensor(ar *Archive) (*Tensor, error) {
	if ar.Has(MelTensorName) {
		return ar.Tensor(MelTensorName)
	}
	names := ar.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("safetensors: no tensors found")
	}
	return ar.Tensor(names[0])
}

func normalizeMelShape(tensor *Tensor) ([]float32, []int64, error) {
	switch len(tensor.Shape) {
	case 2:
		// [frames, bins] → [1, 1, frames, bins]
		shape := []int64{1, 1, tensor.Shape[0], tensor.Shape[1]}
		return tensor.Data, shape, nil
	case 3:
		// [B, frames, bins] → [B, 1, frames, bins]
		shape := []int64{tensor.Shape[0], 1, tensor.Shape[1], tensor.Shape[2]}
		return tensor.Data, shape, nil
	case 4:
		if tensor.Shape[1] != 1 {
			return nil, nil, fmt.Errorf("safetensors: mel channel dimension is %d in shape %v, expected 1", tensor.Shape[1], tensor.Shape)
		}
		return tensor.Data, tensor.Shape, nil
	default:
		return nil, nil, fmt.Errorf("safetensors: mel has %dD shape %v, expected 2D, 3D or 4D", len(tensor.Shape), tensor.Shape)
	}
}

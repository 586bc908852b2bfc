package tensor

import (
	"errors"
	"fmt"
)

// Narrow slices the tensor along a single dimension. The result owns its own
// storage; it does not alias the source.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	// Row-major layout makes the selected region a run of `length*inner`
	// contiguous values in each outer block, so a block copy suffices.
	inner := int64(1)
	for i := dim + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= t.shape[i]
	}

	span := length * inner
	srcBlock := t.shape[dim] * inner
	data := make([]float32, outer*span)

	for o := range outer {
		srcBase := o*srcBlock + start*inner
		copy(data[o*span:(o+1)*span], t.data[srcBase:srcBase+span])
	}

	return newOwned(data, outShape), nil
}

// Concat concatenates tensors along dim. All inputs must share rank and agree
// on every dimension except dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d == dim {
				continue
			}

			if t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner := int64(1)
	for i := dim + 1; i < rank; i++ {
		inner *= outShape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= outShape[i]
	}

	outDim := outShape[dim]

	for o := range outer {
		writePos := int64(0)

		for _, t := range tensors {
			span := t.shape[dim] * inner
			srcBase := o * t.shape[dim] * inner
			dstBase := o*outDim*inner + writePos
			copy(out.data[dstBase:dstBase+span], t.data[srcBase:srcBase+span])
			writePos += span
		}
	}

	return out, nil
}

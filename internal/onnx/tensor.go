package onnx

import (
	"fmt"
	"math"
	"strings"
)

// TensorDType identifies the element type of a Tensor. Only the two types the
// bundled graphs exchange are supported.
type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a host-memory tensor handed to and received from graph runners.
// Constructors and accessors copy, so callers never alias the backing slice.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

// NewTensor copies data into a tensor after checking that it fills shape
// exactly. An empty shape denotes a scalar holding one element.
func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if count != len(data) {
		return nil, fmt.Errorf("shape %v expects %d elements, got %d", shape, count, len(data))
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}

	var zero T
	switch any(zero).(type) {
	case float32:
		t.dtype = DTypeFloat32
		buf := make([]float32, len(data))
		for i, v := range data {
			buf[i] = float32(v)
		}
		t.data = buf
	case int64:
		t.dtype = DTypeInt64
		buf := make([]int64, len(data))
		for i, v := range data {
			buf[i] = int64(v)
		}
		t.data = buf
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", zero)
	}

	return t, nil
}

// NewZeroTensor builds an all-zero tensor from a manifest dtype string and a
// raw shape list. Symbolic dimensions resolve to 1.
func NewZeroTensor(dtype string, shape []any) (*Tensor, error) {
	canonical, err := canonicalDType(dtype)
	if err != nil {
		return nil, err
	}
	dims, err := resolveShape(shape)
	if err != nil {
		return nil, err
	}
	n, err := elementCount(dims)
	if err != nil {
		return nil, err
	}

	if canonical == DTypeInt64 {
		return NewTensor(make([]int64, n), dims)
	}
	return NewTensor(make([]float32, n), dims)
}

func (t *Tensor) DType() TensorDType {
	if t == nil {
		return ""
	}
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}
	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the backing slice. unwrapData probes outputs for
// this method, so it must tolerate a nil receiver.
func (t *Tensor) Data() any {
	if t == nil {
		return nil
	}
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

// ExtractFloat32 returns a copy of the float32 payload inside an inference
// output, unwrapping Data() accessors as needed.
func ExtractFloat32(output any) ([]float32, error) {
	return extract[float32](output, DTypeFloat32)
}

// ExtractInt64 is the int64 counterpart of ExtractFloat32.
func ExtractInt64(output any) ([]int64, error) {
	return extract[int64](output, DTypeInt64)
}

func extract[T int64 | float32](output any, want TensorDType) ([]T, error) {
	v, err := unwrapData(output)
	if err != nil {
		return nil, err
	}

	switch out := v.(type) {
	case []T:
		return append([]T(nil), out...), nil
	case *[]T:
		if out == nil {
			return nil, fmt.Errorf("expected []%s output, got nil *[]%s", want, want)
		}
		return append([]T(nil), (*out)...), nil
	case Tensor:
		return tensorPayload[T](&out, want)
	case *Tensor:
		if out == nil {
			return nil, fmt.Errorf("expected *Tensor output, got nil")
		}
		return tensorPayload[T](out, want)
	default:
		return nil, fmt.Errorf("expected []%s output, got %T", want, v)
	}
}

func tensorPayload[T int64 | float32](t *Tensor, want TensorDType) ([]T, error) {
	if t.dtype != want {
		return nil, fmt.Errorf("expected %s tensor, got %s", want, t.dtype)
	}
	data, ok := t.data.([]T)
	if !ok {
		return nil, fmt.Errorf("%s tensor has unexpected backing type %T", want, t.data)
	}
	return append([]T(nil), data...), nil
}

// unwrapData follows Data() accessors until a raw value surfaces. Runtime
// bindings wrap outputs in value types an unknown number of levels deep.
func unwrapData(output any) (any, error) {
	const maxDepth = 16

	v := output
	for range maxDepth {
		if v == nil {
			return nil, fmt.Errorf("output is nil")
		}
		getter, ok := v.(interface{ Data() any })
		if !ok {
			return v, nil
		}
		v = getter.Data()
	}
	return nil, fmt.Errorf("nested Data() wrappers exceed max depth %d", maxDepth)
}

// canonicalDType folds ONNX metadata spellings ("tensor(float)", "long") into
// a TensorDType.
func canonicalDType(raw string) (TensorDType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "tensor("), ")")
	switch s {
	case "float", "float32":
		return DTypeFloat32, nil
	case "long", "int64":
		return DTypeInt64, nil
	}
	return "", fmt.Errorf("unsupported tensor dtype %q", raw)
}

// resolveShape turns a manifest shape (JSON numbers mixed with symbolic
// dimension names) into concrete dims.
func resolveShape(shape []any) ([]int64, error) {
	dims := make([]int64, len(shape))
	for i, raw := range shape {
		switch v := raw.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("shape[%d] has empty symbolic dimension", i)
			}
			dims[i] = 1
			continue
		case float64:
			if v != math.Trunc(v) || v < 1 {
				return nil, fmt.Errorf("shape[%d]=%v is not a positive integer", i, v)
			}
			dims[i] = int64(v)
		case int:
			dims[i] = int64(v)
		case int64:
			dims[i] = v
		default:
			return nil, fmt.Errorf("shape[%d] has unsupported type %T", i, raw)
		}
		if dims[i] < 1 {
			return nil, fmt.Errorf("shape[%d]=%d is not positive", i, dims[i])
		}
	}
	return dims, nil
}

func elementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}

// ConcatBatch concatenates two float32 tensors along dimension 0. All
// trailing dimensions must match. Classifier-free guidance uses this to stack
// the unconditional batch ahead of the conditional one.
func ConcatBatch(a, b *Tensor) (*Tensor, error) {
	aShape := a.Shape()
	bShape := b.Shape()
	if len(aShape) != len(bShape) || len(aShape) == 0 {
		return nil, fmt.Errorf("ConcatBatch: rank mismatch: %v vs %v", aShape, bShape)
	}
	for i := 1; i < len(aShape); i++ {
		if aShape[i] != bShape[i] {
			return nil, fmt.Errorf("ConcatBatch: dim %d mismatch: %d vs %d", i, aShape[i], bShape[i])
		}
	}

	aData, err := ExtractFloat32(a)
	if err != nil {
		return nil, fmt.Errorf("ConcatBatch: extract a: %w", err)
	}
	bData, err := ExtractFloat32(b)
	if err != nil {
		return nil, fmt.Errorf("ConcatBatch: extract b: %w", err)
	}

	combined := make([]float32, 0, len(aData)+len(bData))
	combined = append(combined, aData...)
	combined = append(combined, bData...)

	outShape := append([]int64{aShape[0] + bShape[0]}, aShape[1:]...)
	return NewTensor(combined, outShape)
}

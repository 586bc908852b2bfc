package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
)

// Archive is a parsed safetensors container. Tensor payloads stay raw until
// requested; Tensor decodes on demand so loading a file with several entries
// only pays for the ones read.
type Archive struct {
	raw   []byte
	spans map[string]tensorSpan
	names []string
}

// tensorSpan locates one tensor's bytes inside the archive.
type tensorSpan struct {
	dtype string
	shape []int64
	start int
	end   int
}

// headerEntry is the JSON layout of one header record. The writer emits the
// same shape.
type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// Open reads and parses a safetensors file.
func Open(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes a safetensors payload: 8-byte LE header length, JSON header,
// then raw tensor data. The special __metadata__ header key is skipped.
func Parse(data []byte) (*Archive, error) {
	headerEnd, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(header))
	spans := make(map[string]tensorSpan, len(header))

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		span, err := parseSpan(name, raw, headerEnd, len(data))
		if err != nil {
			return nil, err
		}

		spans[name] = span
		names = append(names, name)
	}

	if len(spans) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(names)

	return &Archive{
		raw:   data,
		spans: spans,
		names: names,
	}, nil
}

// parseSpan validates one header record and resolves its byte range within
// the file.
func parseSpan(name string, raw json.RawMessage, headerEnd, fileSize int) (tensorSpan, error) {
	var e headerEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return tensorSpan{}, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
	}

	dtype := strings.ToUpper(e.DType)
	elemBytes, err := dtypeBytes(dtype)
	if err != nil {
		return tensorSpan{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
		return tensorSpan{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, e.Offsets)
	}

	elems, err := countElems(e.Shape)
	if err != nil {
		return tensorSpan{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	start := headerEnd + e.Offsets[0]
	end := headerEnd + e.Offsets[1]
	if end > fileSize {
		return tensorSpan{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, fileSize)
	}

	if need := int(elems) * elemBytes; end-start < need {
		return tensorSpan{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", name, need, end-start)
	}

	return tensorSpan{
		dtype: dtype,
		shape: append([]int64(nil), e.Shape...),
		start: start,
		end:   end,
	}, nil
}

// Names returns the tensor names in sorted order.
func (a *Archive) Names() []string {
	return append([]string(nil), a.names...)
}

// Has reports whether the archive holds a tensor with the given name.
func (a *Archive) Has(name string) bool {
	_, ok := a.spans[name]
	return ok
}

// Tensor decodes the named tensor to float32. F16 and BF16 payloads are
// widened; F32 is copied as-is.
func (a *Archive) Tensor(name string) (*Tensor, error) {
	span, ok := a.spans[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(a.names))
	}

	data, err := decodeValues(a.raw[span.start:span.end], span.dtype, span.shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), span.shape...),
		Data:  data,
	}, nil
}

// Close drops the archive's backing buffer.
func (a *Archive) Close() {
	a.raw = nil
	a.spans = nil
	a.names = nil
}

func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])

	headerEnd := 8 + int(headerLen)
	if headerEnd > len(data) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return headerEnd, header, nil
}

func countElems(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch strings.ToUpper(dtype) {
	case dtypeF32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decodeValues(raw []byte, dtype string, shape []int64) ([]float32, error) {
	elems, err := countElems(shape)
	if err != nil {
		return nil, err
	}

	n := int(elems)
	out := make([]float32, n)

	switch strings.ToUpper(dtype) {
	case dtypeF32:
		if len(raw) < n*4 {
			return nil, fmt.Errorf("need %d bytes for F32, got %d", n*4, len(raw))
		}

		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		if len(raw) < n*2 {
			return nil, fmt.Errorf("need %d bytes for F16, got %d", n*2, len(raw))
		}

		for i := range out {
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		if len(raw) < n*2 {
			return nil, fmt.Errorf("need %d bytes for BF16, got %d", n*2, len(raw))
		}

		// BF16 is the top half of an IEEE 754 float32.
		for i := range out {
			bits := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = math.Float32frombits(uint32(bits) << 16)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return out, nil
}

// halfToFloat32 widens an IEEE 754 binary16 value, covering subnormals,
// infinities, and NaN.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32

	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
		} else {
			// Subnormal: normalize.
			e := int32(-14)

			for (frac & 0x0400) == 0 {
				frac <<= 1
				e--
			}

			frac &= 0x03ff
			exp32 := uint32(e + 127)
			bits = (sign << 31) | (exp32 << 23) | (frac << 13)
		}
	case 0x1f:
		// Inf / NaN.
		bits = (sign << 31) | 0x7f800000 | (frac << 13)
	default:
		exp32 := exp + (127 - 15)
		bits = (sign << 31) | (exp32 << 23) | (frac << 13)
	}

	return math.Float32frombits(bits)
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}

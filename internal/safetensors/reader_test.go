package safetensors

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestLoadFirstTensorUsesSortedOrder(t *testing.T) {
	// "beta" is laid out first in the file; name order still wins.
	blob := encodeArchive(t,
		rawTensor{name: "beta", dtype: "F32", shape: []int64{1, 3}, data: f32le(3, 4, 5)},
		rawTensor{name: "alpha", dtype: "F32", shape: []int64{2}, data: f32le(1, 2)},
	)

	tensor, err := LoadFirstTensor(writeArchive(t, blob))
	if err != nil {
		t.Fatalf("LoadFirstTensor: %v", err)
	}

	if tensor.Name != "alpha" {
		t.Fatalf("Name = %q, want alpha", tensor.Name)
	}
	if len(tensor.Shape) != 1 || tensor.Shape[0] != 2 {
		t.Errorf("Shape = %v, want [2]", tensor.Shape)
	}
	assertFloatSliceNear(t, tensor.Data, []float32{1, 2}, 0)
}

func TestLoadFirstTensorFromBytes(t *testing.T) {
	vals := []float32{1.5, -0.25, 3.14159, 0, -1, 42, 0.001, -999.9}
	blob := encodeArchive(t,
		rawTensor{name: "latent", dtype: "F32", shape: []int64{2, 4}, data: f32le(vals...)},
	)

	tensor, err := LoadFirstTensorFromBytes(blob)
	if err != nil {
		t.Fatalf("LoadFirstTensorFromBytes: %v", err)
	}

	if tensor.Name != "latent" {
		t.Errorf("Name = %q, want latent", tensor.Name)
	}
	// Values must be bit-exact.
	assertFloatSliceNear(t, tensor.Data, vals, 0)
}

func TestLoadFirstTensorErrors(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"empty file", nil},
		{"truncated length prefix", []byte{0, 0, 0, 0}},
		{"invalid JSON header", rawHeaderBlob(`{invalid json`, 0)},
		{"no tensors", rawHeaderBlob(`{}`, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFirstTensor(writeArchive(t, tt.blob)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFirstTensor("/nonexistent/mel.safetensors"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLoadMelNormalizesShape(t *testing.T) {
	tests := []struct {
		name      string
		shape     []int64
		wantShape []int64
		wantErr   string
	}{
		{name: "2D gains batch and channel", shape: []int64{6, 4}, wantShape: []int64{1, 1, 6, 4}},
		{name: "3D keeps batch", shape: []int64{2, 3, 4}, wantShape: []int64{2, 1, 3, 4}},
		{name: "4D passthrough", shape: []int64{1, 1, 3, 2}, wantShape: []int64{1, 1, 3, 2}},
		{name: "4D bad channel dim", shape: []int64{2, 3, 2, 2}, wantErr: "channel dimension"},
		{name: "1D rejected", shape: []int64{3}, wantErr: "expected 2D, 3D or 4D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := int64(1)
			for _, d := range tt.shape {
				n *= d
			}
			vals := make([]float32, n)
			for i := range vals {
				vals[i] = float32(i) * 0.25
			}
			blob := encodeArchive(t,
				rawTensor{name: "mel", dtype: "F32", shape: tt.shape, data: f32le(vals...)},
			)

			data, shape, err := LoadMel(writeArchive(t, blob))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadMel: %v", err)
			}

			if len(shape) != len(tt.wantShape) {
				t.Fatalf("shape = %v, want %v", shape, tt.wantShape)
			}
			for i := range shape {
				if shape[i] != tt.wantShape[i] {
					t.Fatalf("shape = %v, want %v", shape, tt.wantShape)
				}
			}
			// Reshaping only relabels dims; the payload stays put.
			assertFloatSliceNear(t, data, vals, 0)
		})
	}
}

func TestLoadMelPrefersNamedTensor(t *testing.T) {
	// "aaa" sorts before "mel", so name preference has to beat sort order.
	blob := encodeArchive(t,
		rawTensor{name: "aaa", dtype: "F32", shape: []int64{1, 2}, data: f32le(9, 9)},
		rawTensor{name: "mel", dtype: "F32", shape: []int64{2, 2}, data: f32le(1, 2, 3, 4)},
	)

	data, shape, err := LoadMel(writeArchive(t, blob))
	if err != nil {
		t.Fatalf("LoadMel: %v", err)
	}

	if len(shape) != 4 || shape[2] != 2 || shape[3] != 2 {
		t.Errorf("shape = %v, want [1 1 2 2]", shape)
	}
	assertFloatSliceNear(t, data, []float32{1, 2, 3, 4}, 0)
}

func TestLoadMelFallsBackToFirstTensor(t *testing.T) {
	blob := encodeArchive(t,
		rawTensor{name: "spectrogram", dtype: "F32", shape: []int64{2, 3}, data: f32le(1, 2, 3, 4, 5, 6)},
	)

	data, shape, err := LoadMel(writeArchive(t, blob))
	if err != nil {
		t.Fatalf("LoadMel: %v", err)
	}

	if len(shape) != 4 || shape[2] != 2 || shape[3] != 3 {
		t.Errorf("shape = %v, want [1 1 2 3]", shape)
	}
	if len(data) != 6 {
		t.Fatalf("data length = %d, want 6", len(data))
	}
}

func TestLoadMelFromBytes(t *testing.T) {
	vals := []float32{0.5, -0.5, 1.5, -1.5, 2.5, -2.5}
	blob := encodeArchive(t,
		rawTensor{name: "mel", dtype: "F32", shape: []int64{3, 2}, data: f32le(vals...)},
	)

	data, shape, err := LoadMelFromBytes(blob)
	if err != nil {
		t.Fatalf("LoadMelFromBytes: %v", err)
	}

	if len(shape) != 4 || shape[0] != 1 || shape[1] != 1 || shape[2] != 3 || shape[3] != 2 {
		t.Errorf("shape = %v, want [1 1 3 2]", shape)
	}
	assertFloatSliceNear(t, data, vals, 0)
}

func TestLoadMelWidensHalfPrecision(t *testing.T) {
	// Exporters often store mels as F16; the reader widens transparently.
	blob := encodeArchive(t,
		rawTensor{name: "mel", dtype: "F16", shape: []int64{2, 2}, data: f16le(0x3c00, 0xbc00, 0x3800, 0x4000)}, // 1, -1, 0.5, 2
	)

	data, shape, err := LoadMelFromBytes(blob)
	if err != nil {
		t.Fatalf("LoadMelFromBytes: %v", err)
	}

	if len(shape) != 4 || shape[2] != 2 || shape[3] != 2 {
		t.Errorf("shape = %v, want [1 1 2 2]", shape)
	}
	assertFloatSliceNear(t, data, []float32{1, -1, 0.5, 2}, 1e-4)
}

func TestLoadFirstTensorSkipsMetadataEntry(t *testing.T) {
	payload := f32le(1, 2, 3)
	header := `{"__metadata__":{"format":"pt"},"mel":{"dtype":"F32","shape":[1,3],"data_offsets":[0,12]}}`

	blob := make([]byte, 0, 8+len(header)+len(payload))
	blob = binary.LittleEndian.AppendUint64(blob, uint64(len(header)))
	blob = append(blob, header...)
	blob = append(blob, payload...)

	tensor, err := LoadFirstTensorFromBytes(blob)
	if err != nil {
		t.Fatalf("LoadFirstTensorFromBytes: %v", err)
	}
	if tensor.Name != "mel" {
		t.Errorf("Name = %q, want mel", tensor.Name)
	}
	assertFloatSliceNear(t, tensor.Data, []float32{1, 2, 3}, 0)
}

package onnx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// fakeVAERunners returns encoder and decoder fakes. The encoder emits
// mean = mel/2 and logvar = -mel; the decoder emits latent*3 reshaped to a
// rank-4 mel, so adapter round-trips are checkable by value.
func fakeVAERunners(t *testing.T) (enc, dec *fakeRunner) {
	t.Helper()

	enc = &fakeRunner{
		name: GraphVAEEncoder,
		fn: func(_ context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
			mel, ok := inputs["mel"]
			if !ok {
				return nil, errors.New("fake: missing mel input")
			}

			data, err := ExtractFloat32(mel)
			if err != nil {
				return nil, err
			}

			mean := make([]float32, len(data))
			logvar := make([]float32, len(data))
			for i, v := range data {
				mean[i] = v / 2
				logvar[i] = -v
			}

			meanT, err := NewTensor(mean, mel.Shape())
			if err != nil {
				return nil, err
			}

			logvarT, err := NewTensor(logvar, mel.Shape())
			if err != nil {
				return nil, err
			}

			return map[string]*Tensor{"latent_mean": meanT, "latent_logvar": logvarT}, nil
		},
	}

	dec = &fakeRunner{
		name: GraphVAEDecoder,
		fn: func(_ context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
			latent, ok := inputs["latent"]
			if !ok {
				return nil, errors.New("fake: missing latent input")
			}

			data, err := ExtractFloat32(latent)
			if err != nil {
				return nil, err
			}

			mel := make([]float32, len(data))
			for i, v := range data {
				mel[i] = v * 3
			}

			melT, err := NewTensor(mel, latent.Shape())
			if err != nil {
				return nil, err
			}

			return map[string]*Tensor{"mel": melT}, nil
		},
	}

	return enc, dec
}

func TestEncodeLatentDist(t *testing.T) {
	enc, _ := fakeVAERunners(t)
	e := NewEngineWithRunners(map[string]GraphRunner{GraphVAEEncoder: enc})

	mel, err := NewTensor([]float32{2, 4, 6, 8}, []int64{1, 1, 2, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	mean, logvar, err := e.EncodeLatentDist(context.Background(), mel)
	if err != nil {
		t.Fatalf("EncodeLatentDist: %v", err)
	}

	meanData, err := ExtractFloat32(mean)
	if err != nil {
		t.Fatalf("ExtractFloat32(mean): %v", err)
	}

	if meanData[0] != 1 || meanData[3] != 4 {
		t.Fatalf("unexpected mean: %v", meanData)
	}

	logvarData, err := ExtractFloat32(logvar)
	if err != nil {
		t.Fatalf("ExtractFloat32(logvar): %v", err)
	}

	if logvarData[0] != -2 || logvarData[3] != -8 {
		t.Fatalf("unexpected logvar: %v", logvarData)
	}
}

func TestEncodeLatentDistMissingGraph(t *testing.T) {
	e := NewEngineWithRunners(map[string]GraphRunner{})

	mel, err := NewTensor([]float32{1}, []int64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	_, _, err = e.EncodeLatentDist(context.Background(), mel)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing graph error, got: %v", err)
	}
}

func TestEncodeLatentDistMissingOutput(t *testing.T) {
	runner := &fakeRunner{
		name: GraphVAEEncoder,
		fn: func(_ context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
			mean, err := NewTensor([]float32{0}, []int64{1, 1, 1, 1})
			if err != nil {
				return nil, err
			}

			return map[string]*Tensor{"latent_mean": mean}, nil
		},
	}

	e := NewEngineWithRunners(map[string]GraphRunner{GraphVAEEncoder: runner})

	mel, err := NewTensor([]float32{1}, []int64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	_, _, err = e.EncodeLatentDist(context.Background(), mel)
	if err == nil || !strings.Contains(err.Error(), "latent_logvar") {
		t.Fatalf("expected missing output error, got: %v", err)
	}
}

func TestDecodeLatent(t *testing.T) {
	_, dec := fakeVAERunners(t)
	e := NewEngineWithRunners(map[string]GraphRunner{GraphVAEDecoder: dec})

	latent, err := NewTensor([]float32{1, 2}, []int64{1, 1, 1, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	mel, err := e.DecodeLatent(context.Background(), latent)
	if err != nil {
		t.Fatalf("DecodeLatent: %v", err)
	}

	data, err := ExtractFloat32(mel)
	if err != nil {
		t.Fatalf("ExtractFloat32: %v", err)
	}

	if data[0] != 3 || data[1] != 6 {
		t.Fatalf("unexpected mel: %v", data)
	}
}

func TestDecodeLatentMissingGraph(t *testing.T) {
	e := NewEngineWithRunners(map[string]GraphRunner{})

	latent, err := NewTensor([]float32{1}, []int64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	_, err = e.DecodeLatent(context.Background(), latent)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing graph error, got: %v", err)
	}
}

func TestAutoencoderAdapterRoundTrip(t *testing.T) {
	enc, dec := fakeVAERunners(t)
	e := NewEngineWithRunners(map[string]GraphRunner{
		GraphVAEEncoder: enc,
		GraphVAEDecoder: dec,
	})

	ae, err := NewAutoencoder(e)
	if err != nil {
		t.Fatalf("NewAutoencoder: %v", err)
	}

	mel, err := tensor.New([]float32{4, 8}, []int64{1, 1, 1, 2})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	mean, logvar, err := ae.EncodeDist(context.Background(), mel)
	if err != nil {
		t.Fatalf("EncodeDist: %v", err)
	}

	if got := mean.RawData(); got[0] != 2 || got[1] != 4 {
		t.Fatalf("unexpected mean: %v", got)
	}

	if got := logvar.RawData(); got[0] != -4 || got[1] != -8 {
		t.Fatalf("unexpected logvar: %v", got)
	}

	decoded, err := ae.Decode(context.Background(), mean)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := decoded.RawData(); got[0] != 6 || got[1] != 12 {
		t.Fatalf("unexpected decoded mel: %v", got)
	}

	if got, want := decoded.Rank(), mel.Rank(); got != want {
		t.Fatalf("decoded rank = %d, want %d", got, want)
	}
}

func TestNewAutoencoderRequiresEngine(t *testing.T) {
	if _, err := NewAutoencoder(nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
}

package edit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
)

// fakeAutoencoder returns constant-valued posterior and mel tensors with
// configurable shapes, recording what it was asked to decode.
type fakeAutoencoder struct {
	latentShape []int64 // defaults to [melBatch, 2, 4, 2]
	logvarShape []int64 // defaults to latentShape
	meanValue   float32
	logvarValue float32
	decodeShape []int64 // defaults to [latentBatch, 1, 8, 4]
	decodeValue float32
	encodeErr   error
	decodeErr   error

	encodeCalls int
	decodeCalls int
	lastLatent  *tensor.Tensor
}

func (f *fakeAutoencoder) EncodeDist(_ context.Context, mel *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	f.encodeCalls++

	if f.encodeErr != nil {
		return nil, nil, f.encodeErr
	}

	shape := f.latentShape
	if shape == nil {
		shape = []int64{mel.Shape()[0], 2, 4, 2}
	}

	lvShape := f.logvarShape
	if lvShape == nil {
		lvShape = shape
	}

	mean, err := tensor.Full(shape, f.meanValue)
	if err != nil {
		return nil, nil, err
	}

	logvar, err := tensor.Full(lvShape, f.logvarValue)
	if err != nil {
		return nil, nil, err
	}

	return mean, logvar, nil
}

func (f *fakeAutoencoder) Decode(_ context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	f.decodeCalls++
	f.lastLatent = latent.Clone()

	if f.decodeErr != nil {
		return nil, f.decodeErr
	}

	shape := f.decodeShape
	if shape == nil {
		shape = []int64{latent.Shape()[0], 1, 8, 4}
	}

	return tensor.Full(shape, f.decodeValue)
}

type embedCall struct {
	texts  []string
	guided bool
}

// fakeConditioner records every Embed call and returns a marker bundle with
// the doubled batch when guided.
type fakeConditioner struct {
	calls []embedCall
	err   error
}

func (f *fakeConditioner) Embed(_ context.Context, texts []string, guided bool) (diffusion.Conditioning, error) {
	f.calls = append(f.calls, embedCall{texts: append([]string(nil), texts...), guided: guided})

	if f.err != nil {
		return diffusion.Conditioning{}, f.err
	}

	b := int64(len(texts))
	if guided {
		b *= 2
	}

	embeds, err := tensor.Full([]int64{b, 3, 4}, 0.5)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	return diffusion.Conditioning{TextEmbeds: embeds}, nil
}

// fakeVocoder emits a per-batch ramp of the configured length so truncation
// and row extraction are observable.
type fakeVocoder struct {
	samples       int64
	shapeOverride []int64
	err           error

	calls int
}

func (f *fakeVocoder) Synthesize(_ context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	if f.shapeOverride != nil {
		return tensor.Zeros(f.shapeOverride)
	}

	out, err := tensor.Zeros([]int64{mel.Shape()[0], f.samples})
	if err != nil {
		return nil, err
	}

	data := out.RawData()
	for i := range data {
		data[i] = float32(i) / float32(f.samples)
	}

	return out, nil
}

// recordingPredictor returns a constant noise estimate and records the
// timestep and batch of every call.
type recordingPredictor struct {
	value     float32
	timesteps []int64
	batches   []int64
}

func (p *recordingPredictor) Predict(_ context.Context, latent *tensor.Tensor, timestep int64, _ diffusion.Conditioning) (*tensor.Tensor, error) {
	p.timesteps = append(p.timesteps, timestep)
	p.batches = append(p.batches, latent.Shape()[0])

	return tensor.Full(latent.Shape(), p.value)
}

type pipelineFixture struct {
	ae   *fakeAutoencoder
	cond *fakeConditioner
	voc  *fakeVocoder
	pred *recordingPredictor
	pipe *Pipeline
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	fx := &pipelineFixture{
		ae:   &fakeAutoencoder{meanValue: 0.4, logvarValue: -80},
		cond: &fakeConditioner{},
		voc:  &fakeVocoder{samples: 163872},
		pred: &recordingPredictor{value: 0.1},
	}

	sched, err := diffusion.NewSchedule(diffusion.DefaultScheduleConfig())
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	sampler, err := diffusion.NewSampler(sched, fx.pred)
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}

	codec, err := NewCodec(fx.ae, testLogger())
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	fx.pipe, err = NewPipeline(PipelineParams{
		Codec:       codec,
		Conditioner: fx.cond,
		Schedule:    sched,
		Sampler:     sampler,
		Vocoder:     fx.voc,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	return fx
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeMel(t *testing.T, shape []int64) *tensor.Tensor {
	t.Helper()

	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%5)*0.2 - 0.4
	}

	mel, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("make mel: %v", err)
	}

	return mel
}

// baseRequest is a small but valid noise-mode edit: 4 steps, full strength.
func baseRequest() EditRequest {
	return EditRequest{
		Text:          "a dog barking in the rain",
		Mode:          ModeNoise,
		NumSteps:      4,
		Strength:      1.0,
		GuidanceScale: 1.0,
		Duration:      0.5,
	}
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
		return 1e9
	}

	var maxDiff float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		if d < 0 {
			d = -d
		}

		if d > maxDiff {
			maxDiff = d
		}
	}

	return maxDiff
}

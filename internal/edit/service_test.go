package edit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/onnx"
)

// stubRunner is a scripted onnx.GraphRunner for service assembly tests.
type stubRunner struct {
	name   string
	fn     func(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	calls  int
	closed bool
}

func (r *stubRunner) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	r.calls++

	return r.fn(ctx, inputs)
}

func (r *stubRunner) Name() string { return r.name }

func (r *stubRunner) Close() { r.closed = true }

// stubTokenizer returns three fixed ids per caption and records every text it
// was asked to encode. Empty captions yield an empty id list, like the real
// sentencepiece wrapper.
type stubTokenizer struct {
	texts []string
}

func (s *stubTokenizer) Encode(text string) ([]int64, error) {
	s.texts = append(s.texts, text)

	if text == "" {
		return []int64{}, nil
	}

	return []int64{5, 6, 7}, nil
}

func constOutput(shape []int64, v float32) (*onnx.Tensor, error) {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}

	return onnx.NewTensor(data, shape)
}

// fakeBundle carries scripted runners for all five bundle graphs, sized for
// an 8x4 mel with a [B, 2, 4, 2] latent. The unet fake records the latent
// batch of every call so guidance doubling is observable.
type fakeBundle struct {
	enc, dec, unet, text, voc *stubRunner

	unetBatches []int64
}

func newFakeBundle(t *testing.T) *fakeBundle {
	t.Helper()

	b := &fakeBundle{}

	b.enc = &stubRunner{
		name: onnx.GraphVAEEncoder,
		fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			mel, ok := inputs["mel"]
			if !ok {
				return nil, errors.New("fake encoder: missing mel input")
			}

			latentShape := []int64{mel.Shape()[0], 2, 4, 2}

			// Near-zero variance keeps the posterior sample at the mean.
			mean, err := constOutput(latentShape, 0.2)
			if err != nil {
				return nil, err
			}

			logvar, err := constOutput(latentShape, -80)
			if err != nil {
				return nil, err
			}

			return map[string]*onnx.Tensor{"latent_mean": mean, "latent_logvar": logvar}, nil
		},
	}

	b.dec = &stubRunner{
		name: onnx.GraphVAEDecoder,
		fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			latent, ok := inputs["latent"]
			if !ok {
				return nil, errors.New("fake decoder: missing latent input")
			}

			mel, err := constOutput([]int64{latent.Shape()[0], 1, 8, 4}, -1)
			if err != nil {
				return nil, err
			}

			return map[string]*onnx.Tensor{"mel": mel}, nil
		},
	}

	b.unet = &stubRunner{
		name: onnx.GraphUNet,
		fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			latent, ok := inputs["latent"]
			if !ok {
				return nil, errors.New("fake unet: missing latent input")
			}

			b.unetBatches = append(b.unetBatches, latent.Shape()[0])

			pred, err := constOutput(latent.Shape(), 0.05)
			if err != nil {
				return nil, err
			}

			return map[string]*onnx.Tensor{"noise_pred": pred}, nil
		},
	}

	b.text = &stubRunner{
		name: onnx.GraphTextConditioner,
		fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			ids, ok := inputs["input_ids"]
			if !ok {
				return nil, errors.New("fake text conditioner: missing input_ids")
			}

			shape := ids.Shape()

			embeds, err := constOutput([]int64{shape[0], shape[1], 4}, 0.5)
			if err != nil {
				return nil, err
			}

			aux, err := constOutput([]int64{shape[0], 2, 3}, 0.25)
			if err != nil {
				return nil, err
			}

			return map[string]*onnx.Tensor{"prompt_embeds": embeds, "generated_prompt_embeds": aux}, nil
		},
	}

	b.voc = &stubRunner{
		name: onnx.GraphVocoder,
		fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			mel, ok := inputs["mel"]
			if !ok {
				return nil, errors.New("fake vocoder: missing mel input")
			}

			wave, err := constOutput([]int64{mel.Shape()[0], 64}, 0.1)
			if err != nil {
				return nil, err
			}

			return map[string]*onnx.Tensor{"waveform": wave}, nil
		},
	}

	return b
}

func (b *fakeBundle) engine() *onnx.Engine {
	return onnx.NewEngineWithRunners(map[string]onnx.GraphRunner{
		onnx.GraphVAEEncoder:      b.enc,
		onnx.GraphVAEDecoder:      b.dec,
		onnx.GraphUNet:            b.unet,
		onnx.GraphTextConditioner: b.text,
		onnx.GraphVocoder:         b.voc,
	})
}

func newTestService(t *testing.T, negative string) (*Service, *fakeBundle, *stubTokenizer) {
	t.Helper()

	bundle := newFakeBundle(t)
	tok := &stubTokenizer{}

	svc, err := NewServiceWithEngine(bundle.engine(), tok, negative, testLogger())
	if err != nil {
		t.Fatalf("NewServiceWithEngine: %v", err)
	}

	return svc, bundle, tok
}

func TestNewServiceWithEngineNilEngine(t *testing.T) {
	_, err := NewServiceWithEngine(nil, &stubTokenizer{}, "", testLogger())
	if !errors.Is(err, diffusion.ErrConfig) {
		t.Fatalf("expected ErrConfig for nil engine, got: %v", err)
	}
}

func TestNewServiceWithEngineMissingGraphs(t *testing.T) {
	bundle := newFakeBundle(t)
	engine := onnx.NewEngineWithRunners(map[string]onnx.GraphRunner{onnx.GraphUNet: bundle.unet})

	_, err := NewServiceWithEngine(engine, &stubTokenizer{}, "", testLogger())
	if err == nil {
		t.Fatal("expected error for incomplete bundle")
	}

	if !errors.Is(err, diffusion.ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}

	for _, name := range []string{onnx.GraphVAEEncoder, onnx.GraphVAEDecoder, onnx.GraphTextConditioner, onnx.GraphVocoder} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not name missing graph %q", err, name)
		}
	}

	if strings.Contains(err.Error(), "missing graphs: unet") {
		t.Fatalf("error %q names a graph that is present", err)
	}
}

func TestServiceEditNoiseMode(t *testing.T) {
	svc, bundle, _ := newTestService(t, "")
	defer svc.Close()

	mel := makeMel(t, []int64{1, 1, 8, 4})

	req := baseRequest()
	req.Duration = 0.003

	res, err := svc.Edit(context.Background(), mel, req)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if res.Waveform == nil {
		t.Fatal("expected a waveform")
	}

	if got, want := res.Waveform.Shape(), []int64{1, 48}; !equalI64(got, want) {
		t.Fatalf("waveform shape = %v, want %v", got, want)
	}

	if got, want := res.Mel.Shape(), []int64{1, 1, 8, 4}; !equalI64(got, want) {
		t.Fatalf("mel shape = %v, want %v", got, want)
	}

	if got, want := res.Latent.Shape(), []int64{1, 2, 4, 2}; !equalI64(got, want) {
		t.Fatalf("latent shape = %v, want %v", got, want)
	}

	if res.TEnc != req.NumSteps {
		t.Fatalf("TEnc = %d, want %d at full strength", res.TEnc, req.NumSteps)
	}

	if bundle.enc.calls != 1 || bundle.dec.calls != 1 || bundle.voc.calls != 1 {
		t.Fatalf("encoder/decoder/vocoder calls = %d/%d/%d, want 1/1/1",
			bundle.enc.calls, bundle.dec.calls, bundle.voc.calls)
	}

	if bundle.unet.calls != req.NumSteps {
		t.Fatalf("unet calls = %d, want one per step (%d)", bundle.unet.calls, req.NumSteps)
	}

	// Guidance off: one embed of the target caption only.
	if bundle.text.calls != 1 {
		t.Fatalf("text conditioner calls = %d, want 1", bundle.text.calls)
	}

	for i, batch := range bundle.unetBatches {
		if batch != 1 {
			t.Fatalf("unet call %d saw batch %d, want 1 without guidance", i, batch)
		}
	}
}

func TestServiceEditGuidedDoublesBatchAndEmbedsNegative(t *testing.T) {
	svc, bundle, tok := newTestService(t, "low quality")
	defer svc.Close()

	mel := makeMel(t, []int64{1, 1, 8, 4})

	req := baseRequest()
	req.GuidanceScale = 3.5
	req.Duration = 0.003

	if _, err := svc.Edit(context.Background(), mel, req); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	// Positive and negative halves run as separate graph calls.
	if bundle.text.calls != 2 {
		t.Fatalf("text conditioner calls = %d, want 2 under guidance", bundle.text.calls)
	}

	for i, batch := range bundle.unetBatches {
		if batch != 2 {
			t.Fatalf("unet call %d saw batch %d, want 2 under guidance", i, batch)
		}
	}

	sawNegative := false
	for _, text := range tok.texts {
		if text == "low quality" {
			sawNegative = true
		}
	}

	if !sawNegative {
		t.Fatalf("negative prompt never tokenized, texts: %q", tok.texts)
	}
}

func TestServiceEditInversionMode(t *testing.T) {
	svc, bundle, tok := newTestService(t, "")
	defer svc.Close()

	mel := makeMel(t, []int64{1, 1, 8, 4})

	req := baseRequest()
	req.Mode = ModeInversion
	req.SourceText = "an engine idling"
	req.Duration = 0.003

	res, err := svc.Edit(context.Background(), mel, req)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if res.Waveform == nil {
		t.Fatal("expected a waveform")
	}

	// Target and source captions embed separately.
	if bundle.text.calls != 2 {
		t.Fatalf("text conditioner calls = %d, want 2 for inversion", bundle.text.calls)
	}

	sawSource := false
	for _, text := range tok.texts {
		if text == "an engine idling" {
			sawSource = true
		}
	}

	if !sawSource {
		t.Fatalf("source caption never tokenized, texts: %q", tok.texts)
	}

	// tEnc-1 inversion updates plus tEnc denoise steps.
	if want := 2*req.NumSteps - 1; bundle.unet.calls != want {
		t.Fatalf("unet calls = %d, want %d", bundle.unet.calls, want)
	}
}

func TestServiceCloseReleasesRunners(t *testing.T) {
	svc, bundle, _ := newTestService(t, "")

	svc.Close()

	for _, r := range []*stubRunner{bundle.enc, bundle.dec, bundle.unet, bundle.text, bundle.voc} {
		if !r.closed {
			t.Fatalf("runner %q not closed", r.name)
		}
	}

	// Second close must be a no-op.
	svc.Close()
}

func TestServiceRuntimeZeroForExternalEngine(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	defer svc.Close()

	if info := svc.Runtime(); info.Initialized || info.LibraryPath != "" {
		t.Fatalf("expected zero runtime info, got %+v", info)
	}
}

package edit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/go-audio-edit/internal/config"
	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/onnx"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
	"github.com/example/go-audio-edit/internal/tokenizer"
)

// Service is the composition root of the edit flow: it owns the ONNX engine
// and the pipeline wired on top of it. Commands build one Service per process
// and run requests through Edit.
type Service struct {
	engine   *onnx.Engine
	pipeline *Pipeline
	info     onnx.RuntimeInfo
}

// NewService boots the ONNX runtime, loads the model bundle named by the
// config, and wires the pipeline collaborators. The returned service owns the
// engine; Close releases its sessions.
func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	info, err := onnx.Bootstrap(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("edit: detect onnx runtime: %w", err)
	}

	engine, err := onnx.NewEngine(cfg.Paths.GraphManifest(), onnx.RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, fmt.Errorf("edit: load model bundle: %w", err)
	}

	tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.Tokenizer())
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("edit: %w", err)
	}

	svc, err := NewServiceWithEngine(engine, tok, cfg.Edit.NegativePrompt, logger)
	if err != nil {
		engine.Close()
		return nil, err
	}

	svc.info = info

	return svc, nil
}

// NewServiceWithEngine wires a pipeline around an existing engine, which the
// service takes ownership of. Exposed so benches and tests can back the
// engine with their own runners.
func NewServiceWithEngine(engine *onnx.Engine, tok tokenizer.Tokenizer, negativePrompt string, logger *slog.Logger) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("edit: engine is nil: %w", diffusion.ErrConfig)
	}

	if missing := engine.MissingGraphs(); len(missing) > 0 {
		return nil, fmt.Errorf("edit: model bundle is missing graphs: %s: %w", strings.Join(missing, ", "), diffusion.ErrConfig)
	}

	ae, err := onnx.NewAutoencoder(engine)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	codec, err := NewCodec(ae, logger)
	if err != nil {
		return nil, err
	}

	cond, err := onnx.NewCaptionConditioner(engine, tok, negativePrompt)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	pred, err := onnx.NewNoisePredictor(engine)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	voc, err := onnx.NewVocoder(engine)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	schedule, err := diffusion.NewSchedule(diffusion.DefaultScheduleConfig())
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	sampler, err := diffusion.NewSampler(schedule, pred)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	pipeline, err := NewPipeline(PipelineParams{
		Codec:       codec,
		Conditioner: cond,
		Schedule:    schedule,
		Sampler:     sampler,
		Vocoder:     voc,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &Service{engine: engine, pipeline: pipeline}, nil
}

// Edit runs one request through the pipeline.
func (s *Service) Edit(ctx context.Context, mel *tensor.Tensor, req EditRequest) (*EditResult, error) {
	return s.pipeline.Edit(ctx, mel, req)
}

// Runtime reports the detected ONNX runtime library. It is the zero value
// when the service was assembled around an external engine.
func (s *Service) Runtime() onnx.RuntimeInfo {
	return s.info
}

// Close releases the engine sessions. Safe to call more than once.
func (s *Service) Close() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}

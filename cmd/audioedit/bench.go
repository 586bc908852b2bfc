package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/example/go-audio-edit/internal/audio"
	"github.com/example/go-audio-edit/internal/bench"
	"github.com/example/go-audio-edit/internal/edit"
	"github.com/example/go-audio-edit/internal/onnx"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		melPath      string
		text         string
		runs         int
		steps        int
		format       string
		rtfThreshold float64
		useFake      bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark edit latency, per-stage timing and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			var mel *tensor.Tensor
			if melPath != "" {
				mel, err = loadMelTensor(melPath)
				if err != nil {
					return err
				}
			} else {
				mel, err = syntheticMel()
				if err != nil {
					return err
				}
			}

			req := edit.EditRequest{
				Text:          strings.TrimSpace(text),
				Mode:          edit.ModeNoise,
				NumSteps:      cfg.Edit.Steps,
				Strength:      cfg.Edit.Strength,
				GuidanceScale: cfg.Edit.GuidanceScale,
				Duration:      cfg.Edit.Duration,
			}
			if steps > 0 {
				req.NumSteps = steps
			}

			var svc *edit.Service
			if useFake {
				svc, err = newFakeEditService(cfg.Edit.NegativePrompt, slog.Default())
				if err != nil {
					return err
				}
			} else {
				svc, err = edit.NewService(cfg, slog.Default())
				if err != nil {
					fmt.Fprintf(os.Stderr, "warn: no usable model bundle (%v); benchmarking with the fake predictor\n", err)
					svc, err = newFakeEditService(cfg.Edit.NegativePrompt, slog.Default())
					if err != nil {
						return err
					}
				}
			}
			defer svc.Close()

			stages := bench.NewStageTimings()

			results, err := runEditBench(cmd.Context(), svc, mel, req, runs, stages)
			if err != nil {
				return err
			}

			durations := make([]time.Duration, len(results))
			for i, r := range results {
				durations[i] = r.Duration
			}
			stats := bench.ComputeStats(durations)

			switch format {
			case "json":
				bench.FormatJSON(results, stats, os.Stdout)
			default:
				bench.FormatTable(results, stats, os.Stdout)
				if !stages.Empty() {
					fmt.Fprintln(os.Stdout)
					bench.FormatStages(stages, runs, os.Stdout)
				}
			}

			// Compute mean RTF across all runs.
			var totalRTF float64
			for _, r := range results {
				totalRTF += r.RTF
			}
			meanRTF := totalRTF / float64(len(results))

			if err := bench.CheckRTFThreshold(meanRTF, rtfThreshold); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&melPath, "mel", "", "Source mel (.safetensors) to edit each run (default: synthetic full window)")
	cmd.Flags().StringVar(&text, "text", "", "Target caption for each run (required)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of edit runs")
	cmd.Flags().IntVar(&steps, "steps", 0, "Inference steps (0 = config default)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	cmd.Flags().BoolVar(&useFake, "fake", false, "Benchmark pipeline overhead with fabricated graphs instead of the model bundle")

	return cmd
}

func runEditBench(ctx context.Context, svc *edit.Service, mel *tensor.Tensor, req edit.EditRequest, runs int, stages *bench.StageTimings) ([]bench.RunResult, error) {
	if stages != nil {
		req.OnStage = stages.Observe
	}

	results := make([]bench.RunResult, 0, runs)

	for i := range runs {
		start := time.Now()

		res, err := svc.Edit(ctx, mel, req)
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, err)
		}
		dur := time.Since(start)

		samples, err := res.WaveformSamples(0)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i+1, err)
		}

		wavBytes, err := audio.EncodeWAV(samples)
		if err != nil {
			return nil, fmt.Errorf("run %d: encode WAV: %w", i+1, err)
		}

		audioDur, err := bench.WAVDuration(wavBytes)
		if err != nil {
			// Non-fatal: log and continue with zero audio duration.
			fmt.Fprintf(os.Stderr, "warn: run %d: could not parse WAV duration: %v\n", i+1, err)
		}

		results = append(results, bench.RunResult{
			Index:       i,
			Cold:        i == 0,
			Duration:    dur,
			WAVDuration: audioDur,
			RTF:         bench.CalcRTF(dur, audioDur),
		})
	}

	return results, nil
}

// syntheticMel builds a deterministic full-window mel so bench does not need
// an input file.
func syntheticMel() (*tensor.Tensor, error) {
	data := make([]float32, edit.MelFrames*edit.MelBins)
	for i := range data {
		data[i] = -4 + float32(i%17)*0.25
	}
	return tensor.New(data, []int64{1, 1, edit.MelFrames, edit.MelBins})
}

// fakeGraphRunner fabricates graph outputs with the real bundle's shape
// arithmetic, so a bench run exercises the whole pipeline without a model.
type fakeGraphRunner struct {
	name string
	fn   func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

func (f *fakeGraphRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	return f.fn(inputs)
}

func (f *fakeGraphRunner) Name() string { return f.name }

func (f *fakeGraphRunner) Close() {}

func constTensor(shape []int64, value float32) (*onnx.Tensor, error) {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = value
	}

	return onnx.NewTensor(data, shape)
}

// newFakeEditService assembles the edit service around fabricated graphs.
// Latents downsample the mel by the model factor, the vocoder emits one hop
// of samples per frame plus the usual overshoot, and the tokenizer maps words
// to ids, so timings reflect real pipeline overhead and tensor sizes.
func newFakeEditService(negativePrompt string, logger *slog.Logger) (*edit.Service, error) {
	runners := map[string]onnx.GraphRunner{
		onnx.GraphVAEEncoder: &fakeGraphRunner{
			name: onnx.GraphVAEEncoder,
			fn: func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				mel, ok := inputs["mel"]
				if !ok {
					return nil, fmt.Errorf("vae_encoder: missing mel input")
				}

				s := mel.Shape()
				if len(s) != 4 {
					return nil, fmt.Errorf("vae_encoder: mel rank %d, want 4", len(s))
				}

				latentShape := []int64{s[0], edit.LatentChannels, s[2] / edit.LatentDownsample, s[3] / edit.LatentDownsample}

				mean, err := constTensor(latentShape, 0.1)
				if err != nil {
					return nil, err
				}

				logvar, err := constTensor(latentShape, -8)
				if err != nil {
					return nil, err
				}

				return map[string]*onnx.Tensor{"latent_mean": mean, "latent_logvar": logvar}, nil
			},
		},
		onnx.GraphVAEDecoder: &fakeGraphRunner{
			name: onnx.GraphVAEDecoder,
			fn: func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				latent, ok := inputs["latent"]
				if !ok {
					return nil, fmt.Errorf("vae_decoder: missing latent input")
				}

				s := latent.Shape()
				if len(s) != 4 {
					return nil, fmt.Errorf("vae_decoder: latent rank %d, want 4", len(s))
				}

				mel, err := constTensor([]int64{s[0], 1, s[2] * edit.LatentDownsample, s[3] * edit.LatentDownsample}, -2)
				if err != nil {
					return nil, err
				}

				return map[string]*onnx.Tensor{"mel": mel}, nil
			},
		},
		onnx.GraphUNet: &fakeGraphRunner{
			name: onnx.GraphUNet,
			fn: func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				latent, ok := inputs["latent"]
				if !ok {
					return nil, fmt.Errorf("unet: missing latent input")
				}

				pred, err := constTensor(latent.Shape(), 0.01)
				if err != nil {
					return nil, err
				}

				return map[string]*onnx.Tensor{"noise_pred": pred}, nil
			},
		},
		onnx.GraphTextConditioner: &fakeGraphRunner{
			name: onnx.GraphTextConditioner,
			fn: func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				ids, ok := inputs["input_ids"]
				if !ok {
					return nil, fmt.Errorf("text_conditioner: missing input_ids input")
				}

				s := ids.Shape()
				if len(s) != 2 {
					return nil, fmt.Errorf("text_conditioner: input_ids rank %d, want 2", len(s))
				}

				text, err := constTensor([]int64{s[0], s[1], 64}, 0.5)
				if err != nil {
					return nil, err
				}

				aux, err := constTensor([]int64{s[0], 8, 64}, 0.25)
				if err != nil {
					return nil, err
				}

				return map[string]*onnx.Tensor{"prompt_embeds": text, "generated_prompt_embeds": aux}, nil
			},
		},
		onnx.GraphVocoder: &fakeGraphRunner{
			name: onnx.GraphVocoder,
			fn: func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				mel, ok := inputs["mel"]
				if !ok {
					return nil, fmt.Errorf("vocoder: missing mel input")
				}

				s := mel.Shape()
				if len(s) != 3 {
					return nil, fmt.Errorf("vocoder: mel rank %d, want 3", len(s))
				}

				samples := s[1]*edit.VocoderHop + 2*edit.VocoderHop

				data := make([]float32, s[0]*samples)
				for i := range data {
					data[i] = float32(i%320)/320*0.2 - 0.1
				}

				wave, err := onnx.NewTensor(data, []int64{s[0], samples})
				if err != nil {
					return nil, err
				}

				return map[string]*onnx.Tensor{"waveform": wave}, nil
			},
		},
	}

	return edit.NewServiceWithEngine(onnx.NewEngineWithRunners(runners), wordTokenizer{}, negativePrompt, logger)
}

// wordTokenizer stands in for the sentencepiece model in fake mode: one id
// per whitespace-separated word plus a terminator, deterministic across runs.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(text)

	ids := make([]int64, 0, len(words)+1)
	for _, w := range words {
		ids = append(ids, int64(len(w)%97)+2)
	}

	return append(ids, 1), nil
}

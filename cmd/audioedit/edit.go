package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-audio-edit/internal/audio"
	"github.com/example/go-audio-edit/internal/config"
	"github.com/example/go-audio-edit/internal/edit"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
	"github.com/example/go-audio-edit/internal/safetensors"
	"github.com/spf13/cobra"
)

func newEditCmd() *cobra.Command {
	var (
		melPath      string
		out          string
		text         string
		sourceText   string
		mode         string
		steps        int
		strength     float64
		guidance     float64
		negative     string
		duration     float64
		durationFrom string
		seed         int64
		batchSize    int
		clip         bool
		melOnly      bool
		saveMel      string
		saveLatent   string
		reference    string
		normalize    bool
		dcBlock      bool
		fadeInMS     float64
		fadeOutMS    float64
	)

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit a mel spectrogram guided by a text caption and render it to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if duration <= 0 && durationFrom != "" {
				duration, err = durationFromWAV(durationFrom)
				if err != nil {
					return err
				}
			}

			req, err := buildEditRequest(cfg.Edit, editFlags{
				Text:       text,
				SourceText: sourceText,
				Mode:       mode,
				Steps:      steps,
				Strength:   strength,
				Guidance:   guidance,
				Duration:   duration,
				Seed:       seed,
				BatchSize:  batchSize,
				Clip:       clip,
				MelOnly:    melOnly,
			})
			if err != nil {
				return err
			}

			if melOnly && saveMel == "" {
				return fmt.Errorf("--mel-only produces no WAV; add --save-mel to write the decoded mel")
			}

			mel, err := loadMelTensor(melPath)
			if err != nil {
				return err
			}

			batch := int(mel.Shape()[0])
			if batch > 1 && out == "-" && !melOnly {
				return fmt.Errorf("batched edits cannot stream WAV to stdout; use a file path for --out")
			}

			if negative != "" {
				cfg.Edit.NegativePrompt = negative
			}

			svc, err := edit.NewService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Edit(cmd.Context(), mel, req)
			if err != nil {
				return err
			}

			if saveLatent != "" {
				if err := saveTensorFile(saveLatent, "latent", res.Latent); err != nil {
					return err
				}
			}

			if saveMel != "" {
				if err := saveTensorFile(saveMel, safetensors.MelTensorName, res.Mel); err != nil {
					return err
				}
			}

			if req.MelOnly {
				return nil
			}

			outCfg := mergeOutputConfig(cfg.Output, normalize, dcBlock, fadeInMS, fadeOutMS)
			hooks := buildOutputHooks(outCfg)

			for row := 0; row < batch; row++ {
				samples, err := res.WaveformSamples(row)
				if err != nil {
					return err
				}

				samples = audio.ApplyHooks(samples, hooks...)

				wavData, err := audio.EncodeWAV(samples)
				if err != nil {
					return fmt.Errorf("encode WAV: %w", err)
				}

				if err := writeEditOutput(outputPathForRow(out, row, batch), wavData, os.Stdout); err != nil {
					return err
				}
			}

			if reference != "" {
				// Metrics compare the raw model output, before any post-processing.
				est, err := res.WaveformSamples(0)
				if err != nil {
					return err
				}

				if err := reportReferenceMetrics(reference, est, os.Stdout); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&melPath, "mel", "", "Source mel spectrogram (.safetensors) to edit (required)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&text, "text", "", "Target caption the edit steers toward (required)")
	cmd.Flags().StringVar(&sourceText, "source-text", "", "Caption describing the source audio (required for inversion mode)")
	cmd.Flags().StringVar(&mode, "mode", "", "Transfer mode: noise|inversion (default: config)")
	cmd.Flags().IntVar(&steps, "steps", 0, "Inference steps (0 = config default)")
	cmd.Flags().Float64Var(&strength, "strength", 0, "Edit strength in (0, 1] (0 = config default)")
	cmd.Flags().Float64Var(&guidance, "guidance-scale", -1, "Guidance scale; above 1 enables classifier-free guidance (negative = config default)")
	cmd.Flags().StringVar(&negative, "negative-prompt", "", "Negative caption for the unconditional branch (default: config)")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Output duration in seconds (0 = config default)")
	cmd.Flags().StringVar(&durationFrom, "duration-from", "", "WAV file whose playback length sets the output duration (overridden by --duration)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for posterior and forward noise (0 = fixed default)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Expected mel batch size (0 = no check)")
	cmd.Flags().BoolVar(&clip, "clip", false, "Floor the decoded mel at the source mel so the edit only adds energy")
	cmd.Flags().BoolVar(&melOnly, "mel-only", false, "Stop after decoding; skip the vocoder")
	cmd.Flags().StringVar(&saveMel, "save-mel", "", "Write the decoded mel to this safetensors path")
	cmd.Flags().StringVar(&saveLatent, "save-latent", "", "Write the edited latent to this safetensors path")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference WAV to report SDR and SI-SDR against")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Peak-normalize output audio")
	cmd.Flags().BoolVar(&dcBlock, "dc-block", false, "Apply DC-block high-pass filter")
	cmd.Flags().Float64Var(&fadeInMS, "fade-in-ms", 0, "Linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&fadeOutMS, "fade-out-ms", 0, "Linear fade-out duration in milliseconds")

	return cmd
}

// editFlags carries the edit command's per-invocation flag values. Zero
// values defer to the loaded config defaults.
type editFlags struct {
	Text       string
	SourceText string
	Mode       string
	Steps      int
	Strength   float64
	Guidance   float64
	Duration   float64
	Seed       int64
	BatchSize  int
	Clip       bool
	MelOnly    bool
}

func buildEditRequest(defaults config.EditConfig, f editFlags) (edit.EditRequest, error) {
	if strings.TrimSpace(f.Text) == "" {
		return edit.EditRequest{}, fmt.Errorf("--text is required")
	}

	modeStr := f.Mode
	if modeStr == "" {
		modeStr = defaults.Mode
	}

	transferMode, err := edit.ParseTransferMode(modeStr)
	if err != nil {
		return edit.EditRequest{}, err
	}

	steps := f.Steps
	if steps <= 0 {
		steps = defaults.Steps
	}

	strength := f.Strength
	if strength <= 0 {
		strength = defaults.Strength
	}

	guidance := f.Guidance
	if guidance < 0 {
		guidance = defaults.GuidanceScale
	}

	duration := f.Duration
	if duration <= 0 {
		duration = defaults.Duration
	}

	req := edit.EditRequest{
		Text:          strings.TrimSpace(f.Text),
		SourceText:    strings.TrimSpace(f.SourceText),
		Mode:          transferMode,
		NumSteps:      steps,
		Strength:      strength,
		GuidanceScale: guidance,
		Duration:      duration,
		BatchSize:     f.BatchSize,
		Clip:          f.Clip,
		MelOnly:       f.MelOnly,
	}

	if f.Seed != 0 {
		req.RNG = rand.New(rand.NewSource(f.Seed))
	}

	return req, nil
}

func loadMelTensor(path string) (*tensor.Tensor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--mel is required (safetensors file holding the source mel spectrogram)")
	}

	data, shape, err := safetensors.LoadMel(path)
	if err != nil {
		return nil, fmt.Errorf("load mel %q: %w", path, err)
	}

	mel, err := tensor.New(data, shape)
	if err != nil {
		return nil, fmt.Errorf("mel %q: %w", path, err)
	}

	return mel, nil
}

// mergeOutputConfig overlays per-invocation post-processing flags on the
// configured defaults. Flags only ever enable or extend; the config file is
// the place to turn a default off.
func mergeOutputConfig(base config.OutputConfig, normalize, dcBlock bool, fadeInMS, fadeOutMS float64) config.OutputConfig {
	out := base
	if normalize {
		out.Normalize = true
	}
	if dcBlock {
		out.DCBlock = true
	}
	if fadeInMS > 0 {
		out.FadeInMS = fadeInMS
	}
	if fadeOutMS > 0 {
		out.FadeOutMS = fadeOutMS
	}
	return out
}

func buildOutputHooks(o config.OutputConfig) []audio.Hook {
	var hooks []audio.Hook
	if o.Normalize {
		hooks = append(hooks, audio.PeakNormalize)
	}
	if o.DCBlock {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.DCBlock(s, audio.ExpectedSampleRate)
		})
	}
	if ms := o.FadeInMS; ms > 0 {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.FadeIn(s, audio.ExpectedSampleRate, ms)
		})
	}
	if ms := o.FadeOutMS; ms > 0 {
		hooks = append(hooks, func(s []float32) []float32 {
			return audio.FadeOut(s, audio.ExpectedSampleRate, ms)
		})
	}
	return hooks
}

// outputPathForRow derives per-row output paths for batched edits: out.wav
// stays out.wav for a single row and becomes out-2.wav for row index 1.
func outputPathForRow(out string, row, batch int) string {
	if batch <= 1 || out == "-" {
		return out
	}

	ext := filepath.Ext(out)
	base := strings.TrimSuffix(out, ext)

	return fmt.Sprintf("%s-%d%s", base, row+1, ext)
}

func writeEditOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return fmt.Errorf("stdout writer is nil")
		}
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func saveTensorFile(path, name string, t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("no %s tensor to save", name)
	}

	err := safetensors.WriteFile(path, []safetensors.Tensor{{
		Name:  name,
		Shape: t.Shape(),
		Data:  t.RawData(),
	}})
	if err != nil {
		return fmt.Errorf("save %s to %q: %w", name, path, err)
	}

	return nil
}

// durationFromWAV reads a WAV and returns its playback duration in seconds,
// so an edit can match the length of an existing recording.
func durationFromWAV(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %q: %w", path, err)
	}

	samples, err := audio.DecodeWAV(data)
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", path, err)
	}

	if len(samples) == 0 {
		return 0, fmt.Errorf("%q holds no samples", path)
	}

	return float64(len(samples)) / float64(audio.ExpectedSampleRate), nil
}

// reportReferenceMetrics decodes a reference WAV and prints SDR and SI-SDR of
// the estimate against it. The pair is truncated to the shorter signal.
func reportReferenceMetrics(refPath string, est []float32, stdout io.Writer) error {
	data, err := os.ReadFile(refPath)
	if err != nil {
		return fmt.Errorf("read reference %q: %w", refPath, err)
	}

	ref, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("decode reference %q: %w", refPath, err)
	}

	n := len(ref)
	if len(est) < n {
		n = len(est)
	}
	if n == 0 {
		return fmt.Errorf("reference %q and output share no samples", refPath)
	}

	sdr, err := audio.SDR(ref[:n], est[:n])
	if err != nil {
		return err
	}

	sisdr, err := audio.SISDR(ref[:n], est[:n])
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, "SDR: %.2f dB\nSI-SDR: %.2f dB\n", sdr, sisdr)
	return err
}

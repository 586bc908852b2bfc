package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/example/go-audio-edit/internal/audio"
	"github.com/example/go-audio-edit/internal/doctor"
	"github.com/example/go-audio-edit/internal/model"
	"github.com/example/go-audio-edit/internal/onnx"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var wavFiles []string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model bundle checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			manifest := cfg.Paths.GraphManifest()

			dcfg := doctor.Config{
				ORTLibrary: func() (string, error) {
					info, err := onnx.DetectRuntime(cfg.Runtime)
					if err != nil {
						return "", err
					}
					if info.Version != "" {
						return fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version), nil
					}
					return info.LibraryPath, nil
				},
				ManifestPath:   manifest,
				ValidateBundle: validateBundleManifest,
				TokenizerPath:  cfg.Paths.Tokenizer(),
				WAVFiles:       wavFiles,
				ValidateWAV:    validateWAVFile,
				OutputDir:      ".",
			}

			result := doctor.Run(dcfg, os.Stdout)

			// Graph smoke-load as an additional check. Skip gracefully when no
			// manifest is present (models not yet downloaded).
			if _, statErr := os.Stat(manifest); os.IsNotExist(statErr) {
				fmt.Fprintf(os.Stdout, "%s model verify: skipped (no manifest at %s)\n", doctor.PassMark, manifest)
			} else {
				verifyErr := model.VerifyONNX(model.VerifyOptions{
					ManifestPath: manifest,
					ORTLibrary:   cfg.Runtime.ORTLibraryPath,
					Stdout:       os.Stdout,
					Stderr:       os.Stderr,
				})
				if verifyErr != nil {
					result.AddFailure(fmt.Sprintf("model verify: %v", verifyErr))
					fmt.Fprintf(os.Stdout, "%s model verify: %v\n", doctor.FailMark, verifyErr)
				} else {
					fmt.Fprintf(os.Stdout, "%s model verify: ok\n", doctor.PassMark)
				}
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&wavFiles, "wav", nil, "WAV files to decode-check (repeatable)")

	return cmd
}

// validateBundleManifest loads the bundle manifest, which stats every graph
// file, then checks the edit pipeline's required graphs are all declared.
func validateBundleManifest(manifestPath string) error {
	sm, err := onnx.NewSessionManager(manifestPath)
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range onnx.RequiredGraphs() {
		if _, ok := sm.Session(name); !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("manifest lacks required graphs: %s", strings.Join(missing, ", "))
	}

	return nil
}

func validateWAVFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	_, err = audio.DecodeWAV(data)

	return err
}

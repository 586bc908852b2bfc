package main

import (
	"fmt"
	"os"

	"github.com/example/go-audio-edit/internal/model"
	"github.com/spf13/cobra"
)

func newModelVerifyCmd() *cobra.Command {
	var manifestPath string
	var ortAPIVersion uint32

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Smoke-load every bundle graph through ONNX Runtime",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if manifestPath == "" {
				manifestPath = cfg.Paths.GraphManifest()
			}

			err = model.VerifyONNX(model.VerifyOptions{
				ManifestPath:  manifestPath,
				ORTLibrary:    cfg.Runtime.ORTLibraryPath,
				ORTAPIVersion: ortAPIVersion,
				Stdout:        os.Stdout,
				Stderr:        os.Stderr,
			})
			if err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the bundle manifest.json (default: <model-dir>/manifest.json)")
	cmd.Flags().Uint32Var(&ortAPIVersion, "ort-api-version", 23, "ONNX Runtime C API version expected by the purego binding")

	return cmd
}

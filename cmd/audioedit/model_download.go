package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/go-audio-edit/internal/model"
	"github.com/spf13/cobra"
)

func newModelDownloadCmd() *cobra.Command {
	var hfRepo string
	var outDir string
	var hfToken string
	var fallbackSmall bool
	var fallbackRepo string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the ONNX model bundle from Hugging Face",
		RunE: func(_ *cobra.Command, _ []string) error {
			if hfToken == "" {
				hfToken = os.Getenv("HF_TOKEN")
			}

			err := model.Download(model.DownloadOptions{
				Repo:    hfRepo,
				OutDir:  outDir,
				HFToken: hfToken,
				Stdout:  os.Stdout,
				Stderr:  os.Stderr,
			})
			if err == nil {
				return nil
			}

			var denied *model.AccessDeniedError
			if fallbackSmall && hfToken == "" && errors.As(err, &denied) && hfRepo == model.DefaultRepo {
				_, _ = fmt.Fprintf(
					os.Stderr,
					"warning: %v; retrying with repo %q\n",
					err,
					fallbackRepo,
				)

				err = model.Download(model.DownloadOptions{
					Repo:    fallbackRepo,
					OutDir:  outDir,
					HFToken: "",
					Stdout:  os.Stdout,
					Stderr:  os.Stderr,
				})
				if err == nil {
					_, _ = fmt.Fprintf(
						os.Stderr,
						"note: downloaded the base checkpoint export instead of the large variant.\n",
					)

					return nil
				}
			}

			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&hfRepo, "hf-repo", model.DefaultRepo, "Hugging Face model repository")
	cmd.Flags().StringVar(&outDir, "out-dir", "models", "Directory where model files are stored")
	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hugging Face token (falls back to HF_TOKEN env var)")
	cmd.Flags().BoolVar(&fallbackSmall, "fallback-small", true, "On access failure without token, retry with the base-variant repo")
	cmd.Flags().StringVar(&fallbackRepo, "fallback-repo", "cvssp/audioldm2", "Repo used when --fallback-small is enabled")

	return cmd
}

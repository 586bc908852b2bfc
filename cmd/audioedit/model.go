package main

import "github.com/spf13/cobra"

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Download and verify the ONNX model bundle",
	}
	cmd.AddCommand(
		newModelDownloadCmd(),
		newModelDownloadBundleCmd(),
		newModelVerifyCmd(),
	)
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/example/go-audio-edit/internal/onnx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes the root command, then tears down the shared ONNX runtime
// environment. A shutdown failure surfaces only when the command itself
// succeeded.
func run() error {
	err := NewRootCmd().Execute()
	if shutdownErr := onnx.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

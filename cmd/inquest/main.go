// cmd/inquest/main.go
//
// This is the entry point for the inquest CLI. Every subcommand operates on
// one run root under the runs directory, and every invocation reports the
// same run summary so scripts can parse one consistent shape.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/leppikallio/inquest/internal/fault"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var f *fault.Fault
		if errors.As(err, &f) {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", f.Code, f.Error())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

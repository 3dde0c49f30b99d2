package main

import (
	"errors"
	"fmt"
	"os"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
)

// Exit codes. Configuration problems are distinguished so supervisors can
// stop restarting a process that will never come up.
const (
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vehiclerelay:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var fatal errspkg.FatalConfigError
	if errors.As(err, &fatal) {
		return exitConfigError
	}
	return exitFailure
}

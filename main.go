package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// A failed job has already been reported; exit non-zero quietly.
		if errors.Is(err, errJobsFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}

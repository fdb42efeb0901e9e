package main

import (
	"errors"
	"fmt"
	"os"

	"xml2pg/internal/app"
	"xml2pg/internal/logging"
)

// main is the entry point for the xml2pg command. It delegates to
// AppRunner and classifies the returned error to decide whether to
// print usage before exiting.
func main() {
	runner := app.NewAppRunner()

	err := runner.Run(os.Args[1:])
	if err != nil {
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) || errors.Is(err, app.ErrMissingArgs) {
			fmt.Fprintln(os.Stderr)
			runner.Usage(os.Stderr)
		}

		// Make sure the failure is visible even if the configured log
		// level would otherwise suppress it.
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "%v", err)
		os.Exit(1)
	}
}

// Package debug gates diagnostic output behind the MARTD_DEBUG
// environment variable or the verbose flag.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("MARTD_DEBUG") != ""
	verboseMode = false
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

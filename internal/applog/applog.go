// Package applog provides lightweight, env-gated diagnostic logging: no
// structured logging framework, just stderr writes gated by an
// environment variable and a couple of mode flags the CLI toggles.
package applog

import (
	"fmt"
	"os"
	"sync"
)

var (
	mu          sync.Mutex
	enabled     = os.Getenv("PUMAS_DEBUG") != ""
	verboseMode = false
	quietMode   = false
)

// Enabled reports whether debug logging is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled || verboseMode
}

// SetVerbose toggles verbose/debug output regardless of PUMAS_DEBUG.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	verboseMode = verbose
}

// SetQuiet suppresses normal (non-essential) output.
func SetQuiet(quiet bool) {
	mu.Lock()
	defer mu.Unlock()
	quietMode = quiet
}

// IsQuiet reports whether quiet mode is active.
func IsQuiet() bool {
	mu.Lock()
	defer mu.Unlock()
	return quietMode
}

// Logf writes a debug line to stderr when debug logging is enabled.
func Logf(format string, args ...interface{}) {
	if Enabled() {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// PrintNormal writes to stdout unless quiet mode is enabled.
func PrintNormal(format string, args ...interface{}) {
	if !IsQuiet() {
		fmt.Printf(format, args...)
	}
}

// PrintlnNormal writes a line to stdout unless quiet mode is enabled.
func PrintlnNormal(args ...interface{}) {
	if !IsQuiet() {
		fmt.Println(args...)
	}
}

// Package util holds terminal output helpers for the CAASS command line tools.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
)

var (
	mu        sync.Mutex
	out       io.Writer = os.Stdout
	quietMode bool
)

// SetQuietMode switches status lines to a timestamped log format, suitable
// for service managers and CI logs.
func SetQuietMode(quiet bool) {
	mu.Lock()
	quietMode = quiet
	mu.Unlock()
}

// SetOutput redirects status lines. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	out = w
}

func show(symbol, level, color, message string) {
	mu.Lock()
	defer mu.Unlock()
	if quietMode {
		fmt.Fprintf(out, "%s%s%s %s[%s]%s %s\n", ColorDim, time.Now().Format(time.RFC3339), ColorReset, color, level, ColorReset, message)
		return
	}
	fmt.Fprintf(out, "  %s%s%s %s\n", color, symbol, ColorReset, message)
}

// ShowSuccess displays a success message
func ShowSuccess(message string) { show("✓", "INFO", ColorGreen, message) }

// ShowError displays an error message
func ShowError(message string) { show("✗", "ERROR", ColorRed, message) }

// ShowInfo displays an info message
func ShowInfo(message string) { show("•", "INFO", ColorCyan, message) }

// ShowWarning displays a warning message
func ShowWarning(message string) { show("⚠", "WARN", ColorYellow, message) }

// Package output formats CLI messages with status indicators and optional
// color, honoring quiet/verbose flags and the NO_COLOR convention.
package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/driftlab/driftsync/internal/config"
)

// Formatter provides a high-level interface for CLI output formatting
type Formatter struct {
	styles      *Styles
	config      *config.OutputConfig
	verboseMode bool
	quietMode   bool
}

// NewFormatter creates a new formatter instance from config
func NewFormatter(cfg *config.Config) *Formatter {
	return &Formatter{
		styles: NewStyles(&cfg.Output, false),
		config: &cfg.Output,
	}
}

// SetFlags configures the formatter based on command line flags
func (f *Formatter) SetFlags(verbose, quiet, noColor bool) {
	f.verboseMode = verbose
	f.quietMode = quiet
	if noColor {
		f.styles = NewStyles(f.config, true)
	}
}

func (f *Formatter) status(indicator string, t StatusType, format string, args ...interface{}) string {
	return f.styles.Colorize(indicator, t) + " " + fmt.Sprintf(format, args...)
}

// Success prints a success message (always shown unless quiet)
func (f *Formatter) Success(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[OK]", StatusSuccess, format, args...))
	}
}

// Error prints an error message (always shown)
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, f.status("[FAIL]", StatusError, format, args...))
}

// Warning prints a warning message (always shown unless quiet)
func (f *Formatter) Warning(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[WARN]", StatusWarning, format, args...))
	}
}

// Info prints an info message (shown in normal and verbose modes)
func (f *Formatter) Info(format string, args ...interface{}) {
	if !f.quietMode && (f.verboseMode || f.config.Verbosity != "minimal") {
		fmt.Println(f.status("[INFO]", StatusInfo, format, args...))
	}
}

// Verbose prints a message only in verbose mode
func (f *Formatter) Verbose(format string, args ...interface{}) {
	if f.IsVerbose() {
		fmt.Println(f.status("[INFO]", StatusInfo, format, args...))
	}
}

// Tip prints a tip message (shown unless quiet)
func (f *Formatter) Tip(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[TIP]", StatusTip, format, args...))
	}
}

// Sync prints a sync-related message
func (f *Formatter) Sync(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[SYNC]", StatusSync, format, args...))
	}
}

// Stats prints a statistics message
func (f *Formatter) Stats(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[STATS]", StatusStats, format, args...))
	}
}

// Done prints a completion message
func (f *Formatter) Done(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.status("[DONE]", StatusDone, format, args...))
	}
}

// Print prints a plain message without status indicators
func (f *Formatter) Print(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Printf(format, args...)
	}
}

// Println prints a plain message with newline
func (f *Formatter) Println(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Printf(format+"\n", args...)
	}
}

// Header prints a formatted section header
func (f *Formatter) Header(title string) {
	if !f.quietMode {
		fmt.Println(f.styles.Header.Render(title))
		fmt.Println(strings.Repeat("=", len(title)))
	}
}

// Progress prints an in-place progress indicator
func (f *Formatter) Progress(current, total int, message string) {
	if f.quietMode || total == 0 {
		return
	}
	percent := float64(current) / float64(total) * 100
	fmt.Printf("\r%s [%d/%d] (%.1f%%) %s",
		f.styles.Colorize(">>", StatusInfo), current, total, percent, message)
	if current == total {
		fmt.Println()
	}
}

// Bold formats text as bold
func (f *Formatter) Bold(text string) string {
	return f.styles.Bold.Render(text)
}

// Colorize applies color to text
func (f *Formatter) Colorize(text string, statusType StatusType) string {
	return f.styles.Colorize(text, statusType)
}

// IsVerbose returns whether verbose mode is active
func (f *Formatter) IsVerbose() bool {
	return f.verboseMode || f.config.Verbosity == "verbose"
}

// IsQuiet returns whether quiet mode is active
func (f *Formatter) IsQuiet() bool {
	return f.quietMode
}

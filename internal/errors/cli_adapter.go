package errors

import (
	"fmt"
	"log/slog"
	"os"
)

// CLIErrorAdapter maps a PipelineError's category/severity to a process
// exit code and a user-facing message, and logs it at a matching level.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the process exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var pe *PipelineError
	if As(err, &pe) {
		return a.exitCodeFromCategory(pe.Category)
	}
	return 1
}

func (a *CLIErrorAdapter) exitCodeFromCategory(c Category) int {
	switch c {
	case CategoryBadInput:
		return 2
	case CategoryConfig:
		return 7
	case CategoryTransientRemote, CategoryTransientLocal, CategoryExternalTool:
		return 8
	case CategoryAdmission:
		return 0
	case CategoryFatalJob, CategoryInternal:
		return 10
	default:
		return 1
	}
}

// FormatError formats an error for display on stderr.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if As(err, &pe) {
		if a.verbose {
			return pe.Error()
		}
		return fmt.Sprintf("%s: %s", pe.Category, pe.Message)
	}
	return fmt.Sprintf("error: %v", err)
}

// HandleError logs err at a severity-appropriate level, prints a formatted
// message to stderr, and exits with the matching code. It never returns.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}

	a.logError(err)
	fmt.Fprintln(os.Stderr, a.FormatError(err))
	os.Exit(a.ExitCodeFor(err))
}

func (a *CLIErrorAdapter) logError(err error) {
	var pe *PipelineError
	if !As(err, &pe) {
		a.logger.Error("unclassified error", slog.Any("error", err))
		return
	}
	attrs := []slog.Attr{slog.String("category", string(pe.Category))}
	if pe.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	a.logger.LogAttrs(nil, a.slogLevel(pe.Severity), pe.Message, attrs...)
}

func (a *CLIErrorAdapter) slogLevel(s Severity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelError
	}
}

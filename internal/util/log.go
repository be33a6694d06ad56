package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	l := &pterm.DefaultLogger
	l.ShowTime = true
	l.TimeFormat = "02 Jan 15:04:05"
	l.MaxWidth = 1000
}

// logf formats only when level is enabled; debug lines sit on the per-datagram
// path and are usually off.
func logf(level pterm.LogLevel, format string, args []any) {
	l := &pterm.DefaultLogger
	if !l.CanPrint(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelInfo:
		l.Info(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	default:
		l.Error(msg)
	}
}

func LogDebug(format string, args ...any)   { logf(pterm.LogLevelDebug, format, args) }
func LogInfo(format string, args ...any)    { logf(pterm.LogLevelInfo, format, args) }
func LogWarning(format string, args ...any) { logf(pterm.LogLevelWarn, format, args) }
func LogError(format string, args ...any)   { logf(pterm.LogLevelError, format, args) }

// LogSuccess prints a highlighted line regardless of level, for milestones
// the operator is waiting on.
func LogSuccess(format string, args ...any) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

// EnableDebug shows debug messages, including per-datagram traces.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

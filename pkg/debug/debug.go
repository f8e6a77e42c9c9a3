// Package debug configures logging for batchgate and provides
// category-gated debug output.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): BATCHGATE_DEBUG env or logging.debug config
//   - Levels (HOW MUCH detail): BATCHGATE_LOG_LEVEL env or logging.level config
//
// Usage:
//
//	debug.Log("coalesce", "group opened", "group", id)
//	if debug.Enabled("providers") { /* expensive formatting */ }
//
// Categories: coalesce, providers, engine, auth, transport, usage, mcp, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, full backend request and response bodies are logged.
const LevelTrace = slog.LevelDebug - 4

// categories holds the set of enabled debug categories. It is swapped
// atomically by Setup so reconfiguration never races with readers.
var categories atomic.Pointer[map[string]bool]

func init() {
	setCategories(os.Getenv("BATCHGATE_DEBUG"))
}

// Options controls Setup.
type Options struct {
	Categories string    // comma-separated debug categories
	Level      string    // ERROR, WARN, INFO, DEBUG, TRACE
	Format     string    // "text" (default) or "json"
	Output     io.Writer // default: os.Stderr
}

// Setup installs the default slog logger and the enabled categories.
// Environment variables take precedence over the given options.
func Setup(opts Options) *slog.Logger {
	cats := os.Getenv("BATCHGATE_DEBUG")
	if cats == "" {
		cats = opts.Categories
	}
	setCategories(cats)

	level := os.Getenv("BATCHGATE_LOG_LEVEL")
	if level == "" {
		level = opts.Level
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setCategories(s string) {
	m := parseCategories(s)
	categories.Store(&m)
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	m := categories.Load()
	if m == nil {
		return false
	}
	return (*m)["all"] || (*m)[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// Raw writes plain text to stderr without any slog formatting.
// Only emitted when category is enabled AND level is TRACE.
func Raw(category string, text string) {
	if !TraceIsEnabled(category) {
		return
	}
	fmt.Fprintln(os.Stderr, text)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}

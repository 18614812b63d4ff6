// Package logging configures structured logging for all chatwarden
// processes: colored terminal output (via tint) on TTYs, JSON
// elsewhere, and a runtime-adjustable global level.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level shared by every component in
// the process.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger. Workers run as children of
// the manager with inherited stderr, so in production they emit JSON;
// tint is used only when a human is watching.
func Setup() {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := ParseLevel(v); err == nil {
			Level.Set(l)
		}
	}
	if isTruthy(os.Getenv("VERBOSE")) {
		Level.Set(slog.LevelDebug)
	}
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// ParseLevel converts "debug", "info", "warn" or "error" to the
// corresponding slog.Level. Case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

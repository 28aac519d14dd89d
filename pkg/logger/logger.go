// Package logger provides a minimal leveled logger with per-component tags.
package logger

import (
	"log/slog"
	"os"
	"sync/atomic"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(INFO))
}

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelDebug,
}))

// SetLevel sets the minimum level emitted by the package-level functions.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

func enabled(l Level) bool {
	return l >= Level(currentLevel.Load())
}

func attrs(component string, fields map[string]any) []any {
	out := make([]any, 0, 2+2*len(fields))
	out = append(out, "component", component)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// DebugCF logs a debug message for a component with structured fields.
func DebugCF(component, msg string, fields map[string]any) {
	if enabled(DEBUG) {
		base.Debug(msg, attrs(component, fields)...)
	}
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) {
	if enabled(INFO) {
		base.Info(msg, "component", component)
	}
}

// InfoCF logs an info message for a component with structured fields.
func InfoCF(component, msg string, fields map[string]any) {
	if enabled(INFO) {
		base.Info(msg, attrs(component, fields)...)
	}
}

// WarnCF logs a warning for a component with structured fields.
func WarnCF(component, msg string, fields map[string]any) {
	if enabled(WARN) {
		base.Warn(msg, attrs(component, fields)...)
	}
}

// ErrorCF logs an error for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]any) {
	if enabled(ERROR) {
		base.Error(msg, attrs(component, fields)...)
	}
}

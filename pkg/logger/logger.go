// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger for the
// sandbox orchestrator. It exposes a small set of package-level functions
// backed by a singleton *slog.Logger so that callers never have to thread a
// logger through constructors.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	InitializeWithEnv(env.OS{})
}

// InitializeWithEnv (re)builds the singleton logger using the given
// environment reader to decide between unstructured (console) and
// structured (JSON) output. It exists as a seam so tests can inject a fake
// environment instead of mutating real process env vars.
func InitializeWithEnv(e env.Reader) {
	level := slog.LevelInfo
	opts := []logging.Option{
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
	}
	if !unstructuredLogsWithEnv(e) {
		opts = append(opts, logging.WithJSON())
	}
	singleton.Store(logging.New(opts...))
}

// unstructuredLogsWithEnv reports whether UNSTRUCTURED_LOGS requests
// human-readable console logging. Any value other than the literal string
// "false" defaults to true, matching the original service's permissive
// local-dev default.
func unstructuredLogsWithEnv(e env.Reader) bool {
	return e.Getenv("UNSTRUCTURED_LOGS") != "false"
}

// Get returns the current singleton logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// NewLogr adapts the singleton logger to the logr.Logger interface required
// by controller-style dependencies.
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

func kv(pairs ...any) []any { return pairs }

// Debug logs msg at debug level.
func Debug(msg string) { Get().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs msg at debug level with structured key/value pairs.
func Debugw(msg string, keysAndValues ...any) { Get().Debug(msg, kv(keysAndValues...)...) }

// Info logs msg at info level.
func Info(msg string) { Get().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { Get().Info(fmt.Sprintf(format, args...)) }

// Infow logs msg at info level with structured key/value pairs.
func Infow(msg string, keysAndValues ...any) { Get().Info(msg, kv(keysAndValues...)...) }

// Warn logs msg at warn level.
func Warn(msg string) { Get().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { Get().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs msg at warn level with structured key/value pairs.
func Warnw(msg string, keysAndValues ...any) { Get().Warn(msg, kv(keysAndValues...)...) }

// Error logs msg at error level.
func Error(msg string) { Get().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// Errorw logs msg at error level with structured key/value pairs.
func Errorw(msg string, keysAndValues ...any) { Get().Error(msg, kv(keysAndValues...)...) }

// DPanic logs msg at error level; in development builds it would panic, but
// the orchestrator always runs with panics disabled so it never aborts a
// live request.
func DPanic(msg string) { Get().Error(msg) }

// DPanicf is the formatted form of DPanic.
func DPanicf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// DPanicw is the structured form of DPanic.
func DPanicw(msg string, keysAndValues ...any) { Get().Error(msg, kv(keysAndValues...)...) }

// Panic logs msg at error level and then panics with it.
func Panic(msg string) {
	Get().Error(msg)
	panic(msg)
}

// Panicf is the formatted form of Panic.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Get().Error(msg)
	panic(msg)
}

// Panicw is the structured form of Panic.
func Panicw(msg string, keysAndValues ...any) {
	Get().Error(msg, kv(keysAndValues...)...)
	panic(msg)
}

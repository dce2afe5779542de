// Package logging provides structured logging shared across the datastore
// and tape subsystems.
//
// Design principles, carried from the ambient stack this repo is built on:
//   - Logging is dependency-injected, never global.
//   - Each component owns its own scoped logger, attached once at
//     construction via slog.With().
//   - A discard logger is used when none is supplied.
//
// Global configuration (format, level, destination) belongs only in main().
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Standard
// pattern for optional logger parameters in component constructors.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

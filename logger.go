package skiff

import (
	"context"
	"log/slog"
)

// nopLogger is used whenever no logger option is provided.
var nopLogger = slog.New(discardHandler{})

// NopLogger returns the shared no-op logger for subpackages and tests.
func NopLogger() *slog.Logger { return nopLogger }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

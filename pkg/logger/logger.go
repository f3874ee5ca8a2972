// Package logger is the logging facade shared by every component.
//
// Components accept a [Logger] and log with slog-style key/value pairs.
// Two backends are provided: [New] wraps any log/slog handler, and [LogBuild]
// produces a zerolog-backed logger writing to a file, a writer, or a console.
package logger

import (
	"context"
	"log/slog"
)

type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type SlogHandler struct {
	logger *slog.Logger
}

var _ Logger = (*SlogHandler)(nil)

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// With returns a logger that adds args to every record.
func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

// With returns a Logger that adds args to everything l logs.
func With(l Logger, args ...any) Logger {
	switch l := l.(type) {
	case *SlogHandler:
		return l.With(args...)
	case *LogData:
		return l.With(args...)
	case nil:
		return Discard()
	default:
		return &withArgs{logger: l, args: args}
	}
}

type withArgs struct {
	logger Logger
	args   []any
}

func (w *withArgs) join(args []any) []any {
	return append(w.args[:len(w.args):len(w.args)], args...)
}

func (w *withArgs) Error(msg string, args ...any) {
	w.logger.Error(msg, w.join(args)...)
}

func (w *withArgs) Warn(msg string, args ...any) {
	w.logger.Warn(msg, w.join(args)...)
}

func (w *withArgs) Info(msg string, args ...any) {
	w.logger.Info(msg, w.join(args)...)
}

func (w *withArgs) Debug(msg string, args ...any) {
	w.logger.Debug(msg, w.join(args)...)
}

// Discard returns a Logger that drops everything.
// It is the default for components constructed without a logger.
func Discard() Logger {
	return New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}

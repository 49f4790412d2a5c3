// Package obslog provides the structured logger used by every component
// of this module, wrapping the standard library's log/slog behind a
// small Info/Debug/Warn/Errorf call shape.
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var level slog.LevelVar // shared by every handler, so SetLevel reaches Loggers made earlier

var base atomic.Pointer[slog.Logger]

func init() {
	SetOutput(os.Stderr)
}

// SetOutput reconfigures the base logger to write text (key=value) records
// to w, honoring the level most recently set via SetLevel.
func SetOutput(w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: &level,
	})
	base.Store(slog.New(h))
}

// SetLevel adjusts the minimum emitted level. One of "debug", "info",
// "warn", "error".
func SetLevel(name string) {
	var lvl slog.Level
	switch name {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
	SetOutput(os.Stderr)
}

// Logger is a namespaced handle returned by With, used so each component
// can tag its records (e.g. "guestserver", "hostclient") without a global
// logger instance being threaded through every constructor.
type Logger struct {
	l *slog.Logger
}

// With returns a Logger scoped to component, one per subsystem.
func With(component string) *Logger {
	return &Logger{l: base.Load().With("component", component)}
}

func (lg *Logger) Debug(msg string, args ...any) { lg.l.Debug(msg, args...) }
func (lg *Logger) Info(msg string, args ...any)  { lg.l.Info(msg, args...) }
func (lg *Logger) Warn(msg string, args ...any)  { lg.l.Warn(msg, args...) }
func (lg *Logger) Error(msg string, args ...any) { lg.l.Error(msg, args...) }

func (lg *Logger) Debugf(format string, args ...any) { lg.l.Debug(fmt.Sprintf(format, args...)) }
func (lg *Logger) Infof(format string, args ...any)  { lg.l.Info(fmt.Sprintf(format, args...)) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.l.Warn(fmt.Sprintf(format, args...)) }
func (lg *Logger) Errorf(format string, args ...any) { lg.l.Error(fmt.Sprintf(format, args...)) }

func (lg *Logger) DebugCtx(ctx context.Context, msg string, args ...any) {
	lg.l.DebugContext(ctx, msg, args...)
}
func (lg *Logger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	lg.l.ErrorContext(ctx, msg, args...)
}

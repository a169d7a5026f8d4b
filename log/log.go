// Package log provides leveled, context-tagged logging.
//
// Tags are attached to a context with logtags and written as structured fields,
// so every line logged by a process carries the process id.
// The default logger discards everything; call Init to enable output.
package log

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Init configures the process logger to write lines at or above level to w.
//
// level is one of debug, info, warn, error.
func Init(level string, w io.Writer) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeCaller = nil
	cfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), lvl)
	SetLogger(zap.New(core))
	return nil
}

// Replace the process logger
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// The process logger
func Logger() *zap.Logger {
	return logger.Load()
}

// Tag the context with the id of the process
func WithProcess(ctx context.Context, id fmt.Stringer) context.Context {
	return logtags.AddTag(ctx, "p", id.String())
}

// Tag the context with a key and value
func WithTag(ctx context.Context, key string, value interface{}) context.Context {
	return logtags.AddTag(ctx, key, value)
}

func fields(ctx context.Context, extra ...zap.Field) []zap.Field {
	tags := logtags.FromContext(ctx)
	if tags == nil {
		return extra
	}
	out := make([]zap.Field, 0, len(tags.Get())+len(extra))
	for _, t := range tags.Get() {
		out = append(out, zap.String(t.Key(), t.ValueStr()))
	}
	return append(out, extra...)
}

func Debugf(ctx context.Context, format string, args ...interface{}) {
	if l := Logger(); l.Core().Enabled(zapcore.DebugLevel) {
		l.Debug(fmt.Sprintf(format, args...), fields(ctx)...)
	}
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	if l := Logger(); l.Core().Enabled(zapcore.InfoLevel) {
		l.Info(fmt.Sprintf(format, args...), fields(ctx)...)
	}
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	if l := Logger(); l.Core().Enabled(zapcore.WarnLevel) {
		l.Warn(fmt.Sprintf(format, args...), fields(ctx)...)
	}
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	if l := Logger(); l.Core().Enabled(zapcore.ErrorLevel) {
		l.Error(fmt.Sprintf(format, args...), fields(ctx)...)
	}
}

// Log a protocol event together with the Lamport time of the process
func Eventf(ctx context.Context, kind string, lamport uint64, format string, args ...interface{}) {
	if l := Logger(); l.Core().Enabled(zapcore.InfoLevel) {
		l.Info(fmt.Sprintf(format, args...), fields(ctx, zap.String("event", kind), zap.Uint64("lamport", lamport))...)
	}
}

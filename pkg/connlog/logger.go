// Package connlog provides the structured logger used throughout the call
// control core. It wraps zerolog so call sites never import it directly,
// mirroring pkg/dialog's own StructuredLogger abstraction but backed by a
// real third-party logger instead of a hand-rolled one.
package connlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is one structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field inline at the call site: logger.Info("...", connlog.F("call_id", id))
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Logger is the structured logging interface consumed by the rest of this
// module. Component is attached once, at construction (With), and appears
// on every line emitted after that.
type Logger interface {
	With(fields ...Field) Logger
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
}

type zeroLogger struct {
	l zerolog.Logger
}

// New builds a Logger writing human-readable console output to w (pass
// os.Stderr in most binaries). component is attached to every line.
func New(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &zeroLogger{l: base}
}

// NewJSON builds a Logger emitting JSON lines, suited to production log
// aggregation; component is attached to every line.
func NewJSON(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &zeroLogger{l: base}
}

// NoOp returns a Logger that discards everything, for tests that don't care
// about log output.
func NoOp() Logger { return &zeroLogger{l: zerolog.Nop()} }

func (z *zeroLogger) With(fields ...Field) Logger {
	ctx := z.l.With()
	for _, f := range fields {
		ctx = applyField(ctx, f)
	}
	return &zeroLogger{l: ctx.Logger()}
}

func applyField(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case uint32:
		return ctx.Uint32(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}

func (z *zeroLogger) event(e *zerolog.Event, msg string, fields ...Field) {
	for _, f := range fields {
		e = applyEventField(e, f)
	}
	e.Msg(msg)
}

func applyEventField(e *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return e.Str(f.Key, v)
	case int:
		return e.Int(f.Key, v)
	case int64:
		return e.Int64(f.Key, v)
	case uint32:
		return e.Uint32(f.Key, v)
	case bool:
		return e.Bool(f.Key, v)
	default:
		return e.Interface(f.Key, v)
	}
}

func (z *zeroLogger) Trace(msg string, fields ...Field) { z.event(z.l.Trace(), msg, fields...) }
func (z *zeroLogger) Debug(msg string, fields ...Field) { z.event(z.l.Debug(), msg, fields...) }
func (z *zeroLogger) Info(msg string, fields ...Field)  { z.event(z.l.Info(), msg, fields...) }
func (z *zeroLogger) Warn(msg string, fields ...Field)  { z.event(z.l.Warn(), msg, fields...) }

func (z *zeroLogger) Error(msg string, err error, fields ...Field) {
	e := z.l.Error()
	if err != nil {
		e = e.Err(err)
	}
	z.event(e, msg, fields...)
}

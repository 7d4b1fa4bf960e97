package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger is a small structured logger value.
//
// A Logger from New follows every Service.Apply. The zero value drops
// everything, so components can take a Logger without a nil check.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

var nop = zerolog.Nop()

// Nop returns a logger that never writes. Unlike the zero value it reports
// !IsZero, so it is kept as an explicit choice.
func Nop() Logger { return Logger{fixed: &nop} }

// NewWriter logs JSON lines to w without a Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) target() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return l.fixed
	default:
		return &nop
	}
}

// With returns a copy carrying extra fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	e := l.target().WithLevel(level)
	if e == nil {
		return
	}
	// write <- Debug/Info/... <- caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

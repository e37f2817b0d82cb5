package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// zerologAdapter backs the Logger interface with a zerolog logger.
type zerologAdapter struct {
	log zerolog.Logger
}

// NewZerolog constructs a Logger writing structured JSON to w at the given
// level. Unknown level strings fall back to info.
func NewZerolog(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(parsed).With().Timestamp().Logger()
	return &zerologAdapter{log: logger}
}

func (z *zerologAdapter) Debug(msg string, fields ...Field) {
	z.emit(z.log.Debug(), msg, fields)
}

func (z *zerologAdapter) Info(msg string, fields ...Field) {
	z.emit(z.log.Info(), msg, fields)
}

func (z *zerologAdapter) Warn(msg string, fields ...Field) {
	z.emit(z.log.Warn(), msg, fields)
}

func (z *zerologAdapter) Error(msg string, fields ...Field) {
	z.emit(z.log.Error(), msg, fields)
}

func (z *zerologAdapter) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		evt = evt.Interface(f.Key, f.Value)
	}
	evt.Msg(msg)
}

package logger

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger implements Logger on top of zerolog.
type ZeroLogger struct {
	zlog   *zerolog.Logger
	filter *SensitiveDataFilter
}

var _ Logger = (*ZeroLogger)(nil)

var callerMarshalOnce sync.Once

// New creates a ZeroLogger writing to stdout.
// If pretty is true, output is formatted for humans instead of JSON.
func New(level string, pretty bool) *ZeroLogger {
	return NewWithWriter(os.Stdout, level, pretty)
}

// NewWithWriter creates a ZeroLogger writing to w with the default filter.
func NewWithWriter(w io.Writer, level string, pretty bool) *ZeroLogger {
	return NewWithFilter(w, level, pretty, DefaultFilterConfig())
}

// NewWithFilter creates a ZeroLogger with a custom sensitive field configuration.
func NewWithFilter(w io.Writer, level string, pretty bool, filterConfig *FilterConfig) *ZeroLogger {
	callerMarshalOnce.Do(func() {
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			base := filepath.Base(file)
			parent := filepath.Base(filepath.Dir(file))
			if parent != "." && parent != "" {
				return parent + "/" + base + ":" + strconv.Itoa(line)
			}
			return base + ":" + strconv.Itoa(line)
		}
	})

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(out).With().Timestamp().CallerWithSkipFrameCount(3).Logger()

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil || zLevel == zerolog.NoLevel {
		zLevel = zerolog.InfoLevel
	}
	l = l.Level(zLevel)

	return &ZeroLogger{zlog: &l, filter: NewSensitiveDataFilter(filterConfig)}
}

// NewNop returns a logger that discards everything.
func NewNop() *ZeroLogger {
	l := zerolog.Nop()
	return &ZeroLogger{zlog: &l, filter: NewSensitiveDataFilter(nil)}
}

// WithFields returns a logger with additional fields attached to all log entries.
func (l *ZeroLogger) WithFields(fields map[string]any) Logger {
	if l.filter != nil {
		fields = l.filter.FilterFields(fields)
	}
	log := l.zlog.With().Fields(fields).Logger()
	return &ZeroLogger{zlog: &log, filter: l.filter}
}

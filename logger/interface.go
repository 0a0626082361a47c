// Package logger defines the structured logging contract used across wattswap-go.
// The default implementation is backed by zerolog.
package logger

import "time"

// Logger creates leveled log events and derived loggers.
type Logger interface {
	Info() LogEvent
	Error() LogEvent
	Debug() LogEvent
	Warn() LogEvent
	WithFields(fields map[string]any) Logger
}

// LogEvent is a structured log entry under construction. Msg or Msgf sends it.
type LogEvent interface {
	Msg(msg string)
	Msgf(format string, args ...any)
	Err(err error) LogEvent
	Str(key, value string) LogEvent
	Int(key string, value int) LogEvent
	Int64(key string, value int64) LogEvent
	Bool(key string, value bool) LogEvent
	Dur(key string, d time.Duration) LogEvent
	Interface(key string, i any) LogEvent
	Bytes(key string, val []byte) LogEvent
}

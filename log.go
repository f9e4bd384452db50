// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log message.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// A Logger receives diagnostic messages from the runtime. The error may be
// nil. Implementations must be safe for concurrent use; a panic in Log is
// recovered and discarded.
type Logger interface {
	Log(level Level, msg string, err error)
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(Level, string, error)

// Log implements the Logger interface.
func (f LoggerFunc) Log(level Level, msg string, err error) { f(level, msg, err) }

// ZapLogger returns a Logger that writes to z.
func ZapLogger(z *zap.Logger) Logger { return zapLogger{z: z} }

type zapLogger struct{ z *zap.Logger }

func (z zapLogger) Log(level Level, msg string, err error) { logZap(z.z, level, msg, err) }

// DefaultLogger is used when no Logger is configured. It writes a debug trace
// to the global zap logger (see zap.ReplaceGlobals), which discards everything
// unless the program installs one.
var DefaultLogger Logger = globalLogger{}

type globalLogger struct{}

func (globalLogger) Log(level Level, msg string, err error) { logZap(zap.L(), level, msg, err) }

func logZap(z *zap.Logger, level Level, msg string, err error) {
	var fields []zap.Field
	if err != nil {
		fields = []zap.Field{zap.Error(err)}
	}
	if ce := z.Check(zapLevel(level), msg); ce != nil {
		ce.Write(fields...)
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// logf sends a formatted message to lg, swallowing any panic it raises.
func logf(lg Logger, level Level, err error, msg string, args ...any) {
	defer func() { recover() }()
	if len(args) != 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	lg.Log(level, msg, err)
}

func loggerOr(lg Logger) Logger {
	if lg == nil {
		return DefaultLogger
	}
	return lg
}

package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the bridge. Bridge
// sessions accept one so callers can route session output wherever they like.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Sync() error                                     { return nil }

// Noop returns a Logger that discards everything.
func Noop() Logger { return noopLogger{} }

// current starts as a no-op so calls are safe before Init.
var current Logger = noopLogger{}

// Init builds the process-wide JSON logger. level is one of debug, info,
// warn or error; an empty level falls back to LOG_LEVEL. Only the first
// call has any effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

// ParseLevel maps a LOG_LEVEL string onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the no-op logger if Init was never called.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the current package-level Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// Sync flushes any buffered logs.
func Sync() error { return GetLogger().Sync() }

// fieldLogger prepends a fixed set of key/value pairs to every entry.
type fieldLogger struct {
	base   Logger
	fields []interface{}
}

// With returns a Logger that attaches kv to every entry written through l.
// A nil l uses the package-level logger at call time.
func With(l Logger, kv ...interface{}) Logger {
	if fl, ok := l.(*fieldLogger); ok {
		merged := make([]interface{}, 0, len(fl.fields)+len(kv))
		merged = append(merged, fl.fields...)
		merged = append(merged, kv...)
		return &fieldLogger{base: fl.base, fields: merged}
	}
	return &fieldLogger{base: l, fields: append([]interface{}(nil), kv...)}
}

func (f *fieldLogger) target() Logger {
	if f.base == nil {
		return GetLogger()
	}
	return f.base
}

func (f *fieldLogger) merge(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return f.fields
	}
	out := make([]interface{}, 0, len(f.fields)+len(kv))
	out = append(out, f.fields...)
	return append(out, kv...)
}

func (f *fieldLogger) Infow(msg string, kv ...interface{})  { f.target().Infow(msg, f.merge(kv)...) }
func (f *fieldLogger) Debugw(msg string, kv ...interface{}) { f.target().Debugw(msg, f.merge(kv)...) }
func (f *fieldLogger) Warnw(msg string, kv ...interface{})  { f.target().Warnw(msg, f.merge(kv)...) }
func (f *fieldLogger) Errorw(msg string, kv ...interface{}) { f.target().Errorw(msg, f.merge(kv)...) }
func (f *fieldLogger) Sync() error                          { return f.target().Sync() }

// Helper functions that return key/value pairs for common Discord entities.
// Keys are dot-separated to keep downstream queries uniform.
func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func GuildFields(guildID, guildName string) []interface{} {
	if guildName == "" {
		return []interface{}{"guild.id", guildID}
	}
	return []interface{}{"guild.id", guildID, "guild.name", guildName}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// SegmentFields describes an AI response segment: its id, the number of
// 16 kHz bytes accumulated and the resulting duration.
func SegmentFields(segmentID string, bytes int, durationMs int) []interface{} {
	return []interface{}{"segment.id", segmentID, "bytes", bytes, "duration_ms", durationMs}
}

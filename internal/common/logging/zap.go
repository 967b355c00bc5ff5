package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter wraps zap.Logger to implement the Logger interface
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapLogger creates a new zap-based logger
func NewZapLogger(config LogConfig) (Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	var writer zapcore.WriteSyncer
	if config.Output != nil {
		writer = zapcore.AddSync(config.Output)
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), writer, toZapLevel(config.Level))
	return &ZapAdapter{logger: zap.New(core)}, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() Logger {
	logger, err := NewZapLogger(DefaultLogConfig())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default logger: %v", err))
	}
	return logger
}

// InitGlobalLogger initializes the global logger from LOG_LEVEL and LOG_FILE
func InitGlobalLogger() {
	config := LogConfig{
		Level:      ParseLevel(os.Getenv("LOG_LEVEL")),
		TimeFormat: time.RFC3339,
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			panic(fmt.Sprintf("failed to open log file %s: %v", logFile, err))
		}
		config.Output = file
	}

	logger, err := NewZapLogger(config)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	SetGlobalLogger(logger)
}

// MustSync flushes buffered log entries; call before exit
func MustSync() {
	if zl, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zl.logger.Sync()
	}
}

func (z *ZapAdapter) Debug(msg string, fields ...Field) {
	z.logger.Debug(msg, convertFields(fields)...)
}

func (z *ZapAdapter) Info(msg string, fields ...Field) {
	z.logger.Info(msg, convertFields(fields)...)
}

func (z *ZapAdapter) Warn(msg string, fields ...Field) {
	z.logger.Warn(msg, convertFields(fields)...)
}

func (z *ZapAdapter) Error(msg string, err error, fields ...Field) {
	zapFields := convertFields(fields)
	if err != nil {
		zapFields = append(zapFields, zap.Error(err))
	}
	z.logger.Error(msg, zapFields...)
}

func (z *ZapAdapter) WithFields(fields ...Field) Logger {
	if len(fields) == 0 {
		return z
	}
	return &ZapAdapter{logger: z.logger.With(convertFields(fields)...)}
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func convertFields(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = zap.Any(field.Key, field.Value)
	}
	return zapFields
}

// Typed field constructors

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a bool field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Time creates a time field
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field holding an arbitrary value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

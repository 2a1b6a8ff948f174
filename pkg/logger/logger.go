package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"callrelay-backend/pkg/env"
)

var (
	// Log is the global logger instance. It is a no-op until Init runs
	// so packages can log from tests without setup.
	Log = zap.NewNop()
	// Sugar is the sugared logger for easier use
	Sugar = Log.Sugar()

	// direct is Log without the wrapper caller skip, for loggers handed to callers
	direct = Log
)

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Init initializes the global logger with configuration
func Init(cfg *Config) error {
	var zapConfig zap.Config

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == "file" && cfg.FilePath != "" {
		zapConfig.OutputPaths = []string{cfg.FilePath}
		zapConfig.ErrorOutputPaths = []string{cfg.FilePath}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	l, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	setGlobal(l)
	return nil
}

// InitDefault initializes logger with settings from the environment
func InitDefault() {
	cfg := &Config{
		Level:    env.GetString("LOG_LEVEL", "info"),
		Format:   env.GetString("LOG_FORMAT", "json"),
		Output:   env.GetString("LOG_OUTPUT", "stdout"),
		FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
	}

	if err := Init(cfg); err != nil {
		l, _ := zap.NewProduction(zap.AddCallerSkip(1))
		setGlobal(l)
	}
}

func setGlobal(l *zap.Logger) {
	Log = l
	Sugar = l.Sugar()
	direct = l.WithOptions(zap.AddCallerSkip(-1))
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromContext creates a logger with context fields
func FromContext(ctx context.Context) *zap.Logger {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return direct.With(zap.String("request_id", requestID))
	}
	return direct
}

// Field helpers for identifiers that show up on almost every relay log line.

func CallID(id uuid.UUID) zap.Field { return zap.String("call_id", id.String()) }
func UserID(id uuid.UUID) zap.Field { return zap.String("user_id", id.String()) }
func ConnID(id uuid.UUID) zap.Field { return zap.String("conn_id", id.String()) }
func Channel(name string) zap.Field { return zap.String("channel", name) }

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return direct.With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}

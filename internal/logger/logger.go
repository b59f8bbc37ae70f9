package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global logger instance. It is a no-op logger until Initialize is called.
	Log = zap.NewNop()
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	jobIDKey
)

// Initialize sets up the logger for the given environment and level.
// env "production" selects JSON output, anything else the development console encoder.
func Initialize(env, level string) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unknown log level '%s', using %s\n", level, config.Level.Level())
		} else {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := config.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	Log = l
}

// Sync flushes buffered log entries
func Sync() {
	_ = Log.Sync()
}

// WithRunID returns a context carrying the run ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithJobID returns a context carrying the remote job ID
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// Info logs an info message with run context
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withContext(ctx, fields)...)
}

// Warn logs a warning message with run context
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withContext(ctx, fields)...)
}

// Debug logs a debug message with run context
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withContext(ctx, fields)...)
}

// Error logs an error with run context
func Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	Log.Error(msg, withContext(ctx, fields)...)
}

func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("run_id", v))
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("job_id", v))
	}
	return fields
}

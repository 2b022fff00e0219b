// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a logger configured from LOG_LEVEL and LOG_FORMAT.
func New(serviceName, version string) zerolog.Logger {
	cfg := DefaultLogConfig()
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	return NewWithConfig(serviceName, version, cfg)
}

// NewWithConfig creates a logger with the given configuration. Output may be
// "stdout", "stderr" or a file path; files are rotated.
func NewWithConfig(serviceName, version string, config LogConfig) zerolog.Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	output := openOutput(config)

	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	return zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
}

func openOutput(config LogConfig) io.Writer {
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	}

	rotate := config.Rotation
	if rotate.MaxSizeMB <= 0 {
		rotate.MaxSizeMB = DefaultRotation().MaxSizeMB
	}
	return &lumberjack.Logger{
		Filename:   config.Output,
		MaxSize:    rotate.MaxSizeMB,
		MaxBackups: rotate.MaxBackups,
		MaxAge:     rotate.MaxAgeDays,
		Compress:   rotate.Compress,
	}
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
	Rotation   RotationConfig
}

// RotationConfig controls rotation of file output.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation keeps a week of 50MB files.
func DefaultRotation() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
		Rotation:   DefaultRotation(),
	}
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDeviceContext adds device context to the logger.
func WithDeviceContext(logger zerolog.Logger, deviceID, deviceName string) zerolog.Logger {
	return logger.With().
		Str("device_id", deviceID).
		Str("device_name", deviceName).
		Logger()
}

// WithConnection adds the connection identity to the logger.
func WithConnection(logger zerolog.Logger, identity, kind string) zerolog.Logger {
	return logger.With().
		Str("component", "modbus-transport").
		Str("connection", identity).
		Str("kind", kind).
		Logger()
}

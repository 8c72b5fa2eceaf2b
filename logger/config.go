package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the configuration for the logger
type Config struct {
	Level          LogLevel
	Format         OutputFormat
	Outputs        []io.Writer
	Subsystem      string
	Rotation       *Rotation // nil disables the log file
	EnableCaller   bool      // Include caller information
	EnableSampling bool      // Sample trace and debug events under load
}

// Rotation describes the rotated log file written alongside the outputs.
// Login decisions are logged one line each, so the defaults keep about two
// weeks of history in a bounded footprint.
type Rotation struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// DefaultRotation returns the rotation used for path unless overridden
func DefaultRotation(path string) *Rotation {
	return &Rotation{
		Path:       path,
		MaxSizeMB:  50,
		MaxAgeDays: 14,
		MaxBackups: 5,
		Compress:   true,
	}
}

// open creates the log directory and returns the rotating writer.
func (r *Rotation) open() (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   r.Path,
		MaxSize:    r.MaxSizeMB,
		MaxAge:     r.MaxAgeDays,
		MaxBackups: r.MaxBackups,
		Compress:   r.Compress,
		LocalTime:  true,
	}, nil
}

// DefaultConfig returns a console configuration suited to the CLI
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  DefaultFormat,
		Outputs: []io.Writer{os.Stderr},
	}
}

// ProductionConfig returns a JSON configuration writing to stderr and, when
// logFile is set, to a rotated file
func ProductionConfig(logFile string) *Config {
	cfg := &Config{
		Level:          InfoLevel,
		Format:         JSONFormat,
		Outputs:        []io.Writer{os.Stderr},
		EnableCaller:   true,
		EnableSampling: true,
	}
	if logFile != "" {
		cfg.Rotation = DefaultRotation(logFile)
	}
	return cfg
}

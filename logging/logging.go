// Package logging builds the zap loggers used by gbft binaries. Output goes
// to the console, to a size-rotated file, or to both.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrInvalidConfig = errors.New("invalid logging config")

// Config selects the log level, encoding and outputs.
type Config struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	ConsoleOutput  bool   `yaml:"console_output"`
	FileOutput     bool   `yaml:"file_output"`
	FileName       string `yaml:"file_name"`
	FileMaxSize    string `yaml:"file_max_size"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	Compress       bool   `yaml:"compress"`
}

// DefaultConfig logs info and above to the console as text.
func DefaultConfig() Config {
	return Config{
		Level:          "info",
		Format:         "console",
		ConsoleOutput:  true,
		FileName:       "gbft.log",
		FileMaxSize:    "10MB",
		FileMaxBackups: 3,
		FileMaxAgeDays: 28,
	}
}

// Validate checks the config can be turned into a logger.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: format must be json or console, got %q", ErrInvalidConfig, c.Format)
	}
	if c.FileOutput {
		if c.FileName == "" {
			return fmt.Errorf("%w: file output needs a file name", ErrInvalidConfig)
		}
		if _, err := parseSizeMB(c.FileMaxSize); err != nil {
			return err
		}
		if c.FileMaxBackups < 0 || c.FileMaxAgeDays < 0 {
			return fmt.Errorf("%w: negative file retention", ErrInvalidConfig)
		}
	}
	return nil
}

// ParseLevel accepts zap's level names plus "warning".
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, s)
	}
}

// parseSizeMB turns "10MB", "1GB" or a bare number of megabytes into
// megabytes, the unit lumberjack rotates by.
func parseSizeMB(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := 1
	switch {
	case strings.HasSuffix(s, "GB"):
		mult = 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		s = strings.TrimSuffix(s, "MB")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad file size %q", ErrInvalidConfig, s)
	}
	return n * mult, nil
}

// Logger is a zap logger that owns its output files.
type Logger struct {
	*zap.Logger
	closers []io.Closer
}

// New builds a logger from cfg. With neither output enabled it discards
// everything.
func New(cfg Config) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := ParseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := &Logger{}
	var cores []zapcore.Core
	if cfg.ConsoleOutput {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}
	if cfg.FileOutput {
		maxSize, _ := parseSizeMB(cfg.FileMaxSize)
		lj := &lumberjack.Logger{
			Filename:   cfg.FileName,
			MaxSize:    maxSize,
			MaxBackups: cfg.FileMaxBackups,
			MaxAge:     cfg.FileMaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.closers = append(l.closers, lj)
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(lj), level))
	}
	if len(cores) == 0 {
		l.Logger = zap.NewNop()
		return l, nil
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l, nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	// syncing a terminal's stderr fails on most platforms
	_ = l.Sync()
	var err error
	for _, c := range l.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

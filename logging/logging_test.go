package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"", zapcore.InfoLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("loud")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"file without name", func(c *Config) { c.FileOutput = true; c.FileName = "" }},
		{"bad size", func(c *Config) { c.FileOutput = true; c.FileMaxSize = "ten" }},
		{"negative backups", func(c *Config) { c.FileOutput = true; c.FileMaxBackups = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]int{"10MB": 10, "10mb": 10, "2GB": 2048, "5": 5, "": 0} {
		got, err := parseSizeMB(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsoleOutput = false
	cfg.FileOutput = true
	cfg.Format = "json"
	cfg.Level = "warning"
	cfg.FileName = filepath.Join(t.TempDir(), "node.log")

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("dropped below level")
	l.Warn("view change", zap.Uint64("height", 7))
	require.NoError(t, l.Close())

	f, err := os.Open(cfg.FileName)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 1)
	require.Equal(t, "view change", lines[0]["msg"])
	require.Equal(t, "warn", lines[0]["level"])
	require.EqualValues(t, 7, lines[0]["height"])
}

func TestNoOutputsIsNop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsoleOutput = false
	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("nowhere")
	require.NoError(t, l.Close())
}

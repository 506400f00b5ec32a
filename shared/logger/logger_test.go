package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()

	output := &bytes.Buffer{}
	logger, err := New(&Config{
		Level:      level,
		Format:     format,
		TimeFormat: time.RFC3339,
		writer:     output,
	})
	require.NoError(t, err)
	return logger, output
}

func TestNew_JSONFormat(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		log        func(l *Logger)
		wantLevel  string
		wantMsg    string
		wantFields map[string]any
	}{
		{
			name:       "debug level logs debug",
			level:      "debug",
			log:        func(l *Logger) { l.Debug("test debug message", slog.String("key", "value")) },
			wantLevel:  "DEBUG",
			wantMsg:    "test debug message",
			wantFields: map[string]any{"key": "value"},
		},
		{
			name:  "info level suppresses debug",
			level: "info",
			log: func(l *Logger) {
				l.Debug("debug message")
				l.Info("info message", slog.String("type", "test"))
			},
			wantLevel:  "INFO",
			wantMsg:    "info message",
			wantFields: map[string]any{"type": "test"},
		},
		{
			name:  "warn level suppresses info",
			level: "warn",
			log: func(l *Logger) {
				l.Info("info message")
				l.Warn("warn message", slog.String("severity", "high"))
			},
			wantLevel:  "WARN",
			wantMsg:    "warn message",
			wantFields: map[string]any{"severity": "high"},
		},
		{
			name:  "error level suppresses warn",
			level: "error",
			log: func(l *Logger) {
				l.Warn("warn message")
				l.Error("error message", slog.String("code", "500"))
			},
			wantLevel:  "ERROR",
			wantMsg:    "error message",
			wantFields: map[string]any{"code": "500"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, output := newBufferedLogger(t, tt.level, "json")
			tt.log(logger)

			lines := strings.Split(strings.TrimSpace(output.String()), "\n")
			require.Len(t, lines, 1, "suppressed levels must not be written")

			var logEntry map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(lines[0]), &logEntry))

			assert.Equal(t, tt.wantLevel, logEntry["level"])
			assert.Equal(t, tt.wantMsg, logEntry["msg"])
			for k, v := range tt.wantFields {
				assert.Equal(t, v, logEntry[k])
			}
			assert.Contains(t, logEntry, "time")
		})
	}
}

func TestNew_TextFormat(t *testing.T) {
	logger, output := newBufferedLogger(t, "info", "text")

	logger.Info("console test")

	// tint renders the level as "INF"
	logOutput := output.String()
	assert.Contains(t, logOutput, "INF")
	assert.Contains(t, logOutput, "console test")
}

func TestNew_SourceLocation(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{
		Level:        "info",
		Format:       "json",
		EnableSource: true,
		writer:       output,
	})
	require.NoError(t, err)

	logger.Info("message with source")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	require.Contains(t, logEntry, "source")
	source := logEntry["source"].(map[string]interface{})
	assert.Contains(t, source, "function")
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: path,
	})
	require.NoError(t, err)

	logger.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_UnwritableFileOutput(t *testing.T) {
	_, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: filepath.Join(t.TempDir(), "missing", "service.log"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelInfo}, // case-sensitive, falls back to info
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_ForService(t *testing.T) {
	logger, output := newBufferedLogger(t, "info", "json")

	logger.ForService("worker-service").Info("starting up")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	assert.Equal(t, "worker-service", logEntry["service"])
	assert.Equal(t, "starting up", logEntry["msg"])
}

func TestLogger_With(t *testing.T) {
	logger, output := newBufferedLogger(t, "info", "json")

	logger.With(
		slog.String("request_id", "12345"),
		slog.Int("version", 1),
	).Info("operation complete")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	assert.Equal(t, "12345", logEntry["request_id"])
	assert.Equal(t, float64(1), logEntry["version"])
	assert.Equal(t, "operation complete", logEntry["msg"])
}

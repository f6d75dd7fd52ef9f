package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "1.0.0", "json", "info", &buf)

	logger.Info("session connected", "user_id", "u1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session connected", entry["msg"])
	assert.Equal(t, "relay", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "u1", entry["user_id"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "dev", "text", "", &buf)

	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "service=relay")
}

func TestSetup_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "dev", "json", "warn", &buf)

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetup_WithAttrsAndGroupKeepServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "dev", "json", "debug", &buf).
		With("session_id", "abc").
		WithGroup("req")

	logger.Debug("grouped", "path", "/ws")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["session_id"])
	assert.Contains(t, buf.String(), `"service":"relay"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestLogError_OopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "dev", "json", "debug", &buf)

	err := oops.Code("INVALID_PAYLOAD").With("event", "callSignal").Errorf("missing field")
	LogError(logger, slog.LevelWarn, "event rejected", err)

	out := buf.String()
	assert.Contains(t, out, "INVALID_PAYLOAD")
	assert.Contains(t, out, "callSignal")
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestLogError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("relay", "dev", "json", "debug", &buf)

	LogError(logger, slog.LevelError, "write failed", errors.New("broken pipe"))

	out := buf.String()
	assert.True(t, strings.Contains(out, "broken pipe"))
	assert.NotContains(t, out, `"code"`)
}

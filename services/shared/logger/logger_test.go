package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LokiKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", ServiceName: "casgate", Environment: "test", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "alice")
	log.WithComponent("router").InfoContext(ctx, "request decided", slog.String("decision", "allow"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))

	assert.Equal(t, "request decided", rec["message"])
	assert.NotEmpty(t, rec["timestamp"])
	assert.NotContains(t, rec, "msg")
	assert.NotContains(t, rec, "time")
	assert.Equal(t, "casgate", rec["service"])
	assert.Equal(t, "test", rec["environment"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "alice", rec["user_id"])
	assert.Equal(t, "router", rec["component"])
	assert.Equal(t, "allow", rec["decision"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "abc", RequestID(WithRequestID(context.Background(), "abc")))
}

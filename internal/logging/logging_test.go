package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew(t *testing.T) {
	t.Run("json output with component", func(t *testing.T) {
		var buf bytes.Buffer
		log := Component(New(Config{Format: "json", Level: "info", Output: &buf}), "bus")
		log.Info("connected", "broker", "localhost")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "connected", entry["msg"])
		assert.Equal(t, "bus", entry["component"])
	})

	t.Run("trace level is filtered unless enabled", func(t *testing.T) {
		var buf bytes.Buffer
		New(Config{Format: "json", Level: "debug", Output: &buf}).Log(context.Background(), LevelTrace, "wire")
		assert.Empty(t, buf.String())

		New(Config{Format: "json", Level: "trace", Output: &buf}).Log(context.Background(), LevelTrace, "wire")
		assert.Contains(t, buf.String(), `"level":"TRACE"`)
	})
}

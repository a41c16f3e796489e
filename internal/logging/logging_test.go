package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json", false)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("sync settled", "event_id", "evt-0001")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sync settled", line["msg"])
	assert.Equal(t, "evt-0001", line["event_id"])
	assert.Equal(t, "floorlog", line["component"])
}

func TestNew_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "error", "text", true)
	require.NoError(t, err)

	logger.Debug("queue entry moved")
	assert.Contains(t, buf.String(), "queue entry moved")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "info", "xml", false)
	assert.Error(t, err)
}

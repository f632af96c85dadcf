package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", FormatJSON)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("slot verified", zap.Uint64("slot", 42))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "slot verified", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 42, entry["slot"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "DEBUG", FormatConsole)
	require.NoError(t, err)

	logger.Debug("visible")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewWithWriter_Invalid(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, "loud", FormatJSON)
	assert.Error(t, err)

	_, err = NewWithWriter(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

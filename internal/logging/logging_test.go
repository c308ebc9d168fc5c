package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info().Msg("Hidden")
	logger.Warn().Str("fingerprint", "abc123").Msg("Visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "Visible", entry["message"])
	assert.Equal(t, "abc123", entry["fingerprint"])
	assert.Equal(t, "alertsync", entry["service"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("DEBUG", "console", &buf)
	require.NoError(t, err)

	logger.Debug().Msg("Console line")
	assert.Contains(t, buf.String(), "Console line")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

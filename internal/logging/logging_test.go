package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("writes JSON outside development", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "production", "debug")
		log.Info().Str("mailbox_id", "mb-1").Msg("Sync started")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "mb-1", entry["mailbox_id"])
		assert.Equal(t, "mailsync", entry["service"])
		assert.Equal(t, "Sync started", entry["message"])
	})

	t.Run("filters below configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "production", "warn")
		log.Info().Msg("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("falls back to info on unknown level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "production", "chatty")
		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		assert.Contains(t, buf.String(), "shown")
		assert.NotContains(t, buf.String(), "hidden")
	})
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j**n@example.com", MaskEmail("john@example.com"))
	assert.Equal(t, "*@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "not-an-address", MaskEmail("not-an-address"))
}

package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	setupLogging(&buf, "warn", "json")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Info().Msg("dropped")
	log.Warn().Str("memory_id", "42").Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "42", entry["memory_id"])
	assert.Contains(t, entry, "time")

	buf.Reset()
	setupLogging(&buf, "verbose", "console")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	log.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
}

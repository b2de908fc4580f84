package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugShowsEverything", func(t *testing.T) {
		buf := new(bytes.Buffer)
		InitWithWriter(buf, "DEBUG", "text", false)

		Debug("debug message")
		Info("info message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
	})

	t.Run("WarnFiltersBelow", func(t *testing.T) {
		buf := new(bytes.Buffer)
		InitWithWriter(buf, "WARN", "text", false)

		Info("quiet")
		Warn("loud")

		out := buf.String()
		assert.NotContains(t, out, "quiet")
		assert.Contains(t, out, "loud")
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		buf := new(bytes.Buffer)
		InitWithWriter(buf, "INFO", "text", false)
		SetLevel("LOUDEST")

		Info("still here")
		assert.Contains(t, buf.String(), "still here")
	})
}

func TestStructuredFields(t *testing.T) {
	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "text", false)

	Info("request", "procedure", "START", "status", 0)

	out := buf.String()
	assert.Contains(t, out, "procedure=START")
	assert.Contains(t, out, "status=0")
}

func TestJSONFormat(t *testing.T) {
	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "json", false)

	Info("session ended", "session_id", "abc")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "session ended", record["msg"])
	assert.Equal(t, "abc", record["session_id"])
}

func TestWithBindsAttributes(t *testing.T) {
	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "text", false)

	log := With("session_id", "abc")
	log.Info("bound")

	assert.Contains(t, buf.String(), "session_id=abc")
}

package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pastorenue/expothesis-sub001/internal/config"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithCommonFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{ServiceName: "expothesis-track", InstanceID: "i-1", LogLevel: "info"}, &buf)

	l.Warn().Str("path", "/replay").Msg("transport failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "expothesis-track", line["service"])
	assert.Equal(t, "i-1", line["instance"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/replay", line["path"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "warn"}, &buf)

	l.Info().Msg("dropped")
	l.Error().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestNew_SamplingNeverDropsWarn(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "debug", LogSampleN: 1000}, &buf)

	for i := 0; i < 10; i++ {
		l.Warn().Int("i", i).Msg("warn")
	}

	assert.Equal(t, 10, strings.Count(buf.String(), `"level":"warn"`))
}

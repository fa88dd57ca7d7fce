package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Test", "hidden")
	l.Warn("Test", "shown %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Test] shown 1")
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Test", "boom")
	assert.Empty(t, buf.String())
}

func TestModuleLoggerUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New(DEBUG, &buf, false))
	t.Cleanup(func() { SetDefault(nil) })

	log := For("Aggregator")
	log.Debug("frames=%d", 125)

	assert.Equal(t, "Aggregator", log.Module())
	assert.True(t, strings.Contains(buf.String(), "[DEBUG] [Aggregator] frames=125"))
}

func TestColorPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, true)
	l.Info("", "hello")
	assert.Contains(t, buf.String(), levelColors[INFO]+"[INFO]"+resetColor+" hello")
}

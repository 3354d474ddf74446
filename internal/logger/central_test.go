package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLevelsOverrideDefault(t *testing.T) {
	t.Parallel()

	console := &bytes.Buffer{}
	cl, err := newCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Console:      &ConsoleOutput{Enabled: true, Level: "trace"},
		ModuleLevels: map[string]string{"tator.cache": "trace"},
	}, console)
	require.NoError(t, err)

	cl.Module("tator.cache").Trace("evicted")
	cl.Module("runner").Debug("hidden")
	cl.Module("runner").Info("shown")

	out := console.String()
	assert.Contains(t, out, "evicted")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestZeroConfigLogsToConsole(t *testing.T) {
	t.Parallel()

	console := &bytes.Buffer{}
	cl, err := newCentralLogger(&LoggingConfig{}, console)
	require.NoError(t, err)

	cl.Module("app").Info("ready")
	assert.Contains(t, console.String(), "module=app")
}

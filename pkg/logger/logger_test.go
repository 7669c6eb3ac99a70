package logx

import (
	"bytes"
	"testing"

	"github.com/Chative-core-poc-v1/toolcall/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestInit_ProductionWritesJSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Output: &buf})
	t.Cleanup(Disable)

	Debug().Msg("hidden")
	Info().Str("session_id", "s1").Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"message":"visible"`)
}

func TestInit_LevelOverride(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Level: "warn", Output: &buf})
	t.Cleanup(Disable)

	Info().Msg("info")
	Warn().Msg("warn")

	assert.NotContains(t, buf.String(), `"message":"info"`)
	assert.Contains(t, buf.String(), `"message":"warn"`)
}

func TestDisable(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Output: &buf})
	Disable()

	Error().Msg("dropped")
	assert.Empty(t, buf.String())
}

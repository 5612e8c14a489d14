package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONFormatEmitsParsableLines(t *testing.T) {
	var buf bytes.Buffer
	root := Init(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	root.Component(ComponentCompiler).Info().Str("job", "#lib_0#").Msg("compiled")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, ComponentCompiler, entry["component"])
	assert.Equal(t, "#lib_0#", entry["job"])
	assert.Equal(t, "compiled", entry["message"])
}

func TestComponentTagsEachChildLoggerIndependently(t *testing.T) {
	var buf bytes.Buffer
	root := Init(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	root.Component(ComponentSection).Info().Msg("tick")
	root.Component(ComponentBakeoff).Info().Msg("tick")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, ComponentSection, first["component"])
	assert.Equal(t, ComponentBakeoff, second["component"])
}

func TestLevelBelowThresholdIsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	root := Init(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})

	root.Component(ComponentServer).Info().Msg("should not appear")
	root.Component(ComponentServer).Warn().Msg("should appear")

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
	assert.Contains(t, buf.String(), "should appear")
	assert.NotContains(t, buf.String(), "should not appear")
}

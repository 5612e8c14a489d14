package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() ServerSettings {
	return ServerSettings{
		BakeoffSwitchRate:       5,
		BakeoffMaxSwitches:      10,
		BakeoffMinSamples:       4,
		BakeoffConfidence:       95,
		PerfSamplePeriod:        67867967,
		CallFreqDiscount:        0.75,
		PBTunerLearnIters:       50,
		PBTunerBatchSize:        16,
		PBTunerSurrogateSz:      256,
		PBTunerMinPrior:         4,
		PBTunerHeldoutRatio:     0.2,
		PBTunerExploreRatio:     0.25,
		PBTunerSurrogateExplore: 0.5,
		PBTunerEnergyLevel:      50,
		TSMaxDupesRow:           10,
		Seed:                    42,
	}
}

func TestValidateAcceptsWellFormedSettings(t *testing.T) {
	f := &File{ServerSettings: validSettings()}
	assert.NoError(t, Validate(f))
}

func TestValidateRejectsBadConfidence(t *testing.T) {
	s := validSettings()
	s.BakeoffConfidence = 90
	err := Validate(&File{ServerSettings: s})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bakeoff-confidence")
}

func TestValidateRejectsHeldoutRatioOutOfRange(t *testing.T) {
	s := validSettings()
	s.PBTunerHeldoutRatio = 1.5
	err := Validate(&File{ServerSettings: s})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pbtuner-heldout-ratio")
}

func TestValidateRejectsUnknownKnobKind(t *testing.T) {
	f := &File{ServerSettings: validSettings(), Knobs: []KnobSpec{{Kind: "weird", Name: "x"}}}
	err := Validate(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestLoadParsesJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	body := `{
		"serverSettings": {"bakeoff-switch-rate": 5, "bakeoff-confidence": 99},
		"knobs": [{"kind":"flag","name":"native-cpu","min":0,"max":1}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, f.ServerSettings.BakeoffSwitchRate)
	assert.Equal(t, 99, f.ServerSettings.BakeoffConfidence)
	require.Len(t, f.Knobs, 1)
	assert.Equal(t, "native-cpu", f.Knobs[0].Name)
}

func TestLoadParsesYAMLFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	body := "serverSettings:\n  bakeoff-switch-rate: 7\n  bakeoff-confidence: 95\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, f.ServerSettings.BakeoffSwitchRate)
}

func TestBuildBaseKnobSetUsesDefaultsAndMinFallback(t *testing.T) {
	def := int64(3)
	specs := []KnobSpec{
		{Kind: "int", Name: "unroll-factor", Min: 0, Max: 8, Default: &def},
		{Kind: "flag", Name: "native-cpu", Min: 0, Max: 1},
		{Kind: "optlvl", Name: "optimize-level", Min: 0, Max: 3},
	}
	ks, err := BuildBaseKnobSet(specs)
	require.NoError(t, err)

	unroll, ok := ks.Lookup("unroll-factor")
	require.True(t, ok)
	assert.Equal(t, int64(3), unroll.IntVal)

	cpu, ok := ks.Lookup("native-cpu")
	require.True(t, ok)
	assert.False(t, cpu.FlagVal)
}

package tuner

import (
	"math/rand"
	"testing"

	"github.com/jihwankim/haloserver/pkg/codeversion"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBaseKnobs() knob.KnobSet {
	ks := knob.NewKnobSet()
	ks.Insert(knob.NewOptLvl("optimize-level", knob.O2))
	ks.Insert(knob.NewInt("unroll-factor", 2, 0, 8, knob.ScaleNone))
	ks.Insert(knob.NewFlag("native-cpu", false))
	return ks
}

func TestRandomFromStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := testBaseKnobs()
	for i := 0; i < 50; i++ {
		ks := randomFrom(base, rng)
		k, ok := ks.Lookup("unroll-factor")
		require.True(t, ok)
		assert.GreaterOrEqual(t, k.IntVal, int64(0))
		assert.LessOrEqual(t, k.IntVal, int64(8))
	}
}

func TestNearbyStaysWithinBoundsAtFullEnergy(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	base := testBaseKnobs()
	for i := 0; i < 50; i++ {
		ks := nearby(base, rng, 100)
		k, ok := ks.Lookup("unroll-factor")
		require.True(t, ok)
		assert.GreaterOrEqual(t, k.IntVal, int64(0))
		assert.LessOrEqual(t, k.IntVal, int64(8))
	}
}

func TestNearbyAtZeroEnergyReturnsSameValue(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	base := testBaseKnobs()
	ks := nearby(base, rng, 0)
	k, _ := ks.Lookup("unroll-factor")
	orig, _ := base.Lookup("unroll-factor")
	assert.Equal(t, orig.IntVal, k.IntVal)
}

func TestConfigManagerRetryLoopAvoidsDuplicatesWhenPossible(t *testing.T) {
	m := NewConfigManager()
	rng := rand.New(rand.NewSource(4))
	base := testBaseKnobs()

	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		ks := m.GenRandom(base, rng)
		seen[ks.Hash()] = true
	}
	// with 4x9x2 = 72 possible configs and only a handful of retries,
	// duplicates aren't impossible, but the manager should have
	// accumulated a meaningful number of distinct entries.
	assert.Greater(t, m.Size(), 5)
}

func TestGenPreviousPanicsWhenEmpty(t *testing.T) {
	m := NewConfigManager()
	rng := rand.New(rand.NewSource(5))
	assert.Panics(t, func() { m.GenPrevious(rng, true) })
}

func TestGenPreviousReturnsAnInsertedConfig(t *testing.T) {
	m := NewConfigManager()
	rng := rand.New(rand.NewSource(6))
	base := testBaseKnobs()
	inserted := m.GenRandom(base, rng)
	got := m.GenPrevious(rng, false)
	assert.Equal(t, inserted.Hash(), got.Hash())
}

func TestGenExpertOpinionExhaustsAfterFiveEntries(t *testing.T) {
	m := NewConfigManager()
	base := testBaseKnobs()
	for i := 0; i < 5; i++ {
		_, ok := m.GenExpertOpinion(base)
		require.True(t, ok, "entry %d should be available", i)
	}
	_, ok := m.GenExpertOpinion(base)
	assert.False(t, ok, "a sixth call should report exhaustion")
}

func TestGenExpertOpinionSetsO3AndNativeCPU(t *testing.T) {
	m := NewConfigManager()
	base := testBaseKnobs()
	ks, ok := m.GenExpertOpinion(base)
	require.True(t, ok)
	opt, _ := ks.Lookup("optimize-level")
	assert.Equal(t, knob.O3, opt.OptVal)
	cpu, _ := ks.Lookup("native-cpu")
	assert.True(t, cpu.FlagVal)
}

func TestGBTFitsSimpleLinearRelationship(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var x [][]float64
	var y []float64
	for i := 0; i < 40; i++ {
		f := float64(i % 10)
		x = append(x, []float64{f})
		y = append(y, 2*f+1)
	}
	model := TrainGBT(x, y, DefaultGBTParams(), 0.25, rng)

	pred := model.Predict([]float64{5})
	assert.InDelta(t, 11.0, pred, 3.0)
}

func TestStatisticalStopperBelowThresholdStops(t *testing.T) {
	versions := map[string]*codeversion.CodeVersion{}
	for i := 0; i < 5; i++ {
		cv := codeversion.New("lib", nil, knob.NewKnobSet())
		for j := 0; j < 100; j++ {
			cv.Configs = append(cv.Configs, knob.NewKnobSet())
		}
		versions[cv.LibName+string(rune(i))] = cv
	}
	s := StatisticalStopper{SpaceSize: 1e9}
	assert.True(t, s.ShouldStop(versions))
}

func TestStatisticalStopperAboveThresholdContinues(t *testing.T) {
	versions := map[string]*codeversion.CodeVersion{
		"a": codeversion.New("a", nil, knob.NewKnobSet()),
		"b": codeversion.New("b", nil, knob.NewKnobSet()),
	}
	s := StatisticalStopper{SpaceSize: 1e9}
	assert.False(t, s.ShouldStop(versions))
}

func TestPseudoBayesTunerFallsBackToRandomWithInsufficientPrior(t *testing.T) {
	base := testBaseKnobs()
	versions := map[string]*codeversion.CodeVersion{
		codeversion.OriginalLibName: codeversion.NewOriginal(base),
	}
	pt := New(Params{
		TotalBatchSz: 4, SearchSz: 8, MinPrior: 50,
		HeldoutRatio: 0.25, ExploreRatio: 0.5, SurrogateExploreRatio: 0.5, EnergyLvl: 50,
	}, base, versions, 42)

	ks := pt.GetConfig()
	assert.Equal(t, base.Cardinality(), ks.Cardinality())
}

func TestPseudoBayesTunerGetConfigDrainsTopQueueBeforeRegenerating(t *testing.T) {
	base := testBaseKnobs()
	versions := map[string]*codeversion.CodeVersion{
		codeversion.OriginalLibName: codeversion.NewOriginal(base),
	}
	pt := New(Params{
		TotalBatchSz: 3, SearchSz: 4, MinPrior: 1000,
		HeldoutRatio: 0.25, ExploreRatio: 0.5, SurrogateExploreRatio: 0.5, EnergyLvl: 50,
	}, base, versions, 7)

	ks := knob.NewKnobSet()
	pt.manager.AddTop(ks)
	assert.Equal(t, 1, pt.manager.SizeTop())
	assert.True(t, pt.NextIsPredetermined())

	got := pt.GetConfig()
	assert.Equal(t, ks.Hash(), got.Hash())
}

package knob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleApply(t *testing.T) {
	assert.Equal(t, 1.0, ScaleLog.Apply(0))
	assert.Equal(t, 4.0, ScaleLog.Apply(2))
	assert.Equal(t, 0.0, ScaleLog.Apply(-1))
	assert.Equal(t, 6.0, ScaleHalf.Apply(3))
	assert.Equal(t, 300.0, ScaleHundredth.Apply(3))
	assert.Equal(t, 7.0, ScaleNone.Apply(7))
}

func TestKnobSetHashEqualityRoundTrip(t *testing.T) {
	ks := NewKnobSet()
	require.NoError(t, ks.Insert(NewFlag("ipra", true)))
	require.NoError(t, ks.Insert(NewInt("unroll", 4, 0, 16, ScaleNone)))
	require.NoError(t, ks.Insert(NewOptLvl("opt", O2)))

	clone := ks.Clone()
	assert.True(t, ks.Equal(clone))
	assert.True(t, clone.Equal(ks))
	assert.Equal(t, ks.Hash(), clone.Hash())

	// transitivity through a second clone
	clone2 := clone.Clone()
	assert.True(t, ks.Equal(clone2))

	k, _ := clone.Lookup("unroll")
	k.IntVal = 8
	clone.Insert(k)
	assert.False(t, ks.Equal(clone))
	assert.NotEqual(t, ks.Hash(), clone.Hash())
}

func TestKnobSetCopyingUnionReceiverWins(t *testing.T) {
	a := NewKnobSet()
	require.NoError(t, a.Insert(NewInt("x", 1, 0, 10, ScaleNone)))
	b := NewKnobSet()
	require.NoError(t, b.Insert(NewInt("x", 2, 0, 10, ScaleNone)))
	require.NoError(t, b.Insert(NewFlag("y", true)))

	u := a.CopyingUnion(b)
	xv, ok := u.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, int64(1), xv.IntVal, "receiver's value should win on conflict")

	yv, ok := u.Lookup("y")
	require.True(t, ok)
	assert.True(t, yv.FlagVal)
}

func TestKnobClampAndUnsetAll(t *testing.T) {
	k := NewInt("x", 50, 0, 10, ScaleNone)
	assert.Equal(t, int64(10), k.IntVal)

	ks := NewKnobSet()
	require.NoError(t, ks.Insert(NewFlag("a", true)))
	ks.UnsetAll()
	a, _ := ks.Lookup("a")
	assert.True(t, a.Unset)
}

func TestLoopKnobID(t *testing.T) {
	assert.Equal(t, "loop3-unroll", LoopKnobID(3, "unroll"))
}

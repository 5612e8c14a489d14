package main

import (
	"testing"
	"time"

	"github.com/jihwankim/haloserver/pkg/bakeoff"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidenceOfMapsOnly99ToConfidence99(t *testing.T) {
	assert.Equal(t, bakeoff.Confidence99, confidenceOf(99))
	assert.Equal(t, bakeoff.Confidence95, confidenceOf(95))
	assert.Equal(t, bakeoff.Confidence95, confidenceOf(42))
}

func TestCompilePipelineIsDeterministicInKnobsAndBitcodeLength(t *testing.T) {
	pipeline := compilePipeline()

	ks := knob.NewKnobSet()
	require.NoError(t, ks.Insert(knob.NewInt("unroll-factor", 4, 0, 8, knob.ScaleNone)))

	obj1, err := pipeline([]byte("bitcode-a"), ks)
	require.NoError(t, err)
	obj2, err := pipeline([]byte("bitcode-a"), ks)
	require.NoError(t, err)
	assert.Equal(t, obj1, obj2)

	other := ks.Clone()
	k, _ := other.Lookup("unroll-factor")
	k.IntVal = 5
	require.NoError(t, other.Insert(k))
	obj3, err := pipeline([]byte("bitcode-a"), other)
	require.NoError(t, err)
	assert.NotEqual(t, obj1, obj3)
}

func TestConnTrackerDrainedFiresOnlyAfterAConnectAndFullDrain(t *testing.T) {
	tr := newConnTracker()
	done := tr.drained(true)

	select {
	case <-done:
		t.Fatal("drained fired before any connection was ever seen")
	case <-time.After(20 * time.Millisecond):
	}

	tr.inc()
	tr.inc()
	tr.dec()

	select {
	case <-done:
		t.Fatal("drained fired while a connection is still active")
	case <-time.After(20 * time.Millisecond):
	}

	tr.dec()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drained never fired once every connection closed")
	}
}

func TestConnTrackerDrainedNeverFiresWhenNoPersistIsOff(t *testing.T) {
	tr := newConnTracker()
	done := tr.drained(false)
	tr.inc()
	tr.dec()

	select {
	case <-done:
		t.Fatal("drained must never fire when --halo-no-persist is not set")
	case <-time.After(50 * time.Millisecond):
	}
}

package callgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestRegion() *CodeRegionInfo {
	c := NewCodeRegionInfo()
	c.AddFunction(&FunctionInfo{Defs: []FunctionDefinition{{Name: "main", Start: 0x1000, End: 0x1100, Patchable: false}}})
	c.AddFunction(&FunctionInfo{Defs: []FunctionDefinition{{Name: "hot", Start: 0x2000, End: 0x2200, Patchable: true}}})
	return c
}

func TestLookupHitAndMiss(t *testing.T) {
	c := newTestRegion()
	fi := c.Lookup(0x2050)
	assert.Equal(t, "hot", fi.CanonicalName())
	assert.True(t, fi.IsPatchable())

	miss := c.Lookup(0x9999)
	assert.True(t, IsUnknown(miss))
}

func TestIsCallDifferentFunctions(t *testing.T) {
	c := newTestRegion()
	assert.True(t, c.IsCall(0x1050, 0x2000))
}

func TestIsCallSelfRecursion(t *testing.T) {
	c := newTestRegion()
	// same function, target is exactly the entry point
	assert.True(t, c.IsCall(0x2050, 0x2000))
	// same function, target is not the entry point: not a call
	assert.False(t, c.IsCall(0x2050, 0x2060))
}

func TestIsCallExactlyOneUnknown(t *testing.T) {
	c := newTestRegion()
	assert.True(t, c.IsCall(0x1050, 0x9999))
	assert.True(t, c.IsCall(0x9999, 0x1050))
}

func TestIsCallBothUnknown(t *testing.T) {
	c := newTestRegion()
	assert.False(t, c.IsCall(0x8888, 0x9999))
}

func TestCallGraphEdgesAndBitcode(t *testing.T) {
	g := NewCallGraph()
	g.AddEdge("main", "hot", true)
	g.SetHaveBitcode("hot", true)

	assert.True(t, g.CalledFromLoop("main", "hot"))
	assert.True(t, g.HaveBitcode("hot"))
	assert.False(t, g.HaveBitcode("main"))
	assert.Equal(t, []string{"hot"}, g.Callees("main"))
}

package profiler

import (
	"testing"

	"github.com/jihwankim/haloserver/pkg/callgraph"
	"github.com/jihwankim/haloserver/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfiler() (*Profiler, *callgraph.CodeRegionInfo) {
	cri := callgraph.NewCodeRegionInfo()
	cri.AddFunction(&callgraph.FunctionInfo{Defs: []callgraph.FunctionDefinition{
		{Name: "main", Start: 0x1000, End: 0x1100, Patchable: false},
	}})
	cri.AddFunction(&callgraph.FunctionInfo{Defs: []callgraph.FunctionDefinition{
		{Name: "hot", Start: 0x2000, End: 0x2200, Patchable: true},
	}})
	graph := callgraph.NewCallGraph()
	graph.SetHaveBitcode("hot", true)
	return New(67867967, graph, cri), cri
}

func rawSampleAt(ip uint64, t uint64) wire.RawSample {
	return wire.RawSample{InstrPtr: ip, Time: t, ThreadID: 1, ChainBaseToTop: []uint64{0x1050, ip}}
}

func TestEveryVertexReachableFromRootAfterBatch(t *testing.T) {
	p, _ := newTestProfiler()
	var samples []wire.RawSample
	for i := 0; i < 200; i++ {
		samples = append(samples, rawSampleAt(0x2050, uint64(1000+i*67867967)))
	}
	p.ConsumePerfData([]ClientSample{{Client: 1, Samples: samples}})

	for _, v := range p.CCT.AllVertices() {
		assert.True(t, p.CCT.IsReachableFromRoot(v))
	}
}

func TestHottestNodeAndTuningRootSingleClientConstantWorkload(t *testing.T) {
	p, _ := newTestProfiler()
	var samples []wire.RawSample
	for i := 0; i < 200; i++ {
		samples = append(samples, rawSampleAt(0x2050, uint64(1000+i*67867967)))
	}
	p.ConsumePerfData([]ClientSample{{Client: 1, Samples: samples}})

	require.GreaterOrEqual(t, p.SamplesConsumed, uint64(100))

	hot, ok := p.HottestNode()
	require.True(t, ok)
	assert.Equal(t, "hot", p.CCT.FuncName(hot))

	root, ok := p.FindSuitableTuningRoot(hot)
	require.True(t, ok)
	assert.Equal(t, "hot", root)
}

func TestFindSuitableTuningRootNoChildrenIsNone(t *testing.T) {
	p, _ := newTestProfiler()
	_, ok := p.FindSuitableTuningRoot(p.CCT.Root())
	assert.False(t, ok)
}

func TestHaveBitcodeDelegatesToGraph(t *testing.T) {
	p, _ := newTestProfiler()
	assert.True(t, p.HaveBitcode("hot"))
	assert.False(t, p.HaveBitcode("cold"))
}

func TestMalformedSampleSkippedSilently(t *testing.T) {
	p, _ := newTestProfiler()
	malformed := wire.RawSample{InstrPtr: 0x9999, Time: 1, ThreadID: 1, ChainBaseToTop: []uint64{0x8888}}
	assert.NotPanics(t, func() {
		p.ConsumePerfData([]ClientSample{{Client: 1, Samples: []wire.RawSample{malformed}}})
	})
	assert.Equal(t, uint64(1), p.SamplesConsumed)
}

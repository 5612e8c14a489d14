package profiler

import (
	"sort"

	"github.com/jihwankim/haloserver/pkg/callgraph"
	"github.com/jihwankim/haloserver/pkg/wire"
)

const (
	minRootHotness   = 2.0
	minParentHotness = minRootHotness / 4
)

// ClientSample is one client's accumulated raw samples since the last
// consumePerfData call.
type ClientSample struct {
	Client  ClientID
	Samples []wire.RawSample
}

// Profiler owns the CCT and CallGraph for one ClientGroup: it consumes
// per-client sample batches, locates the hottest node, and walks to a
// suitable tuning root. Grounded on
// original_source/tools/haloserver/Profiler.cpp.
type Profiler struct {
	CCT             *CallingContextTree
	Graph           *callgraph.CallGraph
	CRI             *callgraph.CodeRegionInfo
	SamplePeriod    uint64
	SamplesConsumed uint64
}

// New returns a Profiler over a fresh CCT for one ClientGroup.
func New(samplePeriod uint64, graph *callgraph.CallGraph, cri *callgraph.CodeRegionInfo) *Profiler {
	return &Profiler{
		CCT:          NewCallingContextTree(),
		Graph:        graph,
		CRI:          cri,
		SamplePeriod: samplePeriod,
	}
}

// ipcFromSamples estimates instructions-per-cycle for consecutive
// samples from the configured sampling period (instructions) and the
// elapsed wall/cycle-time delta reported in the samples. Malformed
// deltas (zero or negative) are treated as "no estimate" (ipc=0, a
// sample that contributes hotness but not an IPC observation).
func (p *Profiler) ipcFromSamples(prevTime, curTime uint64) (float64, bool) {
	if curTime <= prevTime {
		return 0, false
	}
	delta := curTime - prevTime
	return float64(p.SamplePeriod) / float64(delta), true
}

// ConsumePerfData processes each client's accumulated raw samples:
// sorts them by timestamp, resolves the IP chain through CodeRegionInfo
// (trimming the hardware-artifact top frame when it duplicates the
// sampled IP's function), walks root->leaf inserting/finding vertices
// (creating a back-edge to an ancestor on recursion), and updates leaf
// hotness and per-(client,thread) IPC. Malformed samples (unknown IPs
// at both the sample site and chain top) are skipped silently.
func (p *Profiler) ConsumePerfData(batches []ClientSample) {
	for _, batch := range batches {
		samples := append([]wire.RawSample(nil), batch.Samples...)
		sort.Slice(samples, func(i, j int) bool { return samples[i].Time < samples[j].Time })

		lastTimePerThread := make(map[uint32]uint64)
		for _, s := range samples {
			p.SamplesConsumed++

			sampleFn := p.CRI.Lookup(s.InstrPtr)
			chain := rawSampleToChain(s)
			if len(chain) == 0 {
				if callgraph.IsUnknown(sampleFn) {
					continue // malformed: nothing to resolve
				}
				chain = []uint64{s.InstrPtr}
			} else if !callgraph.IsUnknown(sampleFn) {
				// trim the top frame if it maps to the same function as
				// the sampled IP (a hardware-sampling artifact).
				top := chain[len(chain)-1]
				if topFn := p.CRI.Lookup(top); topFn == sampleFn {
					chain = chain[:len(chain)-1]
				}
				chain = append(chain, s.InstrPtr)
			} else {
				// sample site unknown; chain top must resolve or this
				// sample is unusable.
				if callgraph.IsUnknown(p.CRI.Lookup(chain[len(chain)-1])) {
					continue
				}
			}

			names := make([]string, 0, len(chain))
			for _, ip := range chain {
				fi := p.CRI.Lookup(ip)
				if callgraph.IsUnknown(fi) {
					continue
				}
				names = append(names, fi.CanonicalName())
			}
			if len(names) == 0 {
				continue
			}

			leaf := p.CCT.InsertPath(names, p.CRI)

			ipc, ok := 0.0, false
			if prev, seen := lastTimePerThread[s.ThreadID]; seen {
				ipc, ok = p.ipcFromSamples(prev, s.Time)
			}
			lastTimePerThread[s.ThreadID] = s.Time
			if !ok {
				ipc = 0
			}
			p.CCT.ObserveLeaf(leaf, batch.Client, s.ThreadID, s.Time, ipc)
		}
	}

	p.Decay()
}

// Decay ages every CCT vertex's hotness and call-frequency estimate.
func (p *Profiler) Decay() {
	p.CCT.Decay()
}

// HottestNode is a linear reduction over vertices picking the maximum
// hotness, ties broken by first-encountered (lowest vertex id). Returns
// false if no non-root vertex has positive hotness.
func (p *Profiler) HottestNode() (VertexID, bool) {
	root := p.CCT.Root()
	max := 0.0
	best := root
	result := p.CCT.Reduce(root, func(id, acc VertexID) VertexID {
		h := p.CCT.Hotness(id)
		if h > max {
			max = h
			return id
		}
		return acc
	})
	best = result
	if best == root {
		return 0, false
	}
	return best, true
}

// FindSuitableTuningRoot walks the context path from vid toward the
// root maintaining a sliding candidate, exactly mirroring
// Profiler.cpp's findSuitableTuningRoot: a vertex is *suitable* iff
// it's patchable and its decayed hotness >= minRootHotness. A candidate
// is *confirmed* iff its parent's hotness >= minParentHotness OR the
// candidate's call-frequency > 0. The confirmed candidate closest to
// the root wins; the walk stops once a visited vertex is not itself
// suitable (after first trying to extend the candidate to it).
func (p *Profiler) FindSuitableTuningRoot(vid VertexID) (string, bool) {
	suitable := func(v VertexID) bool {
		return p.CCT.IsPatchable(v) && p.CCT.Hotness(v) >= minRootHotness
	}

	ctx := p.CCT.ContextOf(vid) // root-to-leaf, last element == vid
	var confirmedName string
	haveConfirmed := false
	var candidate VertexID
	haveCandidate := false

	// walk leaf-to-root, i.e. reverse of ctx.
	for i := len(ctx) - 1; i >= 0; i-- {
		parent := ctx[i]

		if !haveCandidate {
			if suitable(parent) {
				candidate = parent
				haveCandidate = true
			}
			continue
		}

		parentHotness := p.CCT.Hotness(parent)
		candidateFreq := p.CCT.CallFrequency(candidate)

		if parentHotness >= minParentHotness || candidateFreq > 0 {
			confirmedName = p.CCT.FuncName(candidate)
			haveConfirmed = true

			if suitable(parent) {
				candidate = parent
				continue
			}
		}
		break
	}

	return confirmedName, haveConfirmed
}

// HaveBitcode delegates to the CallGraph.
func (p *Profiler) HaveBitcode(name string) bool {
	return p.Graph.HaveBitcode(name)
}

// CurrentIPC returns the tuning root funcName's current mean IPC, for
// the Bakeoff's take_step. ok is false if the function has never been
// observed. The "did new samples arrive since last step" signal the
// Bakeoff also needs comes from comparing successive SamplesConsumed
// totals, not from this per-function mean (a RandomQuantity's size
// saturates at its ring-buffer capacity, so it can't serve as a
// monotonic new-data counter once warmed up).
func (p *Profiler) CurrentIPC(funcName string) (ipc float64, ok bool) {
	v, found := p.CCT.VertexByFuncName(funcName)
	if !found {
		return 0, false
	}
	mean, size := p.CCT.IPC(v)
	if size == 0 {
		return 0, false
	}
	return mean, true
}

// CurrentCallFreq returns funcName's decayed call-frequency estimate,
// for servers started with --halo-metric=calls in place of mean IPC.
// Has the same shape as CurrentIPC so a Section's Callbacks.CurrentIPC
// can be wired to either without the section knowing which metric it
// consumes.
func (p *Profiler) CurrentCallFreq(funcName string) (freq float64, ok bool) {
	v, found := p.CCT.VertexByFuncName(funcName)
	if !found {
		return 0, false
	}
	return p.CCT.CallFrequency(v), true
}

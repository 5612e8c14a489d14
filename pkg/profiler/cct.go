// Package profiler implements Halo's CallingContextTree (CCT) and the
// Profiler that owns it alongside a CallGraph, per spec.md §3 and §4.1.
// Grounded on
// original_source/include/halo/compiler/CallingContextTree.h and
// tools/haloserver/Profiler.cpp.
package profiler

import (
	"sort"

	"github.com/jihwankim/haloserver/pkg/callgraph"
	"github.com/jihwankim/haloserver/pkg/stats"
	"github.com/jihwankim/haloserver/pkg/wire"
)

// VertexID identifies one CCT vertex. 0 is always the root.
type VertexID int

const rootVertex VertexID = 0

const (
	hotnessBaseline  = 1.0
	hotnessDiscount  = 0.75
	callFreqDiscount = 0.75
)

// clientThread keys the per-(client,thread) last-sample-time map,
// matching the original's finer-grained keying (SPEC_FULL.md §C.6)
// rather than a single per-client timestamp.
type clientThread struct {
	client ClientID
	thread uint32
}

// ClientID identifies one connected client within a group.
type ClientID uint64

// vertexInfo is one CCT node: a function observed in some sampled call
// context.
type vertexInfo struct {
	funcName   string
	patchable  bool
	hotness    float64
	callFreq   float64
	ipc        *stats.RandomQuantity
	lastSample map[clientThread]uint64
}

func newVertexInfo(name string, patchable bool) *vertexInfo {
	return &vertexInfo{
		funcName:   name,
		patchable:  patchable,
		ipc:        stats.NewRandomQuantity(stats.DefaultCapacity),
		lastSample: make(map[clientThread]uint64),
	}
}

// edge is a parent->child relation. Back-edges to an ancestor (for
// recursion) are stored the same way, with IsBackEdge set, so the
// adjacency list never needs owning pointers (spec.md §9).
type edge struct {
	parent, child VertexID
	isBackEdge    bool
}

// CallingContextTree is a rooted directed graph where each non-root
// vertex represents a function observed in a sampled call context.
type CallingContextTree struct {
	vertices []*vertexInfo // index 0 is the root, named "<root>"
	parent   []VertexID    // parent[0] is unused (root has no parent)
	children []map[VertexID]struct{}
	edges    []edge
}

// NewCallingContextTree returns a CCT with just its root vertex.
func NewCallingContextTree() *CallingContextTree {
	t := &CallingContextTree{}
	root := newVertexInfo("<root>", false)
	t.vertices = []*vertexInfo{root}
	t.parent = []VertexID{rootVertex}
	t.children = []map[VertexID]struct{}{{}}
	return t
}

// Root returns the root vertex id.
func (t *CallingContextTree) Root() VertexID { return rootVertex }

// findChild returns the existing child of parent with the given
// function name, if any.
func (t *CallingContextTree) findChild(parent VertexID, name string) (VertexID, bool) {
	for c := range t.children[parent] {
		if t.vertices[c].funcName == name {
			return c, true
		}
	}
	return 0, false
}

// ancestors returns the path from v up to (and including) the root, v
// first.
func (t *CallingContextTree) ancestors(v VertexID) []VertexID {
	path := []VertexID{v}
	for v != rootVertex {
		v = t.parent[v]
		path = append(path, v)
	}
	return path
}

// isAncestor reports whether anc is an ancestor of v (or equal to v).
func (t *CallingContextTree) isAncestor(anc, v VertexID) bool {
	for _, a := range t.ancestors(v) {
		if a == anc {
			return true
		}
	}
	return false
}

// insertOrFindChild returns the child of parent for name, creating it
// (and, if name already exists elsewhere on the current ancestor path,
// recording a back-edge instead of a fresh vertex) if needed.
func (t *CallingContextTree) insertOrFindChild(parent VertexID, name string, patchable bool) VertexID {
	if c, ok := t.findChild(parent, name); ok {
		return c
	}
	// recursion: does `name` already appear among parent's ancestors?
	for _, anc := range t.ancestors(parent) {
		if t.vertices[anc].funcName == name {
			t.children[parent][anc] = struct{}{}
			t.edges = append(t.edges, edge{parent: parent, child: anc, isBackEdge: true})
			return anc
		}
	}
	id := VertexID(len(t.vertices))
	t.vertices = append(t.vertices, newVertexInfo(name, patchable))
	t.parent = append(t.parent, parent)
	t.children = append(t.children, map[VertexID]struct{}{})
	t.children[parent][id] = struct{}{}
	t.edges = append(t.edges, edge{parent: parent, child: id})
	return id
}

// InsertPath walks root->leaf along names (base-to-top order, i.e.
// names[0] is the outermost caller and names[len-1] is the sampled
// leaf), creating or finding vertices and back-edges as it goes, and
// returns the leaf's vertex id.
func (t *CallingContextTree) InsertPath(names []string, cri *callgraph.CodeRegionInfo) VertexID {
	cur := rootVertex
	for _, name := range names {
		fi, ok := cri.LookupByName(name)
		patchable := ok && fi.IsPatchable()
		cur = t.insertOrFindChild(cur, name, patchable)
	}
	return cur
}

// ObserveLeaf updates the leaf vertex's decayed hotness and per-library
// IPC using the inter-sample time delta for (client,thread), and bumps
// its call-frequency estimate.
func (t *CallingContextTree) ObserveLeaf(leaf VertexID, client ClientID, thread uint32, timestamp uint64, ipc float64) {
	vi := t.vertices[leaf]
	vi.hotness += hotnessBaseline
	vi.callFreq += 1.0

	key := clientThread{client: client, thread: thread}
	if last, ok := vi.lastSample[key]; ok && timestamp > last && ipc > 0 {
		vi.ipc.Observe(ipc)
	}
	vi.lastSample[key] = timestamp
}

// Decay multiplicatively discounts every vertex's hotness and
// call-frequency estimate.
func (t *CallingContextTree) Decay() {
	for _, vi := range t.vertices {
		vi.hotness *= hotnessDiscount
		vi.callFreq *= callFreqDiscount
	}
}

// Hotness returns v's current decayed hotness.
func (t *CallingContextTree) Hotness(v VertexID) float64 {
	return t.vertices[v].hotness
}

// CallFrequency returns v's current decayed call-frequency estimate.
func (t *CallingContextTree) CallFrequency(v VertexID) float64 {
	return t.vertices[v].callFreq
}

// FuncName returns the function name represented by v.
func (t *CallingContextTree) FuncName(v VertexID) string {
	return t.vertices[v].funcName
}

// IsPatchable reports whether v's function can be hot-patched.
func (t *CallingContextTree) IsPatchable(v VertexID) bool {
	return t.vertices[v].patchable
}

// ContextOf returns the path from v to the root, v last (root-to-leaf
// order), matching the original's contextOf (whose last element is
// always the queried vertex).
func (t *CallingContextTree) ContextOf(v VertexID) []VertexID {
	path := t.ancestors(v)
	// ancestors() returns leaf-to-root; reverse to root-to-leaf.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Reduce folds over every non-root vertex in id order, matching the
// original's reduce<T> used by hottestNode.
func (t *CallingContextTree) Reduce(acc VertexID, f func(id VertexID, acc VertexID) VertexID) VertexID {
	ids := make([]VertexID, 0, len(t.vertices)-1)
	for i := 1; i < len(t.vertices); i++ {
		ids = append(ids, VertexID(i))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		acc = f(id, acc)
	}
	return acc
}

// AllVertices returns every non-root vertex id, for reachability
// checks in tests.
func (t *CallingContextTree) AllVertices() []VertexID {
	ids := make([]VertexID, 0, len(t.vertices)-1)
	for i := 1; i < len(t.vertices); i++ {
		ids = append(ids, VertexID(i))
	}
	return ids
}

// IsReachableFromRoot reports whether v can be reached from the root by
// following parent edges backwards — true for every vertex created via
// InsertPath, and for back-edge targets since those are always
// ancestors (themselves reachable).
func (t *CallingContextTree) IsReachableFromRoot(v VertexID) bool {
	return t.isAncestor(rootVertex, v)
}

// VertexByFuncName returns the first vertex observed for name. Multiple
// call contexts can share a function name; the tuning root is always
// looked up by name (the Bakeoff only ever deploys one library at a
// time for a given root), so any match is the one currently relevant.
func (t *CallingContextTree) VertexByFuncName(name string) (VertexID, bool) {
	for i := 1; i < len(t.vertices); i++ {
		if t.vertices[i].funcName == name {
			return VertexID(i), true
		}
	}
	return 0, false
}

// IPC returns the mean and observation count of v's IPC RandomQuantity.
// Returns (0, 0) if no observations have been recorded yet — Mean()'s
// precondition forbids calling it on an empty RandomQuantity.
func (t *CallingContextTree) IPC(v VertexID) (mean float64, size int) {
	vi := t.vertices[v]
	if vi.ipc.Size() == 0 {
		return 0, 0
	}
	return vi.ipc.Mean(), vi.ipc.Size()
}

// rawSampleToChain extracts the base-to-top IP chain from a wire
// RawSample for CCT insertion.
func rawSampleToChain(s wire.RawSample) []uint64 {
	return s.ChainBaseToTop
}

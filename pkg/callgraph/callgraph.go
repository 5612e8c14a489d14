// Package callgraph implements Halo's static call graph and per-client
// address-to-function resolution (CodeRegionInfo/FunctionInfo), per
// spec.md §3.
package callgraph

import "sort"

// FunctionDefinition is one VMA-normalized address range for a function
// (a function may have more than one, for aliased names).
type FunctionDefinition struct {
	Name      string
	Start     uint64
	End       uint64
	Patchable bool
}

// FunctionInfo groups one or more definitions (aliased names) for the
// same logical function.
type FunctionInfo struct {
	Defs []FunctionDefinition
}

// Contains reports whether ip falls within any of fi's definitions.
func (fi *FunctionInfo) Contains(ip uint64) bool {
	for _, d := range fi.Defs {
		if ip >= d.Start && ip < d.End {
			return true
		}
	}
	return false
}

// CanonicalName returns the first definition's name.
func (fi *FunctionInfo) CanonicalName() string {
	if len(fi.Defs) == 0 {
		return ""
	}
	return fi.Defs[0].Name
}

// IsPatchable reports whether any definition of this function can be
// hot-swapped at runtime.
func (fi *FunctionInfo) IsPatchable() bool {
	for _, d := range fi.Defs {
		if d.Patchable {
			return true
		}
	}
	return false
}

// unknownFunction is the sentinel returned by CodeRegionInfo lookups
// that miss.
var unknownFunction = &FunctionInfo{Defs: []FunctionDefinition{{Name: "<unknown>"}}}

// IsUnknown reports whether fi is the lookup-miss sentinel.
func IsUnknown(fi *FunctionInfo) bool {
	return fi == unknownFunction
}

// region is one entry of the interval map: [Start,End) -> function id.
type region struct {
	start, end uint64
	fn         int
}

// CodeRegionInfo is a per-client interval map from address ranges to
// FunctionInfo, plus a name index.
type CodeRegionInfo struct {
	arena    []*FunctionInfo
	regions  []region // kept sorted by start
	byName   map[string]int
	sorted   bool
}

// NewCodeRegionInfo returns an empty CodeRegionInfo.
func NewCodeRegionInfo() *CodeRegionInfo {
	return &CodeRegionInfo{byName: make(map[string]int)}
}

// AddFunction registers fi's definitions in the interval map and name
// index, returning the arena-assigned function id.
func (c *CodeRegionInfo) AddFunction(fi *FunctionInfo) int {
	id := len(c.arena)
	c.arena = append(c.arena, fi)
	for _, d := range fi.Defs {
		c.regions = append(c.regions, region{start: d.Start, end: d.End, fn: id})
		c.byName[d.Name] = id
	}
	c.sorted = false
	return id
}

func (c *CodeRegionInfo) ensureSorted() {
	if c.sorted {
		return
	}
	sort.Slice(c.regions, func(i, j int) bool { return c.regions[i].start < c.regions[j].start })
	c.sorted = true
}

// Lookup resolves ip to its FunctionInfo, or the unknown-function
// sentinel on a miss.
func (c *CodeRegionInfo) Lookup(ip uint64) *FunctionInfo {
	c.ensureSorted()
	// binary search for the last region with start <= ip
	lo, hi := 0, len(c.regions)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.regions[mid].start <= ip {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return unknownFunction
	}
	r := c.regions[lo-1]
	if ip >= r.start && ip < r.end {
		return c.arena[r.fn]
	}
	return unknownFunction
}

// LookupByName resolves a function by its canonical or aliased name.
func (c *CodeRegionInfo) LookupByName(name string) (*FunctionInfo, bool) {
	id, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return c.arena[id], true
}

// IsCall reports whether src->tgt is a call edge: true when the two IPs
// lie in different functions, or tgt is the start of its own function
// (self-recursion), or exactly one of the two is unknown. Grounded on
// SPEC_FULL.md §C.5 (the original keeps edges to functions whose
// bitcode wasn't shipped, rather than silently dropping them).
func (c *CodeRegionInfo) IsCall(src, tgt uint64) bool {
	srcFn := c.Lookup(src)
	tgtFn := c.Lookup(tgt)
	srcUnknown := IsUnknown(srcFn)
	tgtUnknown := IsUnknown(tgtFn)

	if srcUnknown != tgtUnknown {
		return true
	}
	if srcUnknown && tgtUnknown {
		return false
	}
	if srcFn != tgtFn {
		return true
	}
	// same function: a call iff tgt is exactly the function's entry
	// point (self-recursive call).
	for _, d := range tgtFn.Defs {
		if tgt == d.Start {
			return true
		}
	}
	return false
}

// CallGraph is the static function -> called-functions graph, augmented
// with per-edge "called from a loop" and per-function
// "bitcode-available" flags.
type CallGraph struct {
	calledFromLoop map[string]map[string]bool
	hasBitcode     map[string]bool
	callees        map[string]map[string]struct{}
}

// NewCallGraph returns an empty CallGraph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		calledFromLoop: make(map[string]map[string]bool),
		hasBitcode:     make(map[string]bool),
		callees:        make(map[string]map[string]struct{}),
	}
}

// AddEdge records that caller calls callee, optionally from within a
// loop.
func (g *CallGraph) AddEdge(caller, callee string, fromLoop bool) {
	if g.callees[caller] == nil {
		g.callees[caller] = make(map[string]struct{})
	}
	g.callees[caller][callee] = struct{}{}
	if g.calledFromLoop[caller] == nil {
		g.calledFromLoop[caller] = make(map[string]bool)
	}
	if fromLoop {
		g.calledFromLoop[caller][callee] = true
	}
}

// SetHaveBitcode records whether name's bitcode is available to compile.
func (g *CallGraph) SetHaveBitcode(name string, have bool) {
	g.hasBitcode[name] = have
}

// HaveBitcode reports whether name's bitcode is available.
func (g *CallGraph) HaveBitcode(name string) bool {
	return g.hasBitcode[name]
}

// CalledFromLoop reports whether caller calls callee from within a loop
// anywhere in the observed static graph.
func (g *CallGraph) CalledFromLoop(caller, callee string) bool {
	return g.calledFromLoop[caller][callee]
}

// Callees returns the set of functions directly called by name.
func (g *CallGraph) Callees(name string) []string {
	m := g.callees[name]
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

package knob

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// KnobSet is a named map of knob-id to Knob plus a loop count. Loop
// specific knob ids follow the pattern loop{i}-{name} for i in [0,N).
// Grounded on original_source/include/halo/tuner/KnobSet.h.
type KnobSet struct {
	knobs     map[string]Knob
	LoopCount int
}

// NewKnobSet returns an empty KnobSet.
func NewKnobSet() KnobSet {
	return KnobSet{knobs: make(map[string]Knob)}
}

// LoopKnobID builds the id for loop-specific knob `name` at loop index i.
func LoopKnobID(i int, name string) string {
	return fmt.Sprintf("loop%d-%s", i, name)
}

// Insert adds or replaces a knob. Returns an error if a knob with the
// same id already exists with a different Kind — that would indicate a
// schema bug, not a legitimate overwrite.
func (ks *KnobSet) Insert(k Knob) error {
	if ks.knobs == nil {
		ks.knobs = make(map[string]Knob)
	}
	if existing, ok := ks.knobs[k.ID]; ok && existing.Kind != k.Kind {
		return fmt.Errorf("knobset: id %q already present with kind %v, got %v", k.ID, existing.Kind, k.Kind)
	}
	ks.knobs[k.ID] = k
	return nil
}

// Lookup returns the knob for id and whether it was present.
func (ks KnobSet) Lookup(id string) (Knob, bool) {
	k, ok := ks.knobs[id]
	return k, ok
}

// UnsetAll clears every knob's value, marking it Unset in place.
func (ks KnobSet) UnsetAll() {
	for id, k := range ks.knobs {
		k.Unset = true
		ks.knobs[id] = k
	}
}

// Cardinality returns the number of knobs registered (not knob-space
// size — see ConfigManager/StatisticalStopper for the space-size N).
func (ks KnobSet) Cardinality() int {
	return len(ks.knobs)
}

// IDs returns a stably sorted slice of all knob ids in this set.
func (ks KnobSet) IDs() []string {
	ids := make([]string, 0, len(ks.knobs))
	for id := range ks.knobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep, independent copy of ks.
func (ks KnobSet) Clone() KnobSet {
	out := NewKnobSet()
	out.LoopCount = ks.LoopCount
	for id, k := range ks.knobs {
		out.knobs[id] = k
	}
	return out
}

// CopyingUnion returns a new set containing every knob from both ks and
// other; on id conflicts the receiver's (ks's) value wins, matching the
// original's copyingUnion semantics.
func (ks KnobSet) CopyingUnion(other KnobSet) KnobSet {
	out := other.Clone()
	for id, k := range ks.knobs {
		out.knobs[id] = k
	}
	if ks.LoopCount > out.LoopCount {
		out.LoopCount = ks.LoopCount
	}
	return out
}

// Equal reports whether ks and o contain the same ids with the same
// current values (ignoring bounds), per the original's equal_to, which
// considers only current values.
func (ks KnobSet) Equal(o KnobSet) bool {
	if len(ks.knobs) != len(o.knobs) || ks.LoopCount != o.LoopCount {
		return false
	}
	for id, k := range ks.knobs {
		ok, present := o.knobs[id]
		if !present || !k.Equal(ok) {
			return false
		}
	}
	return true
}

// Hash returns a stable content hash over (id, kind, unset, value) for
// every knob, sorted by id so iteration order never matters. Used as
// the ConfigManager database's map key and for fast dedup lookups —
// not a durable cross-process hash (that role is CodeVersion's SHA1 set
// over object-file bytes).
func (ks KnobSet) Hash() uint64 {
	h := xxhash.New()
	for _, id := range ks.IDs() {
		k := ks.knobs[id]
		fmt.Fprintf(h, "%s|%d|%t|", k.ID, k.Kind, k.Unset)
		if !k.Unset {
			switch k.Kind {
			case KindFlag:
				fmt.Fprintf(h, "%t", k.FlagVal)
			case KindInt:
				fmt.Fprintf(h, "%d", k.IntVal)
			case KindOptLvl:
				fmt.Fprintf(h, "%d", k.OptVal)
			}
		}
		h.Write([]byte{';'})
	}
	fmt.Fprintf(h, "loops=%d", ks.LoopCount)
	return h.Sum64()
}

// Each calls f for every knob in stable id order.
func (ks KnobSet) Each(f func(Knob)) {
	for _, id := range ks.IDs() {
		f(ks.knobs[id])
	}
}

// Package codeversion implements Halo's CodeVersion: a compiled
// artifact tied to one or more equivalent configurations, its quality
// observation stream, and object-file content-hash merging. Grounded on
// original_source/include/halo/tuner/CodeVersion.h.
package codeversion

import (
	"crypto/sha1"

	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/jihwankim/haloserver/pkg/stats"
)

// OriginalLibName is the sentinel library name for the client's own
// code at startup, per SPEC_FULL.md §C.7.
const OriginalLibName = "__original__"

// CodeVersion is a compiled instance of a configuration.
type CodeVersion struct {
	LibName     string
	ObjFile     []byte
	objHashes   map[[sha1.Size]byte]struct{}
	Configs     []knob.KnobSet
	Quality     *stats.RandomQuantity
	Broken      bool
}

// NewOriginal returns the sentinel CodeVersion representing the
// client's own code at startup: empty object file, sentinel name, never
// eligible for forceMerge removal.
func NewOriginal(cfg knob.KnobSet) *CodeVersion {
	return &CodeVersion{
		LibName:   OriginalLibName,
		objHashes: map[[sha1.Size]byte]struct{}{sha1.Sum(nil): {}},
		Configs:   []knob.KnobSet{cfg},
		Quality:   stats.NewRandomQuantity(stats.DefaultCapacity),
	}
}

// New builds a CodeVersion from a finished compile job's object bytes
// and the KnobSet that produced it.
func New(libName string, objFile []byte, cfg knob.KnobSet) *CodeVersion {
	cv := &CodeVersion{
		LibName:   libName,
		ObjFile:   objFile,
		objHashes: map[[sha1.Size]byte]struct{}{},
		Configs:   []knob.KnobSet{cfg},
		Quality:   stats.NewRandomQuantity(stats.DefaultCapacity),
	}
	cv.objHashes[sha1.Sum(objFile)] = struct{}{}
	return cv
}

// IsOriginalLib reports whether this is the sentinel original-code
// version.
func (cv *CodeVersion) IsOriginalLib() bool {
	return cv.LibName == OriginalLibName
}

// ObserveIPC records one IPC observation for this version.
func (cv *CodeVersion) ObserveIPC(v float64) {
	cv.Quality.Observe(v)
}

// hashesIntersect reports whether cv and other share at least one
// object-file hash.
func (cv *CodeVersion) hashesIntersect(other *CodeVersion) bool {
	for h := range cv.objHashes {
		if _, ok := other.objHashes[h]; ok {
			return true
		}
	}
	return false
}

// TryMerge reports whether cv and other's object files are identical by
// hash; if so, other's configs, hashes, and quality observations are
// folded into cv and other is left a cleared donor. Two versions are
// mergeable iff their object-file hash sets intersect.
func (cv *CodeVersion) TryMerge(other *CodeVersion) bool {
	if !cv.hashesIntersect(other) {
		return false
	}
	cv.absorb(other)
	return true
}

// ForceMerge unconditionally merges other into cv, regardless of
// whether their object files are equal. cv gains other's hash set, so a
// later TryMerge with a version carrying other's former object file
// reports true; other is left a cleared donor. Returns true
// if a merge actually happened (always, barring merging cv with
// itself).
func (cv *CodeVersion) ForceMerge(other *CodeVersion) bool {
	if cv == other {
		return false
	}
	cv.absorb(other)
	return true
}

func (cv *CodeVersion) absorb(other *CodeVersion) {
	for h := range other.objHashes {
		cv.objHashes[h] = struct{}{}
	}
	cv.Configs = append(cv.Configs, other.Configs...)
	cv.Quality.Merge(other.Quality)

	other.Configs = nil
	other.objHashes = map[[sha1.Size]byte]struct{}{}
	other.Quality.Clear()
}

// Mergeable reports whether cv and other's object-file hash sets
// intersect, without performing a merge.
func (cv *CodeVersion) Mergeable(other *CodeVersion) bool {
	return cv.hashesIntersect(other)
}

// Package knob implements Halo's tunable configuration space: the Knob
// sum type and the KnobSet that maps knob ids to values.
package knob

import (
	"fmt"
	"math"
)

// Scale controls how an Int knob's integer value is mapped onto the
// actual compiler-flag value it emits.
type Scale int

const (
	ScaleNone Scale = iota
	ScaleLog
	ScaleHalf
	ScaleHundredth
)

func (s Scale) String() string {
	switch s {
	case ScaleNone:
		return "none"
	case ScaleLog:
		return "log"
	case ScaleHalf:
		return "half"
	case ScaleHundredth:
		return "hundredth"
	default:
		return "unknown"
	}
}

// Apply maps the knob's raw integer value onto its emitted value,
// following original_source/include/halo/tuner/Knob.h: Log is 2^v for
// v>=0 and 0 for v<0, Half is 2v, Hundredth is 100v, None is v itself.
func (s Scale) Apply(v int64) float64 {
	switch s {
	case ScaleLog:
		if v < 0 {
			return 0
		}
		return math.Exp2(float64(v))
	case ScaleHalf:
		return 2 * float64(v)
	case ScaleHundredth:
		return 100 * float64(v)
	default:
		return float64(v)
	}
}

// Kind discriminates the Knob sum type. Go has no dyn_cast; every site
// that needs to act on the concrete Knob type does an exhaustive switch
// over Kind instead, with an "impossible" default that panics.
type Kind int

const (
	KindFlag Kind = iota
	KindInt
	KindOptLvl
)

func (k Kind) String() string {
	switch k {
	case KindFlag:
		return "flag"
	case KindInt:
		return "int"
	case KindOptLvl:
		return "optlvl"
	default:
		return "unknown"
	}
}

// OptLevel is the totally ordered O0..O3 optimization level.
type OptLevel int

const (
	O0 OptLevel = iota
	O1
	O2
	O3
)

func (o OptLevel) String() string {
	return fmt.Sprintf("O%d", int(o))
}

// Knob is one tunable compiler-flag parameter. Exactly one of the
// Flag/Int/OptLvl fields is meaningful, selected by Kind. A knob may be
// Unset, meaning "do not emit this option"; Unset is independent of Kind.
type Knob struct {
	ID    string
	Kind  Kind
	Unset bool

	// KindFlag
	FlagVal bool

	// KindInt
	IntVal   int64
	IntMin   int64
	IntMax   int64
	IntScale Scale

	// KindOptLvl
	OptVal OptLevel
}

// NewFlag constructs a set tri-state boolean knob.
func NewFlag(id string, val bool) Knob {
	return Knob{ID: id, Kind: KindFlag, FlagVal: val}
}

// NewInt constructs a set integer knob clamped to [min,max].
func NewInt(id string, val, min, max int64, scale Scale) Knob {
	if val < min {
		val = min
	}
	if val > max {
		val = max
	}
	return Knob{ID: id, Kind: KindInt, IntVal: val, IntMin: min, IntMax: max, IntScale: scale}
}

// NewOptLvl constructs a set optimization-level knob.
func NewOptLvl(id string, val OptLevel) Knob {
	return Knob{ID: id, Kind: KindOptLvl, OptVal: val}
}

// Clamp re-clamps IntVal to [IntMin,IntMax]; a no-op for non-Int knobs.
func (k *Knob) Clamp() {
	if k.Kind != KindInt {
		return
	}
	if k.IntVal < k.IntMin {
		k.IntVal = k.IntMin
	}
	if k.IntVal > k.IntMax {
		k.IntVal = k.IntMax
	}
}

// Equal compares two knobs by id, kind and current value only — exactly
// the fields KnobSet.Hash also considers (min/max bounds don't affect
// identity, matching the original's hash/equal_to specializations).
func (k Knob) Equal(o Knob) bool {
	if k.ID != o.ID || k.Kind != o.Kind || k.Unset != o.Unset {
		return false
	}
	if k.Unset {
		return true
	}
	switch k.Kind {
	case KindFlag:
		return k.FlagVal == o.FlagVal
	case KindInt:
		return k.IntVal == o.IntVal
	case KindOptLvl:
		return k.OptVal == o.OptVal
	default:
		panic(fmt.Sprintf("knob: impossible kind %v", k.Kind))
	}
}

// Value returns the knob's emitted numeric value, applying Int scaling.
// Flags are emitted as 0/1, OptLvl as its ordinal. Panics if called on
// an unset knob — callers must check Unset first.
func (k Knob) Value() float64 {
	if k.Unset {
		panic("knob: Value called on an unset knob")
	}
	switch k.Kind {
	case KindFlag:
		if k.FlagVal {
			return 1
		}
		return 0
	case KindInt:
		return k.IntScale.Apply(k.IntVal)
	case KindOptLvl:
		return float64(k.OptVal)
	default:
		panic(fmt.Sprintf("knob: impossible kind %v", k.Kind))
	}
}

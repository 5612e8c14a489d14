// Package tuner implements Halo's configuration-space search: the
// ConfigManager database of tried KnobSets, the random/nearby/expert
// generators, the hand-rolled gradient-boosted surrogate model, the
// PseudoBayesTuner that ties them together, and the StatisticalStopper
// stop condition. Grounded on
// original_source/tools/haloserver/{ConfigManager,RandomTuner,
// PseudoBayesTuner,StatisticalStopper}.cpp.
package tuner

import (
	"math"
	"math/rand"

	"github.com/jihwankim/haloserver/pkg/knob"
)

// MissingQuality is returned by GetPredictedQuality for a KnobSet the
// manager has never seen, per ConfigManager::MISSING_QUALITY.
const MissingQuality = -math.MaxFloat32

type configMetadata struct {
	predictedQuality float64
	beenInTop        bool
}

// ConfigManager is the database of every KnobSet this group has
// generated, plus a FIFO queue of configs queued for compilation ahead
// of real profiling data ("the Top buffer").
type ConfigManager struct {
	database map[uint64]*entry
	order    []uint64 // insertion order, for genPrevious's linear scan
	top      []knob.KnobSet
	opines   int
}

type entry struct {
	ks   knob.KnobSet
	meta configMetadata
}

// expertOpinions is the fixed, ordered list of "known good" compiler
// settings; the tuner queues the next one in every surrogate generation
// round until the list is exhausted, per SPEC_FULL.md §C.3.
var expertOpinions = []func(knob.KnobSet) knob.KnobSet{
	func(ks knob.KnobSet) knob.KnobSet {
		return setOpt3NativeCPU(ks)
	},
	func(ks knob.KnobSet) knob.KnobSet {
		ks = setOpt3NativeCPU(ks)
		setFlagIfPresent(ks, "ipra", true)
		setFlagIfPresent(ks, "pbqp", true)
		setFlagIfPresent(ks, "attributor-enable", true)
		setFlagIfPresent(ks, "experimental-alias-analysis", true)
		return ks
	},
	func(ks knob.KnobSet) knob.KnobSet {
		ks = setOpt3NativeCPU(ks)
		setFlagIfPresent(ks, "ipra", true)
		return ks
	},
	func(ks knob.KnobSet) knob.KnobSet {
		ks = setOpt3NativeCPU(ks)
		setFlagIfPresent(ks, "pbqp", true)
		return ks
	},
	func(ks knob.KnobSet) knob.KnobSet {
		ks = setOpt3NativeCPU(ks)
		setFlagIfPresent(ks, "attributor-enable", true)
		setFlagIfPresent(ks, "experimental-alias-analysis", true)
		return ks
	},
}

func setOpt3NativeCPU(ks knob.KnobSet) knob.KnobSet {
	ks.UnsetAll()
	if _, ok := ks.Lookup("optimize-level"); ok {
		ks.Insert(knob.NewOptLvl("optimize-level", knob.O3))
	}
	if _, ok := ks.Lookup("codegen-level"); ok {
		ks.Insert(knob.NewOptLvl("codegen-level", knob.O3))
	}
	setFlagIfPresent(ks, "native-cpu", true)
	return ks
}

func setFlagIfPresent(ks knob.KnobSet, id string, val bool) {
	if _, ok := ks.Lookup(id); ok {
		ks.Insert(knob.NewFlag(id, val))
	}
}

// NewConfigManager returns an empty ConfigManager.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{database: make(map[uint64]*entry)}
}

func (m *ConfigManager) insert(ks knob.KnobSet) {
	h := ks.Hash()
	if _, ok := m.database[h]; ok {
		return
	}
	m.database[h] = &entry{ks: ks}
	m.order = append(m.order, h)
}

func (m *ConfigManager) contains(ks knob.KnobSet) bool {
	_, ok := m.database[ks.Hash()]
	return ok
}

// retryLoop applies generator to ks up to limit times, stopping as soon
// as the result is not already in the database; if every attempt
// collided, the final (duplicate) result is returned without a fresh
// insert. Otherwise the unique result is inserted and returned. Factors
// out the shared retry logic genRandom/genNearby share in the original
// (SPEC_FULL.md §C.2).
func (m *ConfigManager) retryLoop(initial knob.KnobSet, generator func(knob.KnobSet) knob.KnobSet, limit int) knob.KnobSet {
	ks := initial
	for tries := 0; tries < limit; tries++ {
		ks = generator(ks)
		if !m.contains(ks) {
			break
		}
	}
	if m.contains(ks) {
		return ks
	}
	m.insert(ks)
	return ks
}

const defaultRetryLimit = 3

// GenRandom returns a (usually unique) fully-random KnobSet based on
// baseKnobs's schema.
func (m *ConfigManager) GenRandom(baseKnobs knob.KnobSet, rng *rand.Rand) knob.KnobSet {
	return m.retryLoop(baseKnobs, func(ks knob.KnobSet) knob.KnobSet { return randomFrom(ks, rng) }, defaultRetryLimit)
}

// GenNearby returns a (usually unique) KnobSet perturbed from
// goodConfig by energyLvl.
func (m *ConfigManager) GenNearby(goodConfig knob.KnobSet, rng *rand.Rand, energyLvl float64) knob.KnobSet {
	return m.retryLoop(goodConfig, func(ks knob.KnobSet) knob.KnobSet { return nearby(ks, rng, energyLvl) }, defaultRetryLimit)
}

// GenPrevious picks a uniformly random previously-generated KnobSet. If
// excludeTop, it prefers one that has never been queued into Top,
// retrying up to 3 times before giving up and returning an arbitrary
// previous entry. Panics if the manager is empty.
func (m *ConfigManager) GenPrevious(rng *rand.Rand, excludeTop bool) knob.KnobSet {
	if len(m.order) == 0 {
		panic("tuner: GenPrevious called on an empty ConfigManager")
	}
	const maxTries = 3
	var chosenHash uint64
	for tries := 0; tries < maxTries; tries++ {
		idx := rng.Intn(len(m.order))
		chosenHash = m.order[idx]
		e := m.database[chosenHash]
		if !excludeTop || !e.meta.beenInTop {
			return e.ks
		}
	}
	return m.database[chosenHash].ks
}

// GenExpertOpinion returns the next entry from the fixed expert-opinion
// list, or false once the list is exhausted for this manager's
// lifetime.
func (m *ConfigManager) GenExpertOpinion(baseKnobs knob.KnobSet) (knob.KnobSet, bool) {
	if m.opines >= len(expertOpinions) {
		return knob.KnobSet{}, false
	}
	ks := expertOpinions[m.opines](baseKnobs.Clone())
	m.opines++
	m.insert(ks)
	return ks, true
}

// AddTop appends ks to the Top queue and marks it as having been in
// Top in the database.
func (m *ConfigManager) AddTop(ks knob.KnobSet) {
	m.top = append(m.top, ks)
	m.insert(ks)
	m.database[ks.Hash()].meta.beenInTop = true
}

// SizeTop returns the number of configs queued in Top.
func (m *ConfigManager) SizeTop() int { return len(m.top) }

// PopTop removes and returns the first queued config. Panics if empty.
func (m *ConfigManager) PopTop() knob.KnobSet {
	if len(m.top) == 0 {
		panic("tuner: PopTop called on an empty Top queue")
	}
	ks := m.top[0]
	m.top = m.top[1:]
	return ks
}

// SetPredictedQuality records the surrogate model's prediction for ks.
func (m *ConfigManager) SetPredictedQuality(ks knob.KnobSet, quality float64) {
	m.insert(ks)
	m.database[ks.Hash()].meta.predictedQuality = quality
}

// GetPredictedQuality returns MissingQuality for a KnobSet never seen.
func (m *ConfigManager) GetPredictedQuality(ks knob.KnobSet) float64 {
	e, ok := m.database[ks.Hash()]
	if !ok {
		return MissingQuality
	}
	return e.meta.predictedQuality
}

// Size returns the number of distinct KnobSets ever generated.
func (m *ConfigManager) Size() int { return len(m.database) }

// All returns every generated KnobSet (without its predicted quality),
// in generation order — used by the surrogate search to build its
// training matrix.
func (m *ConfigManager) All() []knob.KnobSet {
	out := make([]knob.KnobSet, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.database[h].ks)
	}
	return out
}

package tuner

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/jihwankim/haloserver/pkg/codeversion"
	"github.com/jihwankim/haloserver/pkg/knob"
)

// ErrInsufficientPrior is returned by generateConfigs when the manager
// hasn't yet accumulated Params.MinPrior distinct observed
// configurations, per PseudoBayesTuner.cpp's getConfig fallback path.
var ErrInsufficientPrior = errors.New("tuner: insufficient prior observations to train a surrogate model")

// Params are PseudoBayesTuner's hyperparameters, all sourced from
// spec.md §6's serverSettings (pbtuner-*).
type Params struct {
	LearnIters            int
	TotalBatchSz          int
	SearchSz              int
	MinPrior              int
	HeldoutRatio          float64
	ExploreRatio          float64 // pbtuner-explore-ratio: fraction of the main batch left to plain random fill
	SurrogateExploreRatio float64 // pbtuner-surrogate-explore-ratio: fraction of surrogate candidates drawn fully at random vs. nearby the best version
	EnergyLvl             float64
}

// exploitBatchSz is the number of top surrogate-ranked candidates kept
// per generation round, per PseudoBayesTuner's constructor
// (TotalBatchSz - floor(ExploreRatio*TotalBatchSz)).
func (p Params) exploitBatchSz() int {
	n := p.TotalBatchSz - int(p.ExploreRatio*float64(p.TotalBatchSz))
	if n < 0 {
		n = 0
	}
	return n
}

// PseudoBayesTuner picks the next configuration to try: when enough
// prior observations exist, it trains a GBT surrogate over every
// observed (KnobSet, mean IPC) pair and searches nearby the best-known
// version for promising unobserved configurations; otherwise it falls
// back to plain random generation. Grounded on
// original_source/tools/haloserver/PseudoBayesTuner.cpp.
type PseudoBayesTuner struct {
	baseKnobs knob.KnobSet
	versions  map[string]*codeversion.CodeVersion
	rng       *rand.Rand
	params    Params
	manager   *ConfigManager
	knobIDs   []string
}

// New builds a PseudoBayesTuner over baseKnobs's schema and the
// group's current CodeVersion map (read live — the tuner observes
// whatever quality data has accumulated at GetConfig time).
func New(params Params, baseKnobs knob.KnobSet, versions map[string]*codeversion.CodeVersion, seed int64) *PseudoBayesTuner {
	return &PseudoBayesTuner{
		baseKnobs: baseKnobs,
		versions:  versions,
		rng:       rand.New(rand.NewSource(seed)),
		params:    params,
		manager:   NewConfigManager(),
		knobIDs:   baseKnobs.IDs(),
	}
}

// ConfigManager exposes the underlying database, e.g. for
// StatisticalStopper.
func (t *PseudoBayesTuner) ConfigManager() *ConfigManager { return t.manager }

// NextIsPredetermined reports whether the next GetConfig call will
// return an already-generated config without needing fresh generation.
func (t *PseudoBayesTuner) NextIsPredetermined() bool { return t.manager.SizeTop() > 0 }

// GetConfig returns the next configuration to compile and try.
func (t *PseudoBayesTuner) GetConfig() knob.KnobSet {
	if t.manager.SizeTop() == 0 {
		if err := t.generateConfigs(); err != nil {
			// insufficient prior: the only error generateConfigs returns.
			return t.manager.GenRandom(t.baseKnobs, t.rng)
		}
		for t.manager.SizeTop() < t.params.TotalBatchSz {
			t.manager.AddTop(t.manager.GenRandom(t.baseKnobs, t.rng))
		}
	}
	return t.manager.PopTop()
}

// trainingRow pairs one generated KnobSet with its observed mean IPC,
// when known.
type trainingRow struct {
	ks  knob.KnobSet
	ipc float64
}

func (t *PseudoBayesTuner) trainingRows() []trainingRow {
	var rows []trainingRow
	for _, ks := range t.manager.All() {
		for _, cv := range t.versions {
			for _, cfg := range cv.Configs {
				if cfg.Hash() == ks.Hash() && cv.Quality.Size() > 0 {
					rows = append(rows, trainingRow{ks: ks, ipc: cv.Quality.Mean()})
				}
			}
		}
	}
	return rows
}

// missingVal is the sentinel for an absent/unset knob in a feature
// row, grounded on ConfigMatrix::MISSING_VAL
// (original_source/tools/haloserver/PseudoBayesTuner.cpp:91,104), which
// XGBoost's `missing` parameter uses to route a row down a learned
// default branch rather than treating it as the ordinary value 0.
var missingVal = math.NaN()

func (t *PseudoBayesTuner) featureRow(ks knob.KnobSet) []float64 {
	row := make([]float64, len(t.knobIDs))
	for i, id := range t.knobIDs {
		k, ok := ks.Lookup(id)
		if !ok || k.Unset {
			row[i] = missingVal
			continue
		}
		switch k.Kind {
		case knob.KindInt:
			row[i] = float64(k.IntVal) // unscaled, per ConfigMatrix's comment
		default:
			row[i] = k.Value()
		}
	}
	return row
}

// bestVersion returns the non-broken CodeVersion (the original included) with
// the highest mean observed IPC, or false if none has any observations.
func (t *PseudoBayesTuner) bestVersion() (*codeversion.CodeVersion, bool) {
	var best *codeversion.CodeVersion
	bestMean := 0.0
	for _, cv := range t.versions {
		if cv.Broken || cv.Quality.Size() == 0 {
			continue
		}
		m := cv.Quality.Mean()
		if best == nil || m > bestMean {
			best, bestMean = cv, m
		}
	}
	return best, best != nil
}

// generateConfigs trains the surrogate on every observed (config, IPC)
// pair and refills the Top queue with the most promising unobserved
// candidates, per PseudoBayesTuner.cpp's generateConfigs +
// surrogateSearch.
func (t *PseudoBayesTuner) generateConfigs() error {
	if t.manager.Size() < t.params.MinPrior {
		return ErrInsufficientPrior
	}
	rows := t.trainingRows()
	if len(rows) < t.params.MinPrior {
		return ErrInsufficientPrior
	}

	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = t.featureRow(r.ks)
		y[i] = r.ipc
	}

	gbtParams := DefaultGBTParams()
	if t.params.LearnIters > 0 {
		gbtParams.MaxRounds = t.params.LearnIters
	}
	model := TrainGBT(x, y, gbtParams, t.params.HeldoutRatio, t.rng)

	if ks, ok := t.manager.GenExpertOpinion(t.baseKnobs); ok {
		t.manager.AddTop(ks)
	}

	best, haveBest := t.bestVersion()
	baseForNearby := t.baseKnobs
	if haveBest && len(best.Configs) > 0 {
		baseForNearby = best.Configs[0]
	}

	type scored struct {
		ks      knob.KnobSet
		quality float64
	}
	candidates := make([]scored, 0, t.params.SearchSz)
	for i := 0; i < t.params.SearchSz; i++ {
		var ks knob.KnobSet
		if t.rng.Float64() < t.params.SurrogateExploreRatio {
			ks = t.manager.GenRandom(t.baseKnobs, t.rng)
		} else {
			ks = t.manager.GenNearby(baseForNearby, t.rng, t.params.EnergyLvl)
		}
		quality := model.Predict(t.featureRow(ks))
		t.manager.SetPredictedQuality(ks, quality)
		candidates = append(candidates, scored{ks: ks, quality: quality})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].quality > candidates[j].quality })

	n := t.params.exploitBatchSz()
	if n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		t.manager.AddTop(candidates[i].ks)
	}
	return nil
}

// Package config loads and validates Halo's server-settings file: the
// JSON hyperparameter object plus knob/loopKnob spec arrays from
// spec.md §6. Grounded on the teacher's pkg/config/config.go (same
// Load/Validate split, same "fatal at startup on parse failure"
// policy) and, for the JSON decoding idiom specifically, the teacher's
// own pkg/fuzz/runner.go (encoding/json for structured file I/O
// alongside yaml elsewhere in the same repo).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jihwankim/haloserver/pkg/knob"
	"gopkg.in/yaml.v3"
)

// ServerSettings holds every numeric hyperparameter named in spec.md
// §6's serverSettings object.
type ServerSettings struct {
	BakeoffSwitchRate    int     `json:"bakeoff-switch-rate" yaml:"bakeoff-switch-rate"`
	BakeoffMaxSwitches   int     `json:"bakeoff-max-switches" yaml:"bakeoff-max-switches"`
	BakeoffMinSamples    int     `json:"bakeoff-min-samples" yaml:"bakeoff-min-samples"`
	BakeoffConfidence    int     `json:"bakeoff-confidence" yaml:"bakeoff-confidence"`
	PerfSamplePeriod     uint64  `json:"perf-sample-period" yaml:"perf-sample-period"`
	CallFreqDiscount     float64 `json:"callfreq-discount" yaml:"callfreq-discount"`
	PBTunerLearnIters    int     `json:"pbtuner-learn-iters" yaml:"pbtuner-learn-iters"`
	PBTunerBatchSize     int     `json:"pbtuner-batch-size" yaml:"pbtuner-batch-size"`
	PBTunerSurrogateSz   int     `json:"pbtuner-surrogate-batch-size" yaml:"pbtuner-surrogate-batch-size"`
	PBTunerMinPrior      int     `json:"pbtuner-min-prior" yaml:"pbtuner-min-prior"`
	PBTunerHeldoutRatio  float64 `json:"pbtuner-heldout-ratio" yaml:"pbtuner-heldout-ratio"`
	PBTunerExploreRatio  float64 `json:"pbtuner-explore-ratio" yaml:"pbtuner-explore-ratio"`
	PBTunerSurrogateExplore float64 `json:"pbtuner-surrogate-explore-ratio" yaml:"pbtuner-surrogate-explore-ratio"`
	PBTunerEnergyLevel   float64 `json:"pbtuner-energy-level" yaml:"pbtuner-energy-level"`
	TSMaxDupesRow        int     `json:"ts-max-dupes-row" yaml:"ts-max-dupes-row"`
	Seed                 int64   `json:"seed" yaml:"seed"`
}

// KnobSpec is one entry of the top-level knobs/loopKnobs arrays.
type KnobSpec struct {
	Kind    string  `json:"kind" yaml:"kind"` // flag | int | optlvl
	Name    string  `json:"name" yaml:"name"`
	Default *int64  `json:"default" yaml:"default"`
	Min     int64   `json:"min" yaml:"min"`
	Max     int64   `json:"max" yaml:"max"`
	Scale   string  `json:"scale" yaml:"scale"` // none | 1/2 | 1/100 | log
}

// File is the full on-disk server-settings document.
type File struct {
	ServerSettings ServerSettings `json:"serverSettings" yaml:"serverSettings"`
	Knobs          []KnobSpec     `json:"knobs" yaml:"knobs"`
	LoopKnobs      []KnobSpec     `json:"loopKnobs" yaml:"loopKnobs"`
}

// Load reads a server-settings file. JSON is the mandatory format per
// spec.md §6; a ".yaml"/".yml" extension is accepted as a legacy
// fallback, mirroring the teacher's own yaml-based scenario files.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse json %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks every range invariant spec.md §6 names, aggregating
// every violation into one error (mirroring the teacher's
// scenario/validator.Validate aggregate-error style).
func Validate(f *File) error {
	var errs []string
	s := f.ServerSettings

	if s.BakeoffConfidence != 95 && s.BakeoffConfidence != 99 {
		errs = append(errs, fmt.Sprintf("bakeoff-confidence must be 95 or 99, got %d", s.BakeoffConfidence))
	}
	if s.BakeoffMinSamples < 2 {
		errs = append(errs, fmt.Sprintf("bakeoff-min-samples must be >= 2, got %d", s.BakeoffMinSamples))
	}
	if s.BakeoffSwitchRate < 1 {
		errs = append(errs, fmt.Sprintf("bakeoff-switch-rate must be >= 1, got %d", s.BakeoffSwitchRate))
	}
	if s.BakeoffMaxSwitches < 0 {
		errs = append(errs, fmt.Sprintf("bakeoff-max-switches must be >= 0, got %d", s.BakeoffMaxSwitches))
	}
	if s.PBTunerHeldoutRatio <= 0 || s.PBTunerHeldoutRatio >= 1 {
		errs = append(errs, fmt.Sprintf("pbtuner-heldout-ratio must be in (0,1), got %v", s.PBTunerHeldoutRatio))
	}
	if s.PBTunerExploreRatio < 0 || s.PBTunerExploreRatio > 1 {
		errs = append(errs, fmt.Sprintf("pbtuner-explore-ratio must be in [0,1], got %v", s.PBTunerExploreRatio))
	}
	if s.PBTunerSurrogateExplore < 0 || s.PBTunerSurrogateExplore > 1 {
		errs = append(errs, fmt.Sprintf("pbtuner-surrogate-explore-ratio must be in [0,1], got %v", s.PBTunerSurrogateExplore))
	}
	if s.PBTunerEnergyLevel < 0 || s.PBTunerEnergyLevel > 100 {
		errs = append(errs, fmt.Sprintf("pbtuner-energy-level must be in [0,100], got %v", s.PBTunerEnergyLevel))
	}
	if s.TSMaxDupesRow < 1 {
		errs = append(errs, fmt.Sprintf("ts-max-dupes-row must be >= 1, got %d", s.TSMaxDupesRow))
	}

	for _, ks := range [][]KnobSpec{f.Knobs, f.LoopKnobs} {
		for _, spec := range ks {
			if err := validateKnobSpec(spec); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid server settings:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateKnobSpec(spec KnobSpec) error {
	switch spec.Kind {
	case "flag", "int", "optlvl":
	default:
		return fmt.Errorf("knob %q: unknown kind %q", spec.Name, spec.Kind)
	}
	if spec.Kind == "int" && spec.Min > spec.Max {
		return fmt.Errorf("knob %q: min %d > max %d", spec.Name, spec.Min, spec.Max)
	}
	switch spec.Scale {
	case "", "none", "1/2", "1/100", "log":
	default:
		return fmt.Errorf("knob %q: unknown scale %q", spec.Name, spec.Scale)
	}
	return nil
}

func scaleOf(s string) knob.Scale {
	switch s {
	case "1/2":
		return knob.ScaleHalf
	case "1/100":
		return knob.ScaleHundredth
	case "log":
		return knob.ScaleLog
	default:
		return knob.ScaleNone
	}
}

// BuildBaseKnobSet materializes the top-level (non-loop) knobs array
// into a knob.KnobSet using each spec's default (or Min, if no default
// is given).
func BuildBaseKnobSet(specs []KnobSpec) (knob.KnobSet, error) {
	ks := knob.NewKnobSet()
	for _, spec := range specs {
		k, err := buildKnob(spec, "")
		if err != nil {
			return ks, err
		}
		if err := ks.Insert(k); err != nil {
			return ks, fmt.Errorf("config: knob %q: %w", spec.Name, err)
		}
	}
	return ks, nil
}

// BuildLoopKnobSet expands loopSpecs into loop{i}-{name} knobs for
// every i in [0,loopCount), per spec.md line 37 and grounded on the
// original's KnobSet::InitializeKnobs
// (original_source/tools/haloserver/KnobSet.cpp:160-190), which calls
// addKnob(Spec, Knobs, i) for every loop index and every loopKnobs
// entry. Mirrors the original's AtLeastOneLoopOption guard: LoopCount
// is only recorded on the returned set if at least one loop knob was
// actually materialized.
func BuildLoopKnobSet(loopSpecs []KnobSpec, loopCount int) (knob.KnobSet, error) {
	ks := knob.NewKnobSet()
	materialized := false
	for i := 0; i < loopCount; i++ {
		for _, spec := range loopSpecs {
			k, err := buildKnob(spec, knob.LoopKnobID(i, spec.Name))
			if err != nil {
				return ks, err
			}
			if err := ks.Insert(k); err != nil {
				return ks, fmt.Errorf("config: loop knob %q: %w", k.ID, err)
			}
			materialized = true
		}
	}
	if materialized {
		ks.LoopCount = loopCount
	}
	return ks, nil
}

// buildKnob constructs a single Knob from spec, using id as the knob's
// id when non-empty (loop-expanded) or spec.Name otherwise.
func buildKnob(spec KnobSpec, id string) (knob.Knob, error) {
	name := spec.Name
	if id != "" {
		name = id
	}
	def := spec.Min
	if spec.Default != nil {
		def = *spec.Default
	}
	switch spec.Kind {
	case "flag":
		return knob.NewFlag(name, def != 0), nil
	case "int":
		return knob.NewInt(name, def, spec.Min, spec.Max, scaleOf(spec.Scale)), nil
	case "optlvl":
		return knob.NewOptLvl(name, knob.OptLevel(def)), nil
	default:
		return knob.Knob{}, fmt.Errorf("config: unknown knob kind %q for %q", spec.Kind, spec.Name)
	}
}

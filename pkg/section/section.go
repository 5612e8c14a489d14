// Package section implements Halo's AdaptiveTuningSection: the
// top-level per-group scheduler coordinating the PseudoBayesTuner,
// CompilationManager, Bakeoff, and StatisticalStopper into one state
// machine, per spec.md §4.4. Grounded on
// original_source/tools/haloserver/AdaptiveTuningSection.cpp for the
// transition structure (its retryNonBakeoffStep/goto pattern is
// re-expressed as an idiomatic Go loop instead of goto) and the
// teacher's pkg/core/orchestrator/orchestrator.go for the overall
// iota-enum-state-machine/String()/lifecycle shape.
package section

import (
	"math/rand"

	"github.com/jihwankim/haloserver/pkg/bakeoff"
	"github.com/jihwankim/haloserver/pkg/codeversion"
	"github.com/jihwankim/haloserver/pkg/compiler"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/jihwankim/haloserver/pkg/metrics"
	"github.com/jihwankim/haloserver/pkg/tuner"
	"github.com/rs/zerolog"
)

// State is where the section currently stands in its tuning cycle.
type State int

const (
	StateExperiment State = iota
	StateCompiling
	StateBakeoff
	StateMakeDecision
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateExperiment:
		return "Experiment"
	case StateCompiling:
		return "Compiling"
	case StateBakeoff:
		return "Bakeoff"
	case StateMakeDecision:
		return "MakeDecision"
	case StateWaiting:
		return "Waiting"
	default:
		return "Unknown"
	}
}

// Callbacks are the group-provided side effects a section drives. They
// broadcast to every client in the owning ClientGroup.
type Callbacks struct {
	Deploy            func(libName string)
	SetSamplingPeriod func(period uint64)
	Redirect          func(libName string)
	CurrentIPC        func(tuningRoot string) (ipc float64, ok bool)
	// SamplesConsumed reports the group's Profiler.SamplesConsumed
	// total, a genuinely monotonic counter (unlike a per-vertex
	// RandomQuantity's Size(), which saturates at its ring-buffer
	// capacity) — this is what drives Bakeoff.TakeStep's samplesSeen.
	SamplesConsumed func() uint64
}

// Params configures one section for its whole lifetime.
type Params struct {
	Bakeoff       bakeoff.Parameters
	MaxDupesInRow int
	ForceMerge    bool
	SamplePeriod  uint64
	Seed          int64
}

// Section is one ClientGroup's adaptive tuning scheduler.
type Section struct {
	Tuner    *tuner.PseudoBayesTuner
	Compiler *compiler.CompilationManager
	Stopper  tuner.StatisticalStopper
	Versions map[string]*codeversion.CodeVersion

	params  Params
	cb      Callbacks
	log     zerolog.Logger
	rng     *rand.Rand
	metrics *metrics.Registry
	groupID string

	bitcode    []byte
	tuningRoot string
	bestLib    string

	state                   State
	bo                      *bakeoff.Bakeoff
	duplicateCompilesInARow int
	inFlightKnobs           map[string]knob.KnobSet
}

// New builds a Section starting in Experiment against the
// codeversion.OriginalLibName sentinel as bestLib. versions must
// already contain an entry for codeversion.OriginalLibName (built via
// codeversion.NewOriginal), seeded by the owning ClientGroup at
// enrollment time.
func New(params Params, t *tuner.PseudoBayesTuner, cm *compiler.CompilationManager, versions map[string]*codeversion.CodeVersion, bitcode []byte, cb Callbacks, log zerolog.Logger, reg *metrics.Registry, groupID string) *Section {
	return &Section{
		Tuner:         t,
		Compiler:      cm,
		Stopper:       tuner.StatisticalStopper{SpaceSize: 0},
		Versions:      versions,
		params:        params,
		cb:            cb,
		log:           log,
		rng:           rand.New(rand.NewSource(params.Seed)),
		metrics:       reg,
		groupID:       groupID,
		bitcode:       bitcode,
		bestLib:       codeversion.OriginalLibName,
		state:         StateExperiment,
		inFlightKnobs: make(map[string]knob.KnobSet),
	}
}

// State returns the section's current state.
func (s *Section) State() State { return s.state }

// BestLib returns the currently-preferred library name.
func (s *Section) BestLib() string { return s.bestLib }

// SetTuningRoot updates the function name the section is tuning
// against, as the Profiler's chosen tuning root shifts.
func (s *Section) SetTuningRoot(name string) { s.tuningRoot = name }

// Tick advances the section by one scheduler step.
func (s *Section) Tick() {
	if s.state == StateBakeoff {
		s.tickBakeoff()
		s.recordMetrics()
		return
	}

	// Non-bakeoff prelude: re-assert bestLib and redirect all clients
	// (covers reconnects), and disable sampling.
	s.cb.Deploy(s.bestLib)
	s.cb.Redirect(s.bestLib)
	s.cb.SetSamplingPeriod(0)

	switch s.state {
	case StateWaiting:
		// terminal exploitation state; stay.
	case StateMakeDecision:
		s.tickMakeDecision()
	case StateCompiling:
		s.tickCompiling()
	case StateExperiment:
		s.tickExperiment()
	}
	s.recordMetrics()
}

// recordMetrics pushes the section's current state onto every gauge
// named in SPEC_FULL.md §B. A nil registry (metrics disabled) makes
// this a no-op.
func (s *Section) recordMetrics() {
	if s.metrics == nil {
		return
	}
	if ipc, ok := s.cb.CurrentIPC(s.tuningRoot); ok {
		s.metrics.IPC.WithLabelValues(s.groupID, s.bestLib).Set(ipc)
	}
	s.metrics.CompileQueueSize.WithLabelValues(s.groupID).Set(float64(s.Compiler.InFlightCount()))
	s.metrics.SamplesConsumed.WithLabelValues(s.groupID).Set(float64(s.cb.SamplesConsumed()))
	if p, ok := s.Stopper.UniqueCompileProbability(s.Versions); ok {
		s.metrics.PUnique.WithLabelValues(s.groupID).Set(p)
	}
	if s.bo != nil {
		s.metrics.BakeoffSwitches.WithLabelValues(s.groupID).Set(float64(s.bo.Switches()))
	}
}

func (s *Section) tickMakeDecision() {
	if s.Stopper.ShouldStop(s.Versions) {
		s.state = StateWaiting
		return
	}
	s.state = StateExperiment
}

func (s *Section) tickExperiment() {
	for {
		ks := s.Tuner.GetConfig()
		name := s.Compiler.EnqueueCompilation(s.bitcode, ks)
		s.inFlightKnobs[name] = ks
		if !s.Tuner.NextIsPredetermined() {
			break
		}
	}
	s.state = StateCompiling
}

func (s *Section) tickCompiling() {
	if s.Compiler.InFlightCount() == 0 {
		// everything in flight turned out to be duplicates already
		// drained; nothing left to wait on.
		s.state = StateExperiment
		return
	}

	job, ok := s.Compiler.DequeueCompilation()
	if !ok {
		return // front job not finished yet; stay in Compiling
	}
	ks := s.inFlightKnobs[job.UniqueJobName]
	delete(s.inFlightKnobs, job.UniqueJobName)

	if job.Result.Err != nil {
		s.log.Warn().Str("job", job.UniqueJobName).Err(job.Result.Err).Msg("compile failed")
		broken := codeversion.New(job.UniqueJobName, job.Result.ObjFile, ks)
		broken.Broken = true
		s.Versions[broken.LibName] = broken
		s.onDuplicateOrFailedCompile()
		return
	}

	candidate := codeversion.New(job.UniqueJobName, job.Result.ObjFile, ks)
	if merged := s.tryMergeIntoExisting(candidate); merged {
		s.onDuplicateOrFailedCompile()
		return
	}

	s.Versions[candidate.LibName] = candidate
	s.duplicateCompilesInARow = 0
	s.startBakeoff(candidate.LibName)
}

func (s *Section) tryMergeIntoExisting(candidate *codeversion.CodeVersion) bool {
	for _, existing := range s.Versions {
		if existing.TryMerge(candidate) {
			return true
		}
	}
	return false
}

// onDuplicateOrFailedCompile implements spec.md §4.4's duplicate-gate:
// under MAX_DUPES_IN_ROW, go fetch another config; at the threshold,
// either start a bakeoff against a random known version, or — if fewer
// than 2 versions exist at all — skip straight to MakeDecision.
func (s *Section) onDuplicateOrFailedCompile() {
	s.duplicateCompilesInARow++
	if s.duplicateCompilesInARow < s.params.MaxDupesInRow {
		s.state = StateExperiment
		return
	}
	s.duplicateCompilesInARow = 0

	if s.nonBrokenVersionCount() < 2 {
		s.state = StateMakeDecision
		return
	}
	challenger := s.randomVersionExcept(s.bestLib)
	s.startBakeoff(challenger)
}

// nonBrokenVersionCount excludes CodeVersions marked Broken (failed
// compiles) from the "do we have enough to bakeoff" count — a broken
// lib is never a usable bakeoff side.
func (s *Section) nonBrokenVersionCount() int {
	n := 0
	for _, cv := range s.Versions {
		if !cv.Broken {
			n++
		}
	}
	return n
}

// randomVersionExcept never returns a lib whose CodeVersion is marked
// Broken: spec.md §7 forbids deploying or redirecting to a broken lib,
// so it must never even be selected as a bakeoff challenger.
func (s *Section) randomVersionExcept(exclude string) string {
	names := make([]string, 0, len(s.Versions))
	for name, cv := range s.Versions {
		if name != exclude && !cv.Broken {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return exclude
	}
	return names[s.rng.Intn(len(names))]
}

func (s *Section) startBakeoff(challenger string) {
	if cv, ok := s.Versions[challenger]; ok && cv.Broken {
		s.log.Warn().Str("lib", challenger).Msg("refusing to bakeoff against a broken lib")
		s.state = StateMakeDecision
		return
	}
	s.bo = bakeoff.New(s.params.Bakeoff, s.bestLib, challenger, challenger, s.cb.Deploy, s.cb.SetSamplingPeriod)
	s.state = StateBakeoff
}

func (s *Section) tickBakeoff() {
	ipc, ok := s.cb.CurrentIPC(s.tuningRoot)
	if !ok {
		ipc = 0
	}
	status := s.bo.TakeStep(ipc, s.cb.SamplesConsumed(), s.params.SamplePeriod)

	switch status {
	case bakeoff.InProgress, bakeoff.PayingDebt:
		return
	case bakeoff.NewIsBetter, bakeoff.CurrentIsBetter:
		winner, _ := s.bo.GetWinner()
		s.bestLib = winner
		s.bo = nil
		s.state = StateMakeDecision
	case bakeoff.Timeout:
		loser := s.bo.NewLibName
		if s.params.ForceMerge {
			if best, ok := s.Versions[s.bestLib]; ok {
				if lib, ok := s.Versions[loser]; ok && !lib.IsOriginalLib() {
					best.ForceMerge(lib)
					delete(s.Versions, loser)
				}
			}
		}
		s.bo = nil
		s.state = StateMakeDecision
	}
}

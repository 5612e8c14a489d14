package compiler

import (
	"fmt"

	"github.com/jihwankim/haloserver/pkg/knob"
)

// Pipeline is the externally supplied compiler: bitcode plus a
// configuration in, an object file or an error out. Halo treats the
// actual compilation toolchain as an external collaborator (spec.md
// §1's "compiler internals are out of scope") — this is a pure
// function contract, not an interface, so tests can supply a trivial
// stub.
type Pipeline func(bitcode []byte, knobs knob.KnobSet) ([]byte, error)

// CompileResult is the outcome of running the Pipeline once.
type CompileResult struct {
	ObjFile []byte
	Err     error
}

// FinishedJob is a completed compilation, identified by the unique
// library name genName assigned it at submission time.
type FinishedJob struct {
	UniqueJobName string
	Result        CompileResult
}

type promisedJob struct {
	uniqueName string
	future     *Future[CompileResult]
}

// CompilationManager runs compile jobs on a bounded ThreadPool and
// hands back finished ones in submission order, never blocking and
// never reordering. Grounded on CompilationManager.h.
type CompilationManager struct {
	pool     *ThreadPool
	pipeline Pipeline
	inFlight []promisedJob
}

// NewCompilationManager returns a manager driving pipeline on pool.
func NewCompilationManager(pool *ThreadPool, pipeline Pipeline) *CompilationManager {
	return &CompilationManager{pool: pool, pipeline: pipeline}
}

// genName mints a unique library name from the pool's ticket counter,
// matching CompilationManager::genName's "#lib_N#" format.
func (m *CompilationManager) genName() string {
	return fmt.Sprintf("#lib_%d#", m.pool.GenTicket())
}

// EnqueueCompilation submits one compile job and returns the unique
// name it was assigned.
func (m *CompilationManager) EnqueueCompilation(bitcode []byte, knobs knob.KnobSet) string {
	name := m.genName()
	future := AsyncRet(m.pool, func() (CompileResult, error) {
		obj, err := m.pipeline(bitcode, knobs)
		return CompileResult{ObjFile: obj, Err: err}, nil
	})
	m.inFlight = append(m.inFlight, promisedJob{uniqueName: name, future: future})
	return name
}

// DequeueCompilation checks only the front of the in-flight list (never
// blocks, never reorders, matching the original exactly): if it's
// ready, it's popped and returned; otherwise false, even if a later job
// happens to already be done.
func (m *CompilationManager) DequeueCompilation() (FinishedJob, bool) {
	if len(m.inFlight) == 0 {
		return FinishedJob{}, false
	}
	front := m.inFlight[0]
	if !front.future.Ready() {
		return FinishedJob{}, false
	}
	result, _ := front.future.Get()
	m.inFlight = m.inFlight[1:]
	return FinishedJob{UniqueJobName: front.uniqueName, Result: result}, true
}

// InFlightCount returns the number of compile jobs still queued or
// running.
func (m *CompilationManager) InFlightCount() int {
	return len(m.inFlight)
}

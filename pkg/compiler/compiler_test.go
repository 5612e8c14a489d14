package compiler

import (
	"errors"
	"testing"
	"time"

	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForDequeue(t *testing.T, m *CompilationManager, timeout time.Duration) FinishedJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if job, ok := m.DequeueCompilation(); ok {
			return job
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a finished compile job")
	return FinishedJob{}
}

func TestGenNameFormatIsMonotonicTickets(t *testing.T) {
	pool := NewThreadPool(2)
	defer pool.StopWait()
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		return bitcode, nil
	})

	name1 := m.EnqueueCompilation([]byte("a"), knob.NewKnobSet())
	name2 := m.EnqueueCompilation([]byte("b"), knob.NewKnobSet())
	assert.Equal(t, "#lib_0#", name1)
	assert.Equal(t, "#lib_1#", name2)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	pool := NewThreadPool(2)
	defer pool.StopWait()
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		return append([]byte("compiled:"), bitcode...), nil
	})

	m.EnqueueCompilation([]byte("bc"), knob.NewKnobSet())
	job := waitForDequeue(t, m, time.Second)

	assert.Equal(t, "#lib_0#", job.UniqueJobName)
	require.NoError(t, job.Result.Err)
	assert.Equal(t, "compiled:bc", string(job.Result.ObjFile))
	assert.Equal(t, 0, m.InFlightCount())
}

func TestDequeueNonBlockingWhenFrontNotReady(t *testing.T) {
	pool := NewThreadPool(2)
	defer pool.StopWait()
	release := make(chan struct{})
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		<-release
		return bitcode, nil
	})

	m.EnqueueCompilation([]byte("slow"), knob.NewKnobSet())

	_, ok := m.DequeueCompilation()
	assert.False(t, ok, "dequeue must return immediately, not block on the in-flight job")

	close(release)
	job := waitForDequeue(t, m, time.Second)
	assert.Equal(t, "#lib_0#", job.UniqueJobName)
}

func TestDequeueNeverReordersEvenWhenSecondJobFinishesFirst(t *testing.T) {
	pool := NewThreadPool(4)
	defer pool.StopWait()
	releaseFirst := make(chan struct{})
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		if string(bitcode) == "first" {
			<-releaseFirst
		}
		return bitcode, nil
	})

	m.EnqueueCompilation([]byte("first"), knob.NewKnobSet())
	m.EnqueueCompilation([]byte("second"), knob.NewKnobSet())

	time.Sleep(20 * time.Millisecond) // let "second" finish well before "first"

	_, ok := m.DequeueCompilation()
	assert.False(t, ok, "front job is still in-flight; dequeue must not skip ahead to the finished second job")

	close(releaseFirst)
	job := waitForDequeue(t, m, time.Second)
	assert.Equal(t, "first", string(job.Result.ObjFile))

	job2 := waitForDequeue(t, m, time.Second)
	assert.Equal(t, "second", string(job2.Result.ObjFile))
}

func TestDequeueOnEmptyQueueReturnsFalse(t *testing.T) {
	pool := NewThreadPool(1)
	defer pool.StopWait()
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		return nil, nil
	})
	_, ok := m.DequeueCompilation()
	assert.False(t, ok)
}

func TestPipelineErrorPropagatesThroughFinishedJob(t *testing.T) {
	pool := NewThreadPool(1)
	defer pool.StopWait()
	wantErr := errors.New("compile failed")
	m := NewCompilationManager(pool, func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		return nil, wantErr
	})
	m.EnqueueCompilation([]byte("bad"), knob.NewKnobSet())
	job := waitForDequeue(t, m, time.Second)
	assert.Equal(t, wantErr, job.Result.Err)
}

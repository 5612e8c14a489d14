// Package compiler implements Halo's compilation queue: a bounded
// worker pool running the (externally supplied) compilation pipeline,
// a FIFO in-flight job list that never reorders or blocks on drain,
// and ticket-based unique library naming. Grounded on
// original_source/include/halo/server/{ThreadPool,CompilationManager}.h.
package compiler

import (
	"sync/atomic"

	"github.com/JekaMas/workerpool"
)

// ThreadPool wraps a bounded goroutine pool with future-returning
// submission and a per-pool monotonic ticket counter, mirroring
// ThreadPool.h's asyncRet/genTicket on top of the teacher's own
// workerpool dependency.
type ThreadPool struct {
	pool   *workerpool.WorkerPool
	ticket uint64
}

// NewThreadPool starts a pool with the given number of worker
// goroutines.
func NewThreadPool(workers int) *ThreadPool {
	return &ThreadPool{pool: workerpool.New(workers)}
}

// GenTicket returns a thread-safe, per-pool unique, monotonically
// increasing integer.
func (p *ThreadPool) GenTicket() uint64 {
	return atomic.AddUint64(&p.ticket, 1) - 1
}

// Future is the result of one asynchronously submitted job: Get blocks
// until the job finishes; Ready reports completion without blocking.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// AsyncRet submits fn to the pool and returns a Future for its result,
// mirroring ThreadPool::asyncRet.
func AsyncRet[T any](p *ThreadPool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.pool.Submit(func() {
		f.val, f.err = fn()
		close(f.done)
	})
	return f
}

// Ready reports whether the job has finished, without blocking —
// mirrors get_status(Future) == std::future_status::ready.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the job finishes and returns its result.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// StopWait waits for queued and running jobs to finish, then shuts the
// pool down.
func (p *ThreadPool) StopWait() {
	p.pool.StopWait()
}

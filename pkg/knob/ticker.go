package knob

import "sync/atomic"

// Ticker is a process-wide atomic monotonic counter for debug-friendly
// identifiers. Compile job names come from compiler.ThreadPool.GenTicket
// and client-group ids from uuid, not from a Ticker.
// Grounded on spec.md's "Global KnobTicker counter" design note. A
// fresh Ticker per test run is expected and fine.
type Ticker struct {
	n uint64
}

// Next returns the next value in the sequence, starting at 1.
func (t *Ticker) Next() uint64 {
	return atomic.AddUint64(&t.n, 1)
}

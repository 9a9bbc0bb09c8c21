// Package sync provides the synchronization primitives shared by the
// coordinator and the background schedulers.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce runs a function once until it is re-armed with ResetWith.
// The scheduler and the pruner use it to make Start idempotent and Stop
// re-armable.
//
// ResettableOnce is safe for concurrent use.
type ResettableOnce struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f unless it already ran since the last Reset. Concurrent callers
// block until the running f returns.
func (o *ResettableOnce) Do(f func()) {
	if o.done.Load() {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if !o.done.Load() {
		defer o.done.Store(true)
		f()
	}
}

// ResetWith runs f and re-arms the once, but only if it has run. It reports
// whether f was called.
func (o *ResettableOnce) ResetWith(f func()) bool {
	o.m.Lock()
	defer o.m.Unlock()

	if !o.done.Load() {
		return false
	}
	f()
	o.done.Store(false)
	return true
}

// Done reports whether Do has completed since the last ResetWith.
func (o *ResettableOnce) Done() bool {
	return o.done.Load()
}

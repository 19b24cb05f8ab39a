package dispatch

import (
	"container/heap"
	"time"
)

// Handle references one armed or suspended callback. The zero Handle is
// valid and refers to nothing: Cancel and Suspend on it are no-ops.
//
// A Handle is owning: at any time it is in exactly one of three states —
// scheduled (armed in the loop's heap), suspended (removed from the heap,
// its deadline retained), or discarded (fired or explicitly canceled, no
// longer tracked). Cancel and Suspend are idempotent with respect to this
// invariant: calling either on an already-discarded Handle does nothing.
type Handle struct {
	id   uint64
	loop *Loop
}

// Cancel discards the handle. If it was scheduled, the callback will never
// fire. Safe to call multiple times, and safe on a zero Handle.
func (h Handle) Cancel() {
	if h.loop == nil || h.id == 0 {
		return
	}
	e, ok := h.loop.byID[h.id]
	if !ok {
		return
	}
	if e.state == stateScheduled {
		heap.Remove(&h.loop.timers, e.index)
	}
	delete(h.loop.byID, h.id)
	e.state = stateDiscarded
}

// Suspend removes the handle from the loop's active heap without losing
// its deadline, and reports that deadline (the "sands" in keepalived's
// terminology) so the caller can later Resume it, e.g. across a config
// reload. Suspending an already-suspended or discarded Handle is a no-op
// and returns ok=false.
func (h Handle) Suspend() (deadline time.Time, ok bool) {
	if h.loop == nil || h.id == 0 {
		return time.Time{}, false
	}
	e, exists := h.loop.byID[h.id]
	if !exists || e.state != stateScheduled {
		return time.Time{}, false
	}
	heap.Remove(&h.loop.timers, e.index)
	delete(h.loop.byID, h.id)
	e.state = stateSuspended
	return e.deadline, true
}

// Resume re-arms cb at deadline and returns a fresh Handle. Used to bring
// a session's timers back after Suspend, typically at the same deadline
// that Suspend reported so the remaining detection window is preserved
// across a reload.
func (l *Loop) Resume(deadline time.Time, cb Callback) Handle {
	return l.Schedule(deadline, cb)
}

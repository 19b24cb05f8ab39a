package dispatch_test

import (
	"testing"
	"time"

	"github.com/lindenhall/bfdd/internal/dispatch"
)

func TestZeroHandleIsSafe(t *testing.T) {
	t.Parallel()

	var h dispatch.Handle
	h.Cancel() // must not panic

	deadline, ok := h.Suspend()
	if ok {
		t.Fatalf("Suspend on zero Handle: got ok=true, want false")
	}
	if !deadline.IsZero() {
		t.Fatalf("Suspend on zero Handle: got non-zero deadline %v", deadline)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	var h dispatch.Handle
	postSync(l, func() {
		h = l.ScheduleAfter(time.Second, func(time.Time) {})
	})

	postSync(l, func() {
		h.Cancel()
		h.Cancel() // second call must be a no-op, not a panic
	})
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	fired := make(chan struct{})
	var h dispatch.Handle
	postSync(l, func() {
		h = l.Immediate(func(time.Time) {
			close(fired)
		})
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate callback never ran")
	}

	// h's underlying entry is long discarded by now; Cancel must be a no-op.
	postSync(l, func() {
		h.Cancel()
	})
}

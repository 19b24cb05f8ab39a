package dispatch

import (
	"container/heap"
	"context"
	"log/slog"
	"time"
)

// Callback is invoked by the loop goroutine when a timer fires, when a
// posted function runs, or when an immediate event is drained.
type Callback func(now time.Time)

// idleTick is how long Run sleeps when no timers are armed before waking
// up (and calling the IdleFunc, if one was given). A Post wakes Run at
// once regardless of the tick.
const idleTick = 60 * time.Second

// Loop is a single-threaded cooperative event loop. The zero value is not
// usable; construct with New.
type Loop struct {
	clock Clock
	log   *slog.Logger

	timers timerHeap
	byID   map[uint64]*timerEntry
	nextID uint64

	posted chan func()
	idle   chan struct{}

	running chan struct{} // closed once Run's goroutine has exited
}

// New constructs a Loop. A nil logger discards log output.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		clock:   realClock{},
		log:     log.With(slog.String("component", "dispatch")),
		byID:    make(map[uint64]*timerEntry),
		posted:  make(chan func(), 64),
		idle:    make(chan struct{}, 1),
		running: make(chan struct{}),
	}
}

// WithClock overrides the loop's time source. Intended for tests; must be
// called before Run.
func (l *Loop) WithClock(c Clock) *Loop {
	l.clock = c
	return l
}

// IdleFunc is invoked on the loop goroutine after every timer wake-up (an
// idle tick, or fired timers) that leaves no timers armed.
type IdleFunc func(now time.Time)

// Run drives the loop until ctx is canceled. It owns the single goroutine
// that executes every Callback and every posted function; Run itself must
// be called from the goroutine the caller wants to dedicate to the loop,
// and blocks until ctx is done.
func (l *Loop) Run(ctx context.Context, onIdle IdleFunc) error {
	defer close(l.running)

	for {
		var timerC <-chan time.Time
		var stop func() bool

		if len(l.timers) > 0 {
			d := l.timers[0].deadline.Sub(l.clock.Now())
			if d < 0 {
				d = 0
			}
			timerC, stop = l.clock.NewTimer(d)
		} else {
			timerC, stop = l.clock.NewTimer(idleTick)
		}

		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()

		case fn := <-l.posted:
			stop()
			fn()

		case now := <-timerC:
			l.fireDue(now)
			if len(l.timers) == 0 && onIdle != nil {
				onIdle(now)
			}
		}
	}
}

// Stopped reports whether Run has returned.
func (l *Loop) Stopped() <-chan struct{} { return l.running }

// fireDue pops and invokes every timer entry whose deadline has passed.
func (l *Loop) fireDue(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		delete(l.byID, e.id)
		e.state = stateDiscarded
		e.cb(now)
	}
}

// Post queues fn to run on the loop goroutine and returns immediately.
// Safe to call from any goroutine, including before Run starts (fn is
// buffered and runs once Run begins selecting). Post is how a UDP reader
// goroutine, an admin HTTP handler, or a signal handler hands work to the
// loop without taking a lock on session state.
func (l *Loop) Post(fn func()) {
	l.posted <- fn
}

// Immediate schedules cb to run on the next loop iteration with no delay —
// the Poll-to-Final fast path, and the general "run this now, not at a
// deadline" primitive. Equivalent to Schedule at the current time.
func (l *Loop) Immediate(cb Callback) Handle {
	return l.Schedule(l.clock.Now(), cb)
}

// Schedule arms cb to fire at deadline and returns a Handle for later
// Cancel or Suspend. Must be called from the loop goroutine (i.e. from
// inside a Callback, or via Post).
func (l *Loop) Schedule(deadline time.Time, cb Callback) Handle {
	l.nextID++
	e := &timerEntry{
		id:       l.nextID,
		deadline: deadline,
		cb:       cb,
		state:    stateScheduled,
	}
	heap.Push(&l.timers, e)
	l.byID[e.id] = e
	return Handle{id: e.id, loop: l}
}

// ScheduleAfter arms cb to fire after d elapses.
func (l *Loop) ScheduleAfter(d time.Duration, cb Callback) Handle {
	return l.Schedule(l.clock.Now().Add(d), cb)
}

// Now returns the loop's current time, via its Clock.
func (l *Loop) Now() time.Time { return l.clock.Now() }

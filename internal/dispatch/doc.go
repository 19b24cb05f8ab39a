// Package dispatch implements a single-threaded cooperative event loop.
//
// Loop.Run owns exactly one goroutine. Every timer callback, every posted
// function, and every immediate event it fires runs on that goroutine, so
// callers (session FSM code in internal/bfd, session-store reconciliation
// in internal/store) never need locks around the state those callbacks
// touch. Work originating on other goroutines — a UDP reader, an admin
// HTTP handler, a signal handler — reaches the loop goroutine only through
// Post, which is the one channel-guarded entry point.
//
// The design is modeled on keepalived's thread_t/master scheduler: a
// min-heap of armed timers ordered by absolute deadline. Work that must run
// on the next loop iteration with no delay (the Poll-to-Final fast path)
// goes through Immediate, which arms a timer at the current time in that
// same heap. A Handle is tri-state — scheduled,
// suspended, or discarded — matching keepalived's thread_add_timer /
// thread_cancel / sands-capture-on-suspend lifecycle.
package dispatch

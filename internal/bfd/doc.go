// Package bfd implements the core BFD protocol (RFC 5880).
//
// This includes the FSM (Section 6.8), the session data model, the packet
// codec, and discriminator allocation. Authentication, the echo function,
// locally-originated demand mode, multipoint BFD, and multi-hop BFD are
// all out of scope: the A bit is rejected unconditionally on receipt and
// never set on transmit, and every session here is single-hop.
//
// Session objects are mutated exclusively by the dispatcher loop
// (internal/dispatch); nothing in this package is safe for concurrent use
// from multiple goroutines.
package bfd

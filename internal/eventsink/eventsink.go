// Package eventsink implements the unidirectional, byte-oriented
// state-change record channel, grounded on keepalived's bfd_event.c:
// keepalived writes a fixed bfd_event_t (instance name + state + send
// time) down a pipe to its parent process on every state entry. This
// package adapts that design into a Go channel of fixed-layout byte
// records, so an external consumer can tail state changes without
// depending on this module's types.
package eventsink

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/lindenhall/bfdd/internal/bfd"
)

// nameSize mirrors keepalived's BFD_INAME_MAX (32, including the
// terminating NUL keepalived's C string carries; Go pads with zero bytes
// instead).
const nameSize = 32

// RecordSize is the on-wire size of one record: 32-byte name + 1-byte
// state + 8-byte big-endian timestamp in Unix nanoseconds. The timestamp
// is taken from the wall clock and is not monotonic.
const RecordSize = nameSize + 1 + 8

// EncodeRecord serializes sc into buf (which must be at least RecordSize
// long) and returns the number of bytes written. Names longer than
// nameSize bytes are truncated to nameSize, leaving no terminating zero
// byte; this should never happen since the store never admits a name over
// 31 bytes.
func EncodeRecord(buf []byte, sc bfd.StateChange) int {
	var nameBuf [nameSize]byte
	copy(nameBuf[:], sc.Name)
	copy(buf[0:nameSize], nameBuf[:])
	buf[nameSize] = byte(sc.NewState)
	binary.BigEndian.PutUint64(buf[nameSize+1:nameSize+1+8], uint64(sc.Timestamp.UnixNano())) //nolint:gosec // G115: UnixNano is never negative for realistic timestamps
	return RecordSize
}

// DecodeRecord parses a RecordSize-byte record back into a name, state,
// and timestamp. Used by tests and by any out-of-process consumer written
// in Go; external consumers in other languages read the same three fields
// directly off the wire.
func DecodeRecord(buf []byte) (name string, state bfd.State, ts time.Time, ok bool) {
	if len(buf) < RecordSize {
		return "", 0, time.Time{}, false
	}
	nameBuf := buf[0:nameSize]
	end := nameSize
	for i, b := range nameBuf {
		if b == 0 {
			end = i
			break
		}
	}
	name = string(nameBuf[:end])
	state = bfd.State(buf[nameSize])
	ns := binary.BigEndian.Uint64(buf[nameSize+1 : nameSize+1+8])
	ts = time.Unix(0, int64(ns)) //nolint:gosec // G115: records are produced by EncodeRecord, never adversarial
	return name, state, ts, true
}

// Sink implements bfd.EventSink by encoding each state change into a
// fixed-layout record and delivering it on Records. Delivery is
// best-effort: a full channel drops the record and logs at Debug, since
// session state itself remains authoritative (Section 4.7 design note:
// "a lost event never corrupts protocol state, only observability").
type Sink struct {
	records chan []byte
	log     *slog.Logger
}

// New constructs a Sink with the given channel capacity (the keepalived
// pipe is unbounded up to OS pipe buffer size; here the caller picks a
// bound explicitly since Go channels cannot grow).
func New(capacity int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sink{
		records: make(chan []byte, capacity),
		log:     log.With(slog.String("component", "eventsink")),
	}
}

// Records returns the channel consumers should range over. Each value is
// exactly RecordSize bytes.
func (s *Sink) Records() <-chan []byte { return s.records }

// Emit implements bfd.EventSink. Must only be called from the session's
// owning dispatch.Loop goroutine, same as every other Session mutation.
func (s *Sink) Emit(sc bfd.StateChange) {
	buf := make([]byte, RecordSize)
	EncodeRecord(buf, sc)

	select {
	case s.records <- buf:
	default:
		s.log.Debug("event record dropped, consumer too slow",
			slog.String("session", sc.Name),
			slog.String("state", sc.NewState.String()),
		)
	}
}

// Close closes the Records channel. Callers must ensure no further Emit
// calls occur afterward (i.e. call this only after the owning sessions
// have stopped), or Emit will panic on a send to a closed channel.
func (s *Sink) Close() {
	close(s.records)
}

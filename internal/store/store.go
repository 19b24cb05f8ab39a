// Package store holds the collection of BFD sessions for one process,
// indexed by name, neighbor address, and local discriminator (Section 4.2),
// and exposes the CRUD and reload-reconciliation operations the daemon
// drives from its config loader.
//
// Every mutating method must run on the dispatch.Loop goroutine that owns
// the sessions it touches: Store does not take its own lock. This mirrors
// Section 5's single-threaded model — "all session state is mutated only
// from loop callbacks" — extended to the store's own indexes.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/lindenhall/bfdd/internal/bfd"
	"github.com/lindenhall/bfdd/internal/dispatch"
)

var (
	// ErrSessionNotFound indicates no session exists under the given name.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateName indicates a session already exists under the given
	// name (Section 4.2: duplicates at load are renamed and disabled by
	// the config loader before they ever reach the store).
	ErrDuplicateName = errors.New("duplicate session name")

	// ErrDuplicateNeighbor indicates a session already exists for the
	// given neighbor address.
	ErrDuplicateNeighbor = errors.New("duplicate neighbor address")

	// ErrDemuxNoMatch indicates no session matched an inbound packet
	// during demultiplexing (Section 4.2, Section 4.5).
	ErrDemuxNoMatch = errors.New("no matching session for incoming packet")
)

// PacketMeta carries the transport metadata needed for demultiplexing when
// an inbound packet's Your Discriminator is zero (Section 4.2: "otherwise
// lookup by source address").
type PacketMeta struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
}

// entry pairs a session with its store-level bookkeeping.
type entry struct {
	session *bfd.Session
}

// Store is the session collection described by Section 4.2. The zero
// value is not usable; construct with New.
type Store struct {
	loop *dispatch.Loop
	log  *slog.Logger

	discriminators *bfd.DiscriminatorAllocator

	byName   map[string]*entry
	byPeer   map[netip.Addr]*entry
	byDiscr  map[uint32]*entry
}

// New constructs an empty Store bound to loop. loop.Schedule et al. must
// only be invoked from loop's own goroutine thereafter.
func New(loop *dispatch.Loop, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{
		loop:           loop,
		log:            log.With(slog.String("component", "store")),
		discriminators: bfd.NewDiscriminatorAllocator(),
		byName:         make(map[string]*entry),
		byPeer:         make(map[netip.Addr]*entry),
		byDiscr:        make(map[uint32]*entry),
	}
}

// Discriminators exposes the store's allocator so session construction can
// be wired with bfd.WithReroller(store.Discriminators()).
func (st *Store) Discriminators() *bfd.DiscriminatorAllocator { return st.discriminators }

// Create allocates a discriminator, constructs a session, registers it
// under all three indexes, and starts its transmit timer.
//
// Returns ErrDuplicateName or ErrDuplicateNeighbor if either index already
// holds an entry for cfg.Name / cfg.PeerAddr — the config loader is
// expected to have already resolved name collisions into <DUP-N> renames
// (Section 4.2), so this is a defensive backstop, not the primary path.
func (st *Store) Create(cfg bfd.SessionConfig, sender bfd.PacketSender, sink bfd.EventSink, metrics bfd.MetricsReporter) (*bfd.Session, error) {
	if _, exists := st.byName[cfg.Name]; exists {
		return nil, fmt.Errorf("create session %q: %w", cfg.Name, ErrDuplicateName)
	}
	if _, exists := st.byPeer[cfg.PeerAddr]; exists {
		return nil, fmt.Errorf("create session %q: peer %s: %w", cfg.Name, cfg.PeerAddr, ErrDuplicateNeighbor)
	}

	discr, err := st.discriminators.Allocate()
	if err != nil {
		return nil, fmt.Errorf("create session %q: %w", cfg.Name, err)
	}

	sess, err := bfd.NewSession(cfg, discr, st.loop, sender, st.log,
		bfd.WithMetrics(metrics),
		bfd.WithEventSink(sink),
		bfd.WithReroller(st.discriminators),
	)
	if err != nil {
		st.discriminators.Release(discr)
		return nil, fmt.Errorf("create session %q: %w", cfg.Name, err)
	}

	e := &entry{session: sess}
	st.byName[cfg.Name] = e
	st.byPeer[cfg.PeerAddr] = e
	st.byDiscr[discr] = e

	if metrics != nil {
		metrics.RegisterSession(cfg.PeerAddr, cfg.LocalAddr)
	}

	sess.Start()

	st.log.Info("session created",
		slog.String("name", cfg.Name),
		slog.String("peer", cfg.PeerAddr.String()),
		slog.Uint64("local_discr", uint64(discr)),
	)

	return sess, nil
}

// Destroy removes the named session from all indexes and releases its
// discriminator. It first sets the session AdminDown and then suspends it,
// which cancels its transmit, expire and reset timers, so none of them
// fires afterwards.
func (st *Store) Destroy(name string) error {
	e, ok := st.byName[name]
	if !ok {
		return fmt.Errorf("destroy session %q: %w", name, ErrSessionNotFound)
	}

	sess := e.session
	sess.SetAdminDown()
	sess.Suspend()

	delete(st.byName, name)
	delete(st.byPeer, sess.PeerAddr())
	delete(st.byDiscr, sess.LocalDiscriminator())
	st.discriminators.Release(sess.LocalDiscriminator())

	st.log.Info("session destroyed", slog.String("name", name))
	return nil
}

// LookupByDiscriminator returns the session with the given local
// discriminator (Section 4.2 primary index).
func (st *Store) LookupByDiscriminator(discr uint32) (*bfd.Session, bool) {
	e, ok := st.byDiscr[discr]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// LookupByPeer returns the session matching the given neighbor address
// (Section 4.2 fallback index, used when Your Discriminator is zero).
func (st *Store) LookupByPeer(addr netip.Addr) (*bfd.Session, bool) {
	e, ok := st.byPeer[addr]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// LookupByName returns the session registered under name.
func (st *Store) LookupByName(name string) (*bfd.Session, bool) {
	e, ok := st.byName[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Demux routes an inbound, codec-validated packet to its session per
// Section 4.2: by Your Discriminator when nonzero, otherwise by source
// address. Returns ErrDemuxNoMatch if nothing matches; the caller (the
// receive task) logs and drops the datagram.
func (st *Store) Demux(pkt *bfd.ControlPacket, meta PacketMeta) (*bfd.Session, error) {
	if pkt.YourDiscriminator != 0 {
		sess, ok := st.LookupByDiscriminator(pkt.YourDiscriminator)
		if !ok {
			return nil, fmt.Errorf("demux: your discriminator %d: %w", pkt.YourDiscriminator, ErrDemuxNoMatch)
		}
		return sess, nil
	}

	sess, ok := st.LookupByPeer(meta.SrcAddr)
	if !ok {
		return nil, fmt.Errorf("demux: no session for peer %s: %w", meta.SrcAddr, ErrDemuxNoMatch)
	}
	return sess, nil
}

// Sessions returns every registered session, for snapshot listing.
func (st *Store) Sessions() []*bfd.Session {
	out := make([]*bfd.Session, 0, len(st.byName))
	for _, e := range st.byName {
		out = append(out, e.session)
	}
	return out
}

// Len reports how many sessions are currently registered.
func (st *Store) Len() int { return len(st.byName) }

// DrainAll transitions every session to AdminDown (Section 4.3 "->
// AdminDown"), used on graceful shutdown so peers see an intentional
// signal rather than a silent expiry.
func (st *Store) DrainAll() {
	for _, e := range st.byName {
		e.session.SetAdminDown()
	}
	st.log.Info("all sessions set to AdminDown for shutdown", slog.Int("count", len(st.byName)))
}

// SuspendAll captures and cancels every session's timers, the first half
// of Section 4.8's reload sequence.
func (st *Store) SuspendAll() {
	for _, e := range st.byName {
		e.session.Suspend()
	}
}

// ResumeAll re-arms every session's timers at their suspended deadlines,
// the second half of Section 4.8's reload sequence.
func (st *Store) ResumeAll() {
	for _, e := range st.byName {
		e.session.Resume()
	}
}

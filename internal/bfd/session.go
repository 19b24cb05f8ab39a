package bfd

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/lindenhall/bfdd/internal/dispatch"
)

// -------------------------------------------------------------------------
// Session Configuration
// -------------------------------------------------------------------------

// SessionConfig contains the parameters needed to create a new BFD session.
// Everything here is immutable once the session is running, except across
// an explicit reload that re-parses config and copies values forward.
type SessionConfig struct {
	// Name identifies the session in the store (<=31 printable bytes; the
	// loader truncates and disables on overflow).
	Name string

	// PeerAddr is the neighbor's IP address.
	PeerAddr netip.Addr

	// LocalAddr is the optional source address for the session's output
	// socket. The zero Addr means unspecified (wildcard bind).
	LocalAddr netip.Addr

	// LocalMinTxInterval is bfd.DesiredMinTxInterval, configured 1..1000ms.
	LocalMinTxInterval time.Duration

	// LocalMinRxInterval is bfd.RequiredMinRxInterval, configured 1..1000ms.
	LocalMinRxInterval time.Duration

	// LocalIdleTxInterval is the slow-rate TX interval used whenever the
	// session is not Up, configured 1000..10000ms (RFC 5880 Section 6.8.3
	// requires >= 1s; this is operator-tunable above that floor).
	LocalIdleTxInterval time.Duration

	// LocalDetectMult is the detection time multiplier, 1..10.
	LocalDetectMult uint8

	// Disabled marks the session AdminDown at creation. No transmit timer
	// runs and inbound packets are discarded.
	Disabled bool
}

// StateChange is the payload for an event-sink record emitted on every
// state entry.
type StateChange struct {
	Name      string
	PeerAddr  netip.Addr
	OldState  State
	NewState  State
	Diag      Diag
	Timestamp time.Time
}

// PacketSender abstracts sending a BFD Control packet to a peer over the
// session's output socket.
type PacketSender interface {
	SendPacket(buf []byte, addr netip.Addr) error
}

// EventSink receives one record per state entry (RFC 5880 state machine
// "rise"/"fall" helpers), including re-entry into the same state when the
// entering transition fired. Delivery is best-effort: a failed Emit is
// logged and otherwise ignored, since session state remains authoritative.
type EventSink interface {
	Emit(sc StateChange)
}

// Reroller allocates a fresh, globally-unique local discriminator and
// releases old, used by the reset timer to re-randomize identity after a
// session has sat Down long enough for its reset timer to fire.
type Reroller interface {
	Reroll(old uint32) (uint32, error)
}

// MetricsReporter records session-level counters. A nil MetricsReporter is
// never stored on a Session; WithMetrics substitutes noopMetrics instead.
type MetricsReporter interface {
	RegisterSession(peer, local netip.Addr)
	UnregisterSession(peer, local netip.Addr)
	IncPacketsSent(peer, local netip.Addr)
	IncPacketsReceived(peer, local netip.Addr)
	RecordStateTransition(peer, local netip.Addr, oldState, newState string)
}

type noopMetrics struct{}

func (noopMetrics) RegisterSession(netip.Addr, netip.Addr)                  {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr)                {}
func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)                   {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr)               {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string) {}

// -------------------------------------------------------------------------
// Session Options
// -------------------------------------------------------------------------

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. A nil mr leaves
// the default no-op reporter in place.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithEventSink attaches the event-sink consumer. A nil sink disables
// event emission (state remains authoritative either way).
func WithEventSink(sink EventSink) SessionOption {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithReroller attaches the discriminator reroller used by the reset
// timer. Without one, reset-timer fires keep the existing discriminator.
func WithReroller(r Reroller) SessionOption {
	return func(s *Session) {
		s.reroller = r
	}
}

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

var (
	ErrInvalidDetectMult   = errors.New("detect multiplier must be 1..10")
	ErrInvalidMinTx        = errors.New("local min TX interval must be 1..1000ms")
	ErrInvalidMinRx        = errors.New("local min RX interval must be 1..1000ms")
	ErrInvalidIdleTx       = errors.New("local idle TX interval must be 1000..10000ms")
	ErrInvalidDiscriminator = errors.New("local discriminator must be nonzero")
	ErrInvalidPeerAddr     = errors.New("peer address must be valid")
)

const (
	minConfigInterval = 1 * time.Millisecond
	maxMinTxRx        = 1000 * time.Millisecond
	minIdleTx         = 1000 * time.Millisecond
	maxIdleTx         = 10000 * time.Millisecond

	// initialRemoteMinRx is bfd.RemoteMinRxInterval's mandatory initial
	// value (RFC 5880 Section 6.8.1): 1 microsecond.
	initialRemoteMinRx = 1 * time.Microsecond

	// receiveSoftTimeout is not used by any code: the shared listener's
	// read in internal/netio blocks with no deadline.
	receiveSoftTimeout = 60 * time.Second
)

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session implements one BFD session as specified in Section 3 and 4.3.
//
// All mutable state is touched only from callbacks running on the owning
// dispatch.Loop goroutine: NewSession wires three owned dispatch.Handle
// slots (transmit, expire, reset) and the session never spawns a goroutine
// of its own. External readers use the atomic accessors; anything else
// must be queried by posting a closure onto the loop.
type Session struct {
	name string
	cfg  SessionConfig

	localDiscr  uint32
	remoteDiscr uint32

	localState  atomic.Uint32
	remoteState atomic.Uint32
	localDiag   atomic.Uint32
	remoteDiag  Diag

	remoteMinTxIntv  time.Duration
	remoteMinRxIntv  time.Duration
	remoteDetectMult uint8
	remoteDemand     bool

	poll  bool
	final bool

	localTxIntv      time.Duration
	remoteTxIntv     time.Duration
	localDetectTime  time.Duration
	remoteDetectTime time.Duration

	lastSeen time.Time

	cachedPacket []byte

	loop     *dispatch.Loop
	sender   PacketSender
	sink     EventSink
	metrics  MetricsReporter
	reroller Reroller
	logger   *slog.Logger

	txHandle     dispatch.Handle
	expireHandle dispatch.Handle
	resetHandle  dispatch.Handle

	txSands     time.Time
	expireSands time.Time
	resetSands  time.Time

	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	stateTransitions atomic.Uint64
	lastStateChange  atomic.Int64
	lastPacketRecv   atomic.Int64
}

// NewSession constructs a session in Down state (AdminDown if cfg.Disabled),
// with local_tx_intv = local_idle_tx_intv per Section 3 "Lifecycle". The
// session does not schedule anything until Start is called.
func NewSession(
	cfg SessionConfig,
	localDiscr uint32,
	loop *dispatch.Loop,
	sender PacketSender,
	logger *slog.Logger,
	opts ...SessionOption,
) (*Session, error) {
	if err := validateSessionConfig(cfg, localDiscr); err != nil {
		return nil, err
	}

	s := &Session{
		name:            cfg.Name,
		cfg:             cfg,
		localDiscr:      localDiscr,
		remoteMinRxIntv: initialRemoteMinRx,
		localTxIntv:     cfg.LocalIdleTxInterval,
		loop:            loop,
		sender:          sender,
		metrics:         noopMetrics{},
		cachedPacket:    make([]byte, MaxPacketSize),
		logger: logger.With(
			slog.String("session", cfg.Name),
			slog.String("peer", cfg.PeerAddr.String()),
			slog.Uint64("local_discr", uint64(localDiscr)),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.Disabled {
		s.localState.Store(uint32(StateAdminDown))
		s.localDiag.Store(uint32(DiagAdminDown))
	} else {
		s.localState.Store(uint32(StateDown))
	}
	s.remoteState.Store(uint32(StateDown))

	s.rebuildCachedPacket()

	return s, nil
}

func validateSessionConfig(cfg SessionConfig, localDiscr uint32) error {
	if !cfg.PeerAddr.IsValid() {
		return fmt.Errorf("session %q: %w", cfg.Name, ErrInvalidPeerAddr)
	}
	if cfg.LocalDetectMult < 1 || cfg.LocalDetectMult > 10 {
		return fmt.Errorf("session %q: detect mult %d: %w", cfg.Name, cfg.LocalDetectMult, ErrInvalidDetectMult)
	}
	if cfg.LocalMinTxInterval < minConfigInterval || cfg.LocalMinTxInterval > maxMinTxRx {
		return fmt.Errorf("session %q: min tx %v: %w", cfg.Name, cfg.LocalMinTxInterval, ErrInvalidMinTx)
	}
	if cfg.LocalMinRxInterval < minConfigInterval || cfg.LocalMinRxInterval > maxMinTxRx {
		return fmt.Errorf("session %q: min rx %v: %w", cfg.Name, cfg.LocalMinRxInterval, ErrInvalidMinRx)
	}
	if cfg.LocalIdleTxInterval < minIdleTx || cfg.LocalIdleTxInterval > maxIdleTx {
		return fmt.Errorf("session %q: idle tx %v: %w", cfg.Name, cfg.LocalIdleTxInterval, ErrInvalidIdleTx)
	}
	if localDiscr == 0 {
		return fmt.Errorf("session %q: %w", cfg.Name, ErrInvalidDiscriminator)
	}
	return nil
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

func (s *Session) Name() string              { return s.name }
func (s *Session) LocalDiscriminator() uint32 { return s.localDiscr }
func (s *Session) PeerAddr() netip.Addr       { return s.cfg.PeerAddr }
func (s *Session) LocalAddr() netip.Addr      { return s.cfg.LocalAddr }

func (s *Session) State() State       { return State(s.localState.Load()) } //nolint:gosec // G115
func (s *Session) RemoteState() State { return State(s.remoteState.Load()) } //nolint:gosec // G115
func (s *Session) LocalDiag() Diag    { return Diag(s.localDiag.Load()) }    //nolint:gosec // G115

// RemoteDiscriminator returns the last discriminator learned from the peer.
// Loop-owned; tolerate staleness on cross-goroutine reads.
func (s *Session) RemoteDiscriminator() uint32 { return s.remoteDiscr }

func (s *Session) LocalTxInterval() time.Duration    { return s.localTxIntv }
func (s *Session) LocalDetectTime() time.Duration    { return s.localDetectTime }
func (s *Session) RemoteDetectTime() time.Duration   { return s.remoteDetectTime }

func (s *Session) PacketsSent() uint64      { return s.packetsSent.Load() }
func (s *Session) PacketsReceived() uint64  { return s.packetsReceived.Load() }
func (s *Session) StateTransitions() uint64 { return s.stateTransitions.Load() }

func (s *Session) LastStateChange() time.Time {
	ns := s.lastStateChange.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) LastPacketReceived() time.Time {
	ns := s.lastPacketRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// -------------------------------------------------------------------------
// Start / lifecycle
// -------------------------------------------------------------------------

// Start arms the transmit timer for an enabled session. Must run on the
// loop goroutine. AdminDown sessions never transmit (Section 4.4).
func (s *Session) Start() {
	if s.State() == StateAdminDown {
		return
	}
	s.scheduleTx(s.loop.Now())
}

// SetAdminDown administratively disables the session: local_diag=AdminDown,
// transmit timer cancelled, fall actions applied, event emitted
// (Section 4.3 "-> AdminDown").
func (s *Session) SetAdminDown() {
	old := s.State()
	if old == StateAdminDown {
		return
	}
	s.localDiag.Store(uint32(DiagAdminDown))
	s.localState.Store(uint32(StateAdminDown))
	s.txHandle.Cancel()
	s.fall()
	s.logTransition(old, StateAdminDown)
}

// SetAdminUp re-enables a session previously set AdminDown, returning it to
// Down and re-arming the transmit timer.
func (s *Session) SetAdminUp() {
	if s.State() != StateAdminDown {
		return
	}
	old := s.State()
	s.localDiag.Store(uint32(DiagNone))
	s.localState.Store(uint32(StateDown))
	s.logTransition(old, StateDown)
	s.scheduleTx(s.loop.Now())
}

// -------------------------------------------------------------------------
// Suspend / Resume — Section 4.8 reload
// -------------------------------------------------------------------------

// Suspend captures the remaining time on every armed timer and cancels it,
// per Section 9's "raw timer handles" design note. Safe to call even if a
// given timer was never armed.
func (s *Session) Suspend() {
	if d, ok := s.txHandle.Suspend(); ok {
		s.txSands = d
	}
	if d, ok := s.expireHandle.Suspend(); ok {
		s.expireSands = d
	}
	if d, ok := s.resetHandle.Suspend(); ok {
		s.resetSands = d
	}
}

// Resume re-registers every previously-suspended timer at its saved
// deadline. A deadline already in the past fires on the next loop tick.
func (s *Session) Resume() {
	if !s.txSands.IsZero() {
		s.txHandle = s.loop.Resume(s.txSands, s.onTxTimer)
		s.txSands = time.Time{}
	}
	if !s.expireSands.IsZero() {
		s.expireHandle = s.loop.Resume(s.expireSands, s.onExpireTimer)
		s.expireSands = time.Time{}
	}
	if !s.resetSands.IsZero() {
		s.resetHandle = s.loop.Resume(s.resetSands, s.onResetTimer)
		s.resetSands = time.Time{}
	}
}

// -------------------------------------------------------------------------
// Transmit path — Section 4.4
// -------------------------------------------------------------------------

// scheduleTx arms the transmit timer for a periodic fire, jittered per
// Section 4.4. No-op if the session is AdminDown; if the remote is in
// Demand mode and both sides are Up it cancels the transmit timer instead
// (Testable Property 3).
func (s *Session) scheduleTx(now time.Time) {
	if s.State() == StateAdminDown {
		return
	}
	if s.remoteDemand && s.State() == StateUp && s.RemoteState() == StateUp {
		s.txHandle.Cancel()
		return
	}
	s.txHandle.Cancel()
	s.txHandle = s.loop.Schedule(now.Add(jitter(s.localTxIntv)), s.onTxTimer)
}

// onTxTimer fires on the periodic transmit cadence.
func (s *Session) onTxTimer(now time.Time) {
	s.sendControl(false)
	s.scheduleTx(now)
}

// sendControl serializes and transmits the cached packet. RFC 5880 Section
// 6.8.7 field values; on I/O failure the session falls to AdminDown
// (Section 4.4, Section 7).
func (s *Session) sendControl(isPollResponse bool) {
	s.rebuildCachedPacket()
	n := int(s.cachedPacket[3])
	if err := s.sender.SendPacket(s.cachedPacket[:n], s.cfg.PeerAddr); err != nil {
		s.logger.Warn("transmit failed, session going AdminDown",
			slog.String("error", err.Error()))
		s.SetAdminDown()
		return
	}
	s.packetsSent.Add(1)
	s.metrics.IncPacketsSent(s.cfg.PeerAddr, s.cfg.LocalAddr)
	if isPollResponse {
		s.logger.Debug("sent Final response")
	}
}

// jitter implements Section 4.4: uniform in [0.10*interval, 0.25*interval)
// subtracted from interval, sampled per packet.
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return interval
	}
	minCut := interval / 10
	maxCut := interval / 4
	span := maxCut - minCut
	var reduction time.Duration
	if span > 0 {
		reduction = minCut + time.Duration(rand.Int64N(int64(span))) //nolint:gosec // G404: jitter is not security sensitive
	} else {
		reduction = minCut
	}
	return interval - reduction
}

// -------------------------------------------------------------------------
// Receive path — Section 4.3
// -------------------------------------------------------------------------

// RecvPacket processes a valid, demultiplexed BFD Control packet. Must run
// on the loop goroutine (the listener task delivers via loop.Post).
// Discards silently while AdminDown (Section 4.3 preamble).
func (s *Session) RecvPacket(pkt *ControlPacket, now time.Time) {
	if s.State() == StateAdminDown {
		return
	}

	s.packetsReceived.Add(1)
	s.metrics.IncPacketsReceived(s.cfg.PeerAddr, s.cfg.LocalAddr)
	s.lastPacketRecv.Store(now.UnixNano())

	// Step 1: copy remote fields.
	s.remoteDiscr = pkt.MyDiscriminator
	s.remoteState.Store(uint32(pkt.State))
	s.remoteDiag = pkt.Diag
	s.remoteMinTxIntv = durationFromMicroseconds(pkt.DesiredMinTxInterval)
	s.remoteMinRxIntv = durationFromMicroseconds(pkt.RequiredMinRxInterval)
	s.remoteDemand = pkt.Demand
	s.remoteDetectMult = pkt.DetectMult

	// Step 2: clear own poll on Final.
	if pkt.Final {
		s.poll = false
	}

	// Step 3-5: recompute intervals iff not Up, or final, or poll.
	if s.State() != StateUp || pkt.Final || pkt.Poll {
		oldLocalTx := s.localTxIntv
		s.recomputeIntervals()

		// Step 6: reschedule sooner if local_tx_intv decreased.
		if s.localTxIntv < oldLocalTx {
			s.scheduleTx(now)
		}
	}

	// Step 7: FSM transition table.
	event := RecvStateToEvent(pkt.State)
	s.applyFSMEvent(event)

	// Step 8: demand-mode transmit suppression, else ensure scheduled.
	s.scheduleTx(now)

	// Step 9: reply to Poll with an immediate, non-rescheduling Final send.
	if pkt.Poll {
		s.final = true
		s.loop.Immediate(func(time.Time) {
			s.sendControl(true)
		})
	}

	// Step 10: record last_seen, rearm expire timer.
	s.lastSeen = now
	if s.State() == StateUp || s.State() == StateInit {
		s.scheduleExpire(now)
	}
}

// recomputeIntervals implements Section 3 invariant 6 and Section 4.3
// step 4-5.
func (s *Session) recomputeIntervals() {
	if s.State() == StateUp {
		s.localTxIntv = max(s.cfg.LocalMinTxInterval, s.remoteMinRxIntv)
	} else {
		s.localTxIntv = s.cfg.LocalIdleTxInterval
	}
	s.remoteTxIntv = max(s.cfg.LocalMinRxInterval, s.remoteMinTxIntv)

	if s.remoteDetectMult > 0 {
		s.localDetectTime = time.Duration(s.remoteDetectMult) * s.remoteTxIntv
	}
	s.remoteDetectTime = time.Duration(s.cfg.LocalDetectMult) * s.localTxIntv
}

// -------------------------------------------------------------------------
// FSM application
// -------------------------------------------------------------------------

func (s *Session) applyFSMEvent(event Event) {
	old := s.State()
	result := ApplyEvent(old, event)
	if !result.Changed {
		return
	}
	s.localState.Store(uint32(result.NewState))

	for _, action := range result.Actions {
		switch action {
		case ActionSendControl:
			s.loop.Immediate(func(time.Time) { s.sendControl(false) })
		case ActionNotifyUp:
			s.rise()
		case ActionNotifyDown:
			s.fall()
		case ActionSetDiagTimeExpired:
			s.localDiag.Store(uint32(DiagControlTimeExpired))
		case ActionSetDiagNeighborDown:
			s.localDiag.Store(uint32(DiagNeighborDown))
		case ActionSetDiagAdminDown:
			s.localDiag.Store(uint32(DiagAdminDown))
		}
	}

	if result.NewState == StateInit {
		s.rise()
	}
	if result.NewState == StateDown {
		s.armReset()
	}

	s.logTransition(old, result.NewState)
}

// rise implements the "-> Up / -> Init" entry action (Section 4.3). It
// also recomputes the intervals for the new state, so entering Up moves
// local_tx_intv from the idle rate to the negotiated one.
func (s *Session) rise() {
	s.localDiag.Store(uint32(DiagNone))
	s.recomputeIntervals()
	s.resetHandle.Cancel()
	if s.expireHandle == (dispatch.Handle{}) {
		s.scheduleExpire(s.loop.Now())
	}
	s.emitEvent()
}

// fall implements the common "fall" entry actions shared by -> Down and
// -> AdminDown (Section 4.3).
func (s *Session) fall() {
	s.localTxIntv = s.cfg.LocalIdleTxInterval
	s.expireHandle.Cancel()
	s.emitEvent()
}

// armReset implements the "-> Down" entry action's reset-timer arming.
func (s *Session) armReset() {
	s.resetHandle.Cancel()
	d := s.localDetectTime
	if d <= 0 {
		d = s.cfg.LocalIdleTxInterval
	}
	s.resetHandle = s.loop.ScheduleAfter(d, s.onResetTimer)
}

// -------------------------------------------------------------------------
// Expire timer — Section 4.3 "Expire timer"
// -------------------------------------------------------------------------

func (s *Session) scheduleExpire(now time.Time) {
	s.expireHandle.Cancel()
	d := s.localDetectTime
	if d <= 0 {
		// Before any remote detect mult is known, fall back to the
		// session's own slow-rate cadence.
		d = time.Duration(s.cfg.LocalDetectMult) * s.localTxIntv
	}
	s.expireHandle = s.loop.Schedule(now.Add(d), s.onExpireTimer)
}

// onExpireTimer fires when no valid packet arrived within local_detect_time
// while Up or Init (Section 4.3 "Expire timer").
func (s *Session) onExpireTimer(time.Time) {
	if s.State() != StateUp && s.State() != StateInit {
		return
	}
	s.remoteDiscr = 0
	s.localDiag.Store(uint32(DiagControlTimeExpired))
	s.applyFSMEvent(EventTimerExpired)
}

// -------------------------------------------------------------------------
// Reset timer — Section 4.3 "Reset timer"
// -------------------------------------------------------------------------

// onResetTimer fires while Down and no further packets arrived: the
// protocol state reinitializes and the local discriminator is rerolled,
// keeping configuration intact.
func (s *Session) onResetTimer(time.Time) {
	if s.State() != StateDown {
		return
	}

	s.remoteDiscr = 0
	s.remoteState.Store(uint32(StateDown))
	s.remoteDiag = DiagNone
	s.remoteMinTxIntv = 0
	s.remoteMinRxIntv = initialRemoteMinRx
	s.remoteDetectMult = 0
	s.remoteDemand = false
	s.poll = false
	s.final = false
	s.localTxIntv = s.cfg.LocalIdleTxInterval
	s.remoteTxIntv = 0
	s.localDetectTime = 0
	s.remoteDetectTime = 0

	if s.reroller != nil {
		if newDiscr, err := s.reroller.Reroll(s.localDiscr); err != nil {
			s.logger.Warn("discriminator reroll failed, keeping existing",
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("local discriminator rerolled after reset timer",
				slog.Uint64("old", uint64(s.localDiscr)),
				slog.Uint64("new", uint64(newDiscr)))
			s.localDiscr = newDiscr
		}
	}

	s.rebuildCachedPacket()
}

// -------------------------------------------------------------------------
// Poll Sequence — Section 4.3 steps 2, 9
// -------------------------------------------------------------------------

// BeginPoll starts a Poll Sequence to renegotiate min_tx/min_rx. Per the
// Section 9 design note, poll is refused while a Final response is still
// pending -- the source's bfd_set_poll precedence is preserved.
func (s *Session) BeginPoll(minTx, minRx time.Duration) {
	if s.final {
		s.logger.Debug("poll refused: final still pending")
		return
	}
	s.cfg.LocalMinTxInterval = minTx
	s.cfg.LocalMinRxInterval = minRx
	s.poll = true
	s.rebuildCachedPacket()
}

// -------------------------------------------------------------------------
// Event sink
// -------------------------------------------------------------------------

func (s *Session) emitEvent() {
	s.stateTransitions.Add(1)
	now := time.Now()
	s.lastStateChange.Store(now.UnixNano())
	if s.sink == nil {
		return
	}
	s.sink.Emit(StateChange{
		Name:      s.name,
		PeerAddr:  s.cfg.PeerAddr,
		NewState:  s.State(),
		Diag:      s.LocalDiag(),
		Timestamp: now,
	})
}

func (s *Session) logTransition(old, newState State) {
	s.metrics.RecordStateTransition(s.cfg.PeerAddr, s.cfg.LocalAddr, old.String(), newState.String())
	s.logger.Info("session state changed",
		slog.String("old_state", old.String()),
		slog.String("new_state", newState.String()),
		slog.String("diag", s.LocalDiag().String()),
	)
}

// -------------------------------------------------------------------------
// Cached packet
// -------------------------------------------------------------------------

func (s *Session) rebuildCachedPacket() {
	pkt := s.buildControlPacket()
	if _, err := MarshalControlPacket(&pkt, s.cachedPacket); err != nil {
		s.logger.Error("failed to marshal cached packet", slog.String("error", err.Error()))
	}
}

func (s *Session) buildControlPacket() ControlPacket {
	poll := s.poll
	final := s.final
	s.final = false

	return ControlPacket{
		Version:                   Version,
		Diag:                      s.LocalDiag(),
		State:                     s.State(),
		Poll:                      poll && !final, // Final takes precedence; never both.
		Final:                     final,
		ControlPlaneIndependent:   false,
		AuthPresent:               false,
		Demand:                    false, // never originated locally (Non-goal).
		Multipoint:                false,
		DetectMult:                s.cfg.LocalDetectMult,
		MyDiscriminator:           s.localDiscr,
		YourDiscriminator:         s.remoteDiscr,
		DesiredMinTxInterval:      microsecondsFromDuration(s.cfg.LocalMinTxInterval),
		RequiredMinRxInterval:     microsecondsFromDuration(s.cfg.LocalMinRxInterval),
		RequiredMinEchoRxInterval: 0, // echo function out of scope.
	}
}

// -------------------------------------------------------------------------
// Microsecond conversion — wire boundary
// -------------------------------------------------------------------------

func durationFromMicroseconds(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}

func microsecondsFromDuration(d time.Duration) uint32 {
	return uint32(d / time.Microsecond) //nolint:gosec // G115: intentional truncation for BFD wire format
}

// -------------------------------------------------------------------------
// FSM — RFC 5880 Section 6.2, Section 6.8.6
// -------------------------------------------------------------------------
//
// State diagram (RFC 5880 Section 6.2):
//
//                          +--+
//                          |  | UP, ADMIN DOWN, TIMER
//                          |  V
//                  DOWN  +------+  INIT
//           +------------|      |------------+
//           |            | DOWN |            |
//           |  +-------->|      |<--------+  |
//           |  |         +------+         |  |
//           |  |                          |  |
//           |  |               ADMIN DOWN,|  |
//           |  |ADMIN DOWN,          DOWN,|  |
//           |  |TIMER                TIMER|  |
//           V  |                          |  V
//         +------+                      +------+
//    +----|      |                      |      |----+
// DOWN    | INIT |--------------------->|  UP  |    INIT, UP
//    +--->|      | INIT, UP             |      |<---+
//         +------+                      +------+
//
// applyFSMEvent drives this table and executes the returned actions
// against the dispatch loop (ActionSendControl schedules an immediate
// transmit via s.loop.Immediate; the rest mutate session state directly).
// The table itself stays a pure function of (state, event) so every
// transition can be asserted without constructing a Session.

// Event represents a BFD FSM event (RFC 5880 Section 6.2, Section 6.8.6).
type Event uint8

const (
	// EventRecvAdminDown is the event for receiving a BFD Control packet
	// with State = AdminDown (RFC 5880 Section 6.8.6).
	EventRecvAdminDown Event = iota

	// EventRecvDown is the event for receiving a BFD Control packet
	// with State = Down (RFC 5880 Section 6.8.6).
	EventRecvDown

	// EventRecvInit is the event for receiving a BFD Control packet
	// with State = Init (RFC 5880 Section 6.8.6).
	EventRecvInit

	// EventRecvUp is the event for receiving a BFD Control packet
	// with State = Up (RFC 5880 Section 6.8.6).
	EventRecvUp

	// EventTimerExpired is the event when the Detection Time expires without
	// receiving a valid packet (RFC 5880 Section 6.8.4).
	EventTimerExpired

	// EventAdminDown is the event for a local administrative action to
	// disable the session (RFC 5880 Section 6.8.16).
	EventAdminDown

	// EventAdminUp is the event for a local administrative action to
	// re-enable the session (RFC 5880 Section 6.8.16).
	EventAdminUp
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventRecvAdminDown:
		return "RecvAdminDown"
	case EventRecvDown:
		return "RecvDown"
	case EventRecvInit:
		return "RecvInit"
	case EventRecvUp:
		return "RecvUp"
	case EventTimerExpired:
		return "TimerExpired"
	case EventAdminDown:
		return "AdminDown"
	case EventAdminUp:
		return "AdminUp"
	default:
		return "Unknown"
	}
}

// Action represents a side-effect applyFSMEvent executes after a
// transition. The FSM table itself is a pure function; Action is just its
// vocabulary for describing side-effects.
type Action uint8

const (
	// ActionSendControl triggers immediate transmission of a BFD Control packet.
	// RFC 5880 Section 6.8.7.
	ActionSendControl Action = iota + 1

	// ActionNotifyUp signals session consumers that the session reached Up state.
	ActionNotifyUp

	// ActionNotifyDown signals session consumers that the session went Down.
	ActionNotifyDown

	// ActionSetDiagTimeExpired sets bfd.LocalDiag to 1 (Control Detection Time Expired).
	// RFC 5880 Section 6.8.4.
	ActionSetDiagTimeExpired

	// ActionSetDiagNeighborDown sets bfd.LocalDiag to 3 (Neighbor Signaled Session Down).
	// RFC 5880 Section 6.8.6.
	ActionSetDiagNeighborDown

	// ActionSetDiagAdminDown sets bfd.LocalDiag to 7 (Administratively Down).
	// RFC 5880 Section 6.8.16.
	ActionSetDiagAdminDown
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionSendControl:
		return "SendControl"
	case ActionNotifyUp:
		return "NotifyUp"
	case ActionNotifyDown:
		return "NotifyDown"
	case ActionSetDiagTimeExpired:
		return "SetDiagTimeExpired"
	case ActionSetDiagNeighborDown:
		return "SetDiagNeighborDown"
	case ActionSetDiagAdminDown:
		return "SetDiagAdminDown"
	default:
		return "Unknown"
	}
}

// stateEvent is the FSM transition table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects for a single
// FSM transition.
type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event to the FSM.
// The caller inspects Changed to decide whether state-change processing
// (logging, metrics, notifications) is needed.
type FSMResult struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied.
	// Equal to OldState when the event is ignored or a self-loop.
	NewState State

	// Actions lists the side-effects that the caller must execute.
	// Empty when the event is ignored.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	// Self-loops (e.g., Up + RecvUp -> Up) have Changed=false.
	Changed bool
}

// fsmTable is the complete BFD FSM transition table.
//
// Derived from RFC 5880 Section 6.8.6 pseudocode and the state diagram
// in Section 6.2. Every (state, event) pair listed here is a valid
// transition. Unlisted pairs are silently ignored (event dropped).
//
// The pseudocode logic maps to events as follows:
//
//	AdminDown:    discard all received packets
//	RecvAdminDown + !Down: Diag=3, State=Down
//	Down + RecvDown:       State=Init
//	Down + RecvInit:       State=Up
//	Init + RecvInit|Up:    State=Up
//	Up + RecvDown:         Diag=3, State=Down
//	TimerExpired + Init|Up: Diag=1, State=Down
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// ===================================================================
	// AdminDown state
	// ===================================================================
	//
	// RFC 5880 Section 6.8.6: "If bfd.SessionState is AdminDown, discard
	// the packet." -- No received-packet events produce transitions.
	// Only administrative re-enable can leave AdminDown.

	// AdminDown + AdminUp -> Down
	// RFC 5880 Section 6.8.16: "Set bfd.SessionState to Down".
	{StateAdminDown, EventAdminUp}: {
		newState: StateDown,
		actions:  nil,
	},

	// ===================================================================
	// Down state
	// ===================================================================
	//
	// RFC 5880 Section 6.8.6: "If bfd.SessionState is Down":
	//   "If received State is Down" -> set bfd.SessionState to Init
	//   "Else if received State is Init" -> set bfd.SessionState to Up
	//
	// Down + recv AdminDown: remain Down (already Down, no-op).
	// Not listed because state does not change and no actions are needed.
	//
	// Down + recv Up: not listed in the pseudocode for state Down.
	// The RFC only handles Down and Init when local state is Down.
	// Receiving Up while in Down is implicitly ignored.
	//
	// Down + timer expired: Down is the initial state; detection timer
	// self-loop on the state diagram (Section 6.2: "UP, ADMIN DOWN, TIMER"
	// arc on Down). No state change, no actions.

	// Down + recv Down -> Init (RFC 5880 Section 6.8.6).
	{StateDown, EventRecvDown}: {
		newState: StateInit,
		actions:  []Action{ActionSendControl},
	},

	// Down + recv Init -> Up (RFC 5880 Section 6.8.6).
	{StateDown, EventRecvInit}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionNotifyUp},
	},

	// Down + AdminDown -> AdminDown (RFC 5880 Section 6.8.16).
	{StateDown, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown},
	},

	// ===================================================================
	// Init state
	// ===================================================================
	//
	// RFC 5880 Section 6.8.6 for Init:
	//   "If received state is AdminDown" -> if not Down, set Diag=3, state=Down
	//   "If received State is Init or Up" -> set bfd.SessionState to Up
	//
	// RFC 5880 Section 6.2 diagram: Init has self-loops for DOWN and
	// transitions to Up for INIT/UP. ADMIN DOWN and TIMER go to Down.

	// Init + recv AdminDown -> Down (RFC 5880 Section 6.8.6).
	// "If received state is AdminDown" and "bfd.SessionState is not Down":
	// set bfd.LocalDiag to 3, set bfd.SessionState to Down.
	{StateInit, EventRecvAdminDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionNotifyDown},
	},

	// Init + recv Down -> remain Init (RFC 5880 Section 6.2 diagram: "DOWN"
	// self-loop on Init). The pseudocode in Section 6.8.6 does not list
	// any transition for Init + Down (the "If bfd.SessionState is Down"
	// branch does not apply when local state is Init).
	{StateInit, EventRecvDown}: {
		newState: StateInit,
		actions:  nil,
	},

	// Init + recv Init -> Up (RFC 5880 Section 6.8.6:
	// "Else if bfd.SessionState is Init, if received State is Init or Up").
	{StateInit, EventRecvInit}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionNotifyUp},
	},

	// Init + recv Up -> Up (RFC 5880 Section 6.8.6:
	// "Else if bfd.SessionState is Init, if received State is Init or Up").
	{StateInit, EventRecvUp}: {
		newState: StateUp,
		actions:  []Action{ActionSendControl, ActionNotifyUp},
	},

	// Init + timer expired -> Down (RFC 5880 Section 6.8.4:
	// "if bfd.SessionState is Init or Up" -> set state to Down, Diag=1).
	{StateInit, EventTimerExpired}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagTimeExpired, ActionNotifyDown},
	},

	// Init + AdminDown -> AdminDown (RFC 5880 Section 6.8.16).
	{StateInit, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown},
	},

	// ===================================================================
	// Up state
	// ===================================================================
	//
	// RFC 5880 Section 6.8.6 for Up:
	//   "If received state is AdminDown" -> Diag=3, state=Down
	//   "If received State is Down" -> Diag=3, state=Down
	//   Init and Up are self-loops (state diagram Section 6.2: "INIT, UP").
	//
	// RFC 5880 Section 6.8.4: timer expired -> Down, Diag=1.

	// Up + recv AdminDown -> Down (RFC 5880 Section 6.8.6:
	// "If received state is AdminDown" and "bfd.SessionState is not Down").
	{StateUp, EventRecvAdminDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionNotifyDown},
	},

	// Up + recv Down -> Down (RFC 5880 Section 6.8.6:
	// "Else (bfd.SessionState is Up), if received State is Down":
	// set bfd.LocalDiag to 3, set bfd.SessionState to Down).
	{StateUp, EventRecvDown}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagNeighborDown, ActionNotifyDown},
	},

	// Up + recv Init -> Up (self-loop, RFC 5880 Section 6.2 diagram:
	// "INIT, UP" arc on Up state). No transition listed in pseudocode.
	{StateUp, EventRecvInit}: {
		newState: StateUp,
		actions:  nil,
	},

	// Up + recv Up -> Up (self-loop, RFC 5880 Section 6.2 diagram:
	// "INIT, UP" arc on Up state). Normal keepalive path.
	{StateUp, EventRecvUp}: {
		newState: StateUp,
		actions:  nil,
	},

	// Up + timer expired -> Down (RFC 5880 Section 6.8.4:
	// "if bfd.SessionState is Init or Up" -> Diag=1, state=Down).
	{StateUp, EventTimerExpired}: {
		newState: StateDown,
		actions:  []Action{ActionSetDiagTimeExpired, ActionNotifyDown},
	},

	// Up + AdminDown -> AdminDown (RFC 5880 Section 6.8.16).
	{StateUp, EventAdminDown}: {
		newState: StateAdminDown,
		actions:  []Action{ActionSetDiagAdminDown},
	},
}

// ApplyEvent applies an FSM event to the given state and returns the result.
//
// This is a pure function with no side effects. The caller (applyFSMEvent)
// is responsible for executing the returned actions against the session
// and its dispatch loop. If the (state, event) pair has no entry in the
// transition table, the event is silently ignored and FSMResult.Changed is
// false with an empty action list.
//
// Reference: RFC 5880 Section 6.8.6 (reception FSM transitions),
// Section 6.8.4 (timer expiration), Section 6.8.16 (administrative control).
func ApplyEvent(currentState State, event Event) FSMResult {
	key := stateEvent{state: currentState, event: event}

	tr, ok := fsmTable[key]
	if !ok {
		// Event is not applicable in this state. Per RFC 5880 Section 6.8.6,
		// AdminDown discards all received packets; Down ignores recv Up and
		// timer expiration. Return unchanged.
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
			Actions:  nil,
			Changed:  false,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}

// RecvStateToEvent maps a received BFD session state (from the State field
// of a BFD Control packet) to the corresponding FSM event. This simplifies
// the packet reception path in Session.RecvPacket.
//
// Reference: RFC 5880 Section 6.8.6 — the received State field drives
// the FSM transitions.
func RecvStateToEvent(remoteState State) Event {
	switch remoteState {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		// Unknown state value: treat as Down for safety.
		// RFC 5880 Section 4.1 defines only 4 state values (0-3).
		return EventRecvDown
	}
}

// -------------------------------------------------------------------------
// RFC 7419 — Common Interval Support in BFD
// -------------------------------------------------------------------------
//
// RFC 7419 defines a set of common BFD timer interval values that all
// implementations SHOULD support: 3.3ms, 10ms, 20ms, 50ms, 100ms, 1s.
// Additionally, 10s is recommended for graceful restart support.
//
// The config DSL checks every configured interval against this set
// (IsCommonInterval) and warns, rather than rejects, on a mismatch —
// negotiation still proceeds per Section 6.8.3, but an operator pairing
// this daemon with a hardware-based peer is more likely to hit a
// resolution mismatch on an uncommon value.

// CommonIntervals is the RFC 7419 Section 3 common interval set.
// All values are sorted ascending. An implementation should support
// all values equal to or larger than its fastest supported interval.
//
//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var CommonIntervals = [...]time.Duration{
	3300 * time.Microsecond, // 3.3 ms — MPLS-TP (GR-253-CORE)
	10 * time.Millisecond,   // 10 ms — general consensus
	20 * time.Millisecond,   // 20 ms — software-based minimum
	50 * time.Millisecond,   // 50 ms — widely deployed
	100 * time.Millisecond,  // 100 ms — G.8013/Y.1731 reuse
	1 * time.Second,         // 1 s   — RFC 5880 slow rate
}

// GracefulRestartInterval is the recommended interval for graceful restart
// scenarios (RFC 7419 Section 3). With multiplier 255, this allows a
// detection timeout of 42.5 minutes.
const GracefulRestartInterval = 10 * time.Second

// IsCommonInterval reports whether d exactly matches one of the RFC 7419
// common interval values.
func IsCommonInterval(d time.Duration) bool {
	for _, ci := range CommonIntervals {
		if d == ci {
			return true
		}
	}
	return false
}

// AlignToCommonInterval rounds d UP to the nearest RFC 7419 common interval.
// If d is larger than the largest common interval (1s), it is returned
// unchanged — the caller may use any value above the common set.
// If d is zero or negative, it is returned unchanged.
func AlignToCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	for _, ci := range CommonIntervals {
		if d <= ci {
			return ci
		}
	}
	// d exceeds 1s — return as-is, per RFC 7419: "free to support
	// additional values outside of the Common Interval set."
	return d
}

// NearestCommonInterval returns the closest RFC 7419 common interval
// to d. Ties are broken by choosing the smaller interval. If d is zero
// or negative, returns the smallest common interval (3.3ms).
func NearestCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return CommonIntervals[0]
	}

	best := CommonIntervals[0]
	bestDelta := absDuration(d - best)

	for _, ci := range CommonIntervals[1:] {
		delta := absDuration(d - ci)
		if delta < bestDelta {
			best = ci
			bestDelta = delta
		}
	}

	return best
}

// absDuration returns the absolute value of a time.Duration.
func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

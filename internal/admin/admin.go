// Package admin implements the daemon's operator-facing control surface:
// a stdlib net/http + encoding/json API fronting the session store,
// replacing the teacher's ConnectRPC/protobuf BfdService (see DESIGN.md
// for the reasoning) while keeping its operations — list, get, add,
// delete, and a live event stream — under the same names bfdctl's
// commands already expect.
//
// Every handler that touches the store posts its work onto the owning
// dispatch.Loop and blocks on a channel for the result, since Store and
// Session are not safe to call concurrently with the loop goroutine.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/lindenhall/bfdd/internal/bfd"
	"github.com/lindenhall/bfdd/internal/config"
	"github.com/lindenhall/bfdd/internal/dispatch"
	"github.com/lindenhall/bfdd/internal/eventsink"
	"github.com/lindenhall/bfdd/internal/store"
)

var (
	ErrMissingPeer     = errors.New("peer address is required")
	ErrMissingLocal    = errors.New("local address is required")
	ErrInvalidPeer     = errors.New("invalid peer address")
	ErrInvalidLocal    = errors.New("invalid local address")
	ErrSessionNotFound = errors.New("session not found")
)

// SenderFactory creates the per-session transmit socket bound to a given
// local address, mirroring the daemon's source-port-allocating sender
// factory (one UDP socket per session, since each carries its own
// ephemeral source port per RFC 5881 Section 4).
type SenderFactory interface {
	CreateSender(localAddr netip.Addr) (bfd.PacketSender, error)
}

// Server holds the dependencies the admin HTTP handlers need. All
// store-mutating work is funneled through loop.Post so it runs on the
// same goroutine that owns the sessions.
type Server struct {
	store    *store.Store
	loop     *dispatch.Loop
	sink     *eventsink.Sink
	defaults config.BFDDefaults
	senders  SenderFactory
	metrics  bfd.MetricsReporter
	log      *slog.Logger
}

// New constructs a Server. senders mints the PacketSender each newly added
// session transmits through, bound to that session's local address.
func New(st *store.Store, loop *dispatch.Loop, sink *eventsink.Sink, defaults config.BFDDefaults, senders SenderFactory, metrics bfd.MetricsReporter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:    st,
		loop:     loop,
		sink:     sink,
		defaults: defaults,
		senders:  senders,
		metrics:  metrics,
		log:      log.With(slog.String("component", "admin")),
	}
}

// Handler returns the configured http.Handler for the admin surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions", s.handleAddSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /events", s.handleWatchEvents)
	return mux
}

// runOnLoop posts fn to the dispatch loop and blocks until it has run,
// returning whatever fn returned.
func runOnLoop[T any](s *Server, fn func() T) T {
	result := make(chan T, 1)
	s.loop.Post(func() {
		result <- fn()
	})
	return <-result
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// -------------------------------------------------------------------------
// Sessions
// -------------------------------------------------------------------------

type sessionView struct {
	Name                string `json:"name"`
	PeerAddress         string `json:"peer_address"`
	LocalAddress        string `json:"local_address,omitempty"`
	LocalState          string `json:"local_state"`
	RemoteState         string `json:"remote_state"`
	LocalDiagnostic     string `json:"local_diagnostic"`
	LocalDiscriminator  uint32 `json:"local_discriminator"`
	RemoteDiscriminator uint32 `json:"remote_discriminator"`
	LocalTxInterval     string `json:"local_tx_interval"`
	LocalDetectTime     string `json:"local_detect_time"`
	RemoteDetectTime    string `json:"remote_detect_time"`
	PacketsSent         uint64 `json:"packets_sent"`
	PacketsReceived     uint64 `json:"packets_received"`
	StateTransitions    uint64 `json:"state_transitions"`
	LastStateChange     string `json:"last_state_change,omitempty"`
	LastPacketReceived  string `json:"last_packet_received,omitempty"`
}

func sessionToView(sess *bfd.Session) sessionView {
	v := sessionView{
		Name:                sess.Name(),
		PeerAddress:         sess.PeerAddr().String(),
		LocalState:          sess.State().String(),
		RemoteState:         sess.RemoteState().String(),
		LocalDiagnostic:     sess.LocalDiag().String(),
		LocalDiscriminator:  sess.LocalDiscriminator(),
		RemoteDiscriminator: sess.RemoteDiscriminator(),
		LocalTxInterval:     sess.LocalTxInterval().String(),
		LocalDetectTime:     sess.LocalDetectTime().String(),
		RemoteDetectTime:    sess.RemoteDetectTime().String(),
		PacketsSent:         sess.PacketsSent(),
		PacketsReceived:     sess.PacketsReceived(),
		StateTransitions:    sess.StateTransitions(),
	}
	if sess.LocalAddr().IsValid() {
		v.LocalAddress = sess.LocalAddr().String()
	}
	if ts := sess.LastStateChange(); !ts.IsZero() {
		v.LastStateChange = ts.Format(time.RFC3339Nano)
	}
	if ts := sess.LastPacketReceived(); !ts.IsZero() {
		v.LastPacketReceived = ts.Format(time.RFC3339Nano)
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := runOnLoop(s, func() []*bfd.Session {
		return s.store.Sessions()
	})

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionToView(sess))
	}

	writeJSON(w, r, http.StatusOK, views)
}

// lookupSession resolves the {id} path value as either a numeric
// discriminator or a session name, matching gobfdctl's own lookup order.
func (s *Server) lookupSession(id string) (*bfd.Session, bool) {
	return runOnLoop(s, func() (*bfd.Session, bool) {
		if discr, err := strconv.ParseUint(id, 10, 32); err == nil {
			return s.store.LookupByDiscriminator(uint32(discr)) //nolint:gosec // G115: range-checked by ParseUint bitSize=32
		}
		return s.store.LookupByName(id)
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, ok := s.lookupSession(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	writeJSON(w, r, http.StatusOK, sessionToView(sess))
}

type addSessionRequest struct {
	Name       string `json:"name"`
	Peer       string `json:"peer_address"`
	Local      string `json:"local_address,omitempty"`
	MinTxMS    int    `json:"min_tx_ms,omitempty"`
	MinRxMS    int    `json:"min_rx_ms,omitempty"`
	IdleTxMS   int    `json:"idle_tx_ms,omitempty"`
	Multiplier uint8  `json:"multiplier,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

func (req addSessionRequest) toSessionConfig(defaults config.BFDDefaults) (bfd.SessionConfig, error) {
	if req.Peer == "" {
		return bfd.SessionConfig{}, ErrMissingPeer
	}

	peer, err := netip.ParseAddr(req.Peer)
	if err != nil {
		return bfd.SessionConfig{}, fmt.Errorf("%w: %s", ErrInvalidPeer, req.Peer)
	}

	if req.Local == "" {
		return bfd.SessionConfig{}, ErrMissingLocal
	}
	local, err := netip.ParseAddr(req.Local)
	if err != nil {
		return bfd.SessionConfig{}, fmt.Errorf("%w: %s", ErrInvalidLocal, req.Local)
	}

	cfg := bfd.SessionConfig{
		Name:                req.Name,
		PeerAddr:            peer,
		LocalAddr:           local,
		LocalMinTxInterval:  defaults.MinTx,
		LocalMinRxInterval:  defaults.MinRx,
		LocalIdleTxInterval: defaults.IdleTx,
		LocalDetectMult:     defaults.Multiplier,
		Disabled:            req.Disabled,
	}
	if req.MinTxMS > 0 {
		cfg.LocalMinTxInterval = time.Duration(req.MinTxMS) * time.Millisecond
	}
	if req.MinRxMS > 0 {
		cfg.LocalMinRxInterval = time.Duration(req.MinRxMS) * time.Millisecond
	}
	if req.IdleTxMS > 0 {
		cfg.LocalIdleTxInterval = time.Duration(req.IdleTxMS) * time.Millisecond
	}
	if req.Multiplier > 0 {
		cfg.LocalDetectMult = req.Multiplier
	}
	if cfg.Name == "" {
		cfg.Name = req.Peer
	}

	return cfg, nil
}

func (s *Server) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var req addSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	cfg, err := req.toSessionConfig(s.defaults)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	sender, err := s.senders.CreateSender(cfg.LocalAddr)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("create sender: %w", err))
		return
	}

	type result struct {
		sess *bfd.Session
		err  error
	}

	res := runOnLoop(s, func() result {
		sess, createErr := s.store.Create(cfg, sender, s.sink, s.metrics)
		return result{sess: sess, err: createErr}
	})

	if res.err != nil {
		writeError(w, r, http.StatusConflict, res.err)
		return
	}

	s.log.Info("session created via admin API",
		slog.String("name", res.sess.Name()),
		slog.String("peer", res.sess.PeerAddr().String()),
	)

	writeJSON(w, r, http.StatusCreated, sessionToView(res.sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, ok := s.lookupSession(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrSessionNotFound)
		return
	}
	name := sess.Name()

	err := runOnLoop(s, func() error {
		return s.store.Destroy(name)
	})
	if err != nil {
		writeError(w, r, http.StatusNotFound, err)
		return
	}

	s.log.Info("session deleted via admin API", slog.String("name", name))
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Events — live state-change tail
// -------------------------------------------------------------------------

// handleWatchEvents streams newline-delimited JSON event records for as
// long as the client stays connected, fed from the shared eventsink.Sink.
// There is exactly one Sink per daemon, so concurrent watchers all read
// from the same channel — this means at most one active /events client
// gets each record; a second connection steals records from the first.
// Acceptable for a single-operator admin surface; documented, not hidden.
func (s *Server) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, r, http.StatusServiceUnavailable, errors.New("event sink not configured"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-s.sink.Records():
			if !open {
				return
			}
			name, state, ts, decodeOK := eventsink.DecodeRecord(rec)
			if !decodeOK {
				continue
			}
			_ = enc.Encode(map[string]any{
				"name":      name,
				"state":     state.String(),
				"timestamp": ts.Format(time.RFC3339Nano),
			})
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// Response helpers
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(r.Context(), "write JSON response failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

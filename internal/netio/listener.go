package netio

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/lindenhall/bfdd/internal/bfd"
)

// -------------------------------------------------------------------------
// ListenerConfig — BFD packet listener configuration
// -------------------------------------------------------------------------

// ListenerConfig holds configuration for the shared single-hop BFD packet
// listener (RFC 5881: port 3784, bound to a specific interface).
type ListenerConfig struct {
	// Addr is the local IP address to bind to.
	Addr netip.Addr

	// IfName is the network interface name for SO_BINDTODEVICE
	// (RFC 5881 Section 4).
	IfName string
}

// -------------------------------------------------------------------------
// Listener — High-level BFD packet receive loop
// -------------------------------------------------------------------------

// DropRecorder counts packets discarded before they can be attributed to a
// session, e.g. a codec or GTSM failure. Implemented by *bfdmetrics.Collector.
type DropRecorder interface {
	IncPacketsDropped(peer, local netip.Addr)
}

// Listener wraps a PacketConn and provides a high-level, context-aware
// receive loop for BFD Control packets. It handles buffer management
// using bfd.PacketPool and returns validated packet metadata.
type Listener struct {
	conn PacketConn
	drop DropRecorder
}

// NewListener creates a Listener from the given configuration. drop may be
// nil, in which case dropped packets are not counted.
// Returns an error if the underlying socket cannot be created.
func NewListener(cfg ListenerConfig, drop DropRecorder) (*Listener, error) {
	conn, err := NewSingleHopListener(context.Background(), cfg.Addr, cfg.IfName)
	if err != nil {
		return nil, fmt.Errorf("create single-hop listener: %w", err)
	}

	return &Listener{conn: conn, drop: drop}, nil
}

// NewListenerFromConn creates a Listener from an existing PacketConn.
// This is useful for testing with mock connections or custom transports.
func NewListenerFromConn(conn PacketConn, drop DropRecorder) *Listener {
	return &Listener{conn: conn, drop: drop}
}

// Recv blocks until a BFD Control packet is received or ctx is cancelled.
// Returns the raw packet bytes (from bfd.PacketPool), transport metadata,
// and any error. The caller is responsible for returning the buffer to
// bfd.PacketPool after processing.
//
// Recv validates the received TTL per GTSM requirements (RFC 5881 Section
// 5: TTL must be 255), dropping packets that fail validation silently.
func (l *Listener) Recv(ctx context.Context) ([]byte, PacketMeta, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", err)
		}

		buf, meta, err := l.recvOne()
		if err != nil {
			return nil, PacketMeta{}, err
		}

		if ttlErr := ValidateTTL(meta); ttlErr != nil {
			if l.drop != nil {
				l.drop.IncPacketsDropped(meta.SrcAddr, meta.DstAddr)
			}
			continue
		}

		return buf, meta, nil
	}
}

// recvOne performs a single read from the underlying connection using
// a pooled buffer. Returns the buffer slice, metadata, and any error.
func (l *Listener) recvOne() ([]byte, PacketMeta, error) {
	bufp, ok := bfd.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, meta, err := l.conn.ReadPacket(*bufp)
	if err != nil {
		bfd.PacketPool.Put(bufp)
		return nil, PacketMeta{}, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], meta, nil
}

// Close closes the underlying PacketConn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lindenhall/bfdd/internal/bfd"
	"github.com/lindenhall/bfdd/internal/dispatch"
	"github.com/lindenhall/bfdd/internal/store"
)

// Demuxer routes a demultiplexed, codec-validated packet to its session.
// Implemented by *store.Store; this interface exists so Receiver does not
// import store's concrete type into its constructor signature unnecessarily.
type Demuxer interface {
	Demux(pkt *bfd.ControlPacket, meta store.PacketMeta) (*bfd.Session, error)
}

// Receiver reads BFD Control packets from the shared listener and, on the
// dispatch loop goroutine, demultiplexes and delivers each one to its
// session. The socket read itself runs on its own goroutine, since the
// loop has no fd-readiness integration (Section 5): Recv blocks, and each
// successfully parsed packet is handed to the loop via Post.
type Receiver struct {
	demuxer Demuxer
	loop    *dispatch.Loop
	logger  *slog.Logger
	drop    DropRecorder
}

// NewReceiver creates a Receiver that demultiplexes via demuxer and
// delivers packets on loop's goroutine. drop may be nil, in which case
// dropped packets are not counted.
func NewReceiver(demuxer Demuxer, loop *dispatch.Loop, logger *slog.Logger, drop DropRecorder) *Receiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Receiver{
		demuxer: demuxer,
		loop:    loop,
		logger:  logger.With(slog.String("component", "netio.receiver")),
		drop:    drop,
	}
}

// Run reads from ln in a loop until ctx is cancelled. Read errors are
// logged and do not stop the loop; only context cancellation does.
func (r *Receiver) Run(ctx context.Context, ln *Listener) error {
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("receiver run: %w", ctx.Err())
		}

		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("receiver run: %w", ctx.Err())
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-unmarshal-demux-deliver cycle. Parsing
// and the pool buffer lifetime stay on this goroutine; only the session
// mutation (demux + RecvPacket) is posted onto the loop, per Section 5's
// single-threaded-mutation rule.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, netMeta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}

	var pkt bfd.ControlPacket
	if unmarshalErr := bfd.UnmarshalControlPacket(raw, &pkt); unmarshalErr != nil {
		r.logger.Debug("invalid BFD packet",
			slog.String("src", netMeta.SrcAddr.String()),
			slog.String("error", unmarshalErr.Error()),
		)
		if r.drop != nil {
			r.drop.IncPacketsDropped(netMeta.SrcAddr, netMeta.DstAddr)
		}
		return nil // Drop invalid packets silently per RFC 5880 Section 6.8.6.
	}

	meta := store.PacketMeta{SrcAddr: netMeta.SrcAddr, DstAddr: netMeta.DstAddr}

	r.loop.Post(func() {
		now := r.loop.Now()
		sess, demuxErr := r.demuxer.Demux(&pkt, meta)
		if demuxErr != nil {
			r.logger.Debug("demux failed",
				slog.String("src", meta.SrcAddr.String()),
				slog.String("error", demuxErr.Error()),
			)
			if r.drop != nil {
				r.drop.IncPacketsDropped(meta.SrcAddr, meta.DstAddr)
			}
			return
		}
		r.deliver(sess, &pkt, now)
	})

	return nil
}

// deliver exists only so recvOne's closure stays small; it runs on the
// loop goroutine.
func (r *Receiver) deliver(sess *bfd.Session, pkt *bfd.ControlPacket, now time.Time) {
	sess.RecvPacket(pkt, now)
}

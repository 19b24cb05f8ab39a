//go:build integration

package integration_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lindenhall/bfdd/internal/bfd"
	"github.com/lindenhall/bfdd/internal/dispatch"
	"github.com/lindenhall/bfdd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bridgeSender is a bfd.PacketSender that hands every transmitted buffer to
// a peer's dispatch.Loop as an inbound packet, standing in for a real UDP
// socket between two daemons running on the same host.
type bridgeSender struct {
	mu       sync.Mutex
	peerLoop *dispatch.Loop
	peerSt   *store.Store
	meta     store.PacketMeta
	sendCnt  int
}

func (bs *bridgeSender) SendPacket(buf []byte, _ netip.Addr) error {
	bs.mu.Lock()
	loop, st, meta := bs.peerLoop, bs.peerSt, bs.meta
	bs.sendCnt++
	bs.mu.Unlock()

	if loop == nil {
		return nil
	}

	wire := make([]byte, len(buf))
	copy(wire, buf)

	loop.Post(func() {
		var pkt bfd.ControlPacket
		if err := bfd.UnmarshalControlPacket(wire, &pkt); err != nil {
			return
		}
		sess, err := st.Demux(&pkt, meta)
		if err != nil {
			return
		}
		sess.RecvPacket(&pkt, loop.Now())
	})
	return nil
}

func (bs *bridgeSender) count() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.sendCnt
}

func (bs *bridgeSender) disconnect() {
	bs.mu.Lock()
	bs.peerLoop = nil
	bs.mu.Unlock()
}

// runLoop starts l.Run on its own goroutine and returns a function that
// stops it and blocks until the goroutine has exited.
func runLoop(t *testing.T, l *dispatch.Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = l.Run(ctx, nil)
	}()
	return func() {
		cancel()
		select {
		case <-l.Stopped():
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop within timeout")
		}
	}
}

func postSync(l *dispatch.Loop, fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func sessionConfig(name string, local, peer netip.Addr) bfd.SessionConfig {
	return bfd.SessionConfig{
		Name:                name,
		PeerAddr:            peer,
		LocalAddr:           local,
		LocalMinTxInterval:  100 * time.Millisecond,
		LocalMinRxInterval:  100 * time.Millisecond,
		LocalIdleTxInterval: 1 * time.Second,
		LocalDetectMult:     3,
	}
}

// waitForState polls the session state at real-time intervals until it
// matches want or the timeout elapses.
func waitForState(t *testing.T, sess *bfd.Session, want bfd.State, timeout time.Duration) {
	t.Helper()

	const pollInterval = 20 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(pollInterval)
	}

	t.Fatalf("session %d: state = %s, want %s after %v",
		sess.LocalDiscriminator(), sess.State(), want, timeout)
}

// TestDatapathTwoSessions verifies that two BFD sessions, each owned by its
// own store and dispatch loop and connected through an in-memory bridge,
// complete the three-way handshake and reach Up state.
func TestDatapathTwoSessions(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)

	addrA := netip.MustParseAddr("10.0.0.1")
	addrB := netip.MustParseAddr("10.0.0.2")

	loopA := dispatch.New(nil)
	stopA := runLoop(t, loopA)
	defer stopA()
	stA := store.New(loopA, logger)

	loopB := dispatch.New(nil)
	stopB := runLoop(t, loopB)
	defer stopB()
	stB := store.New(loopB, logger)

	senderAtoB := &bridgeSender{peerLoop: loopB, peerSt: stB, meta: store.PacketMeta{SrcAddr: addrA, DstAddr: addrB}}
	senderBtoA := &bridgeSender{peerLoop: loopA, peerSt: stA, meta: store.PacketMeta{SrcAddr: addrB, DstAddr: addrA}}

	var sessA, sessB *bfd.Session
	postSync(loopA, func() {
		var err error
		sessA, err = stA.Create(sessionConfig("a", addrA, addrB), senderAtoB, nil, nil)
		if err != nil {
			t.Errorf("create session A: %v", err)
		}
	})
	postSync(loopB, func() {
		var err error
		sessB, err = stB.Create(sessionConfig("b", addrB, addrA), senderBtoA, nil, nil)
		if err != nil {
			t.Errorf("create session B: %v", err)
		}
	})

	waitForState(t, sessA, bfd.StateUp, 5*time.Second)
	waitForState(t, sessB, bfd.StateUp, 5*time.Second)

	if sessA.RemoteDiscriminator() == 0 {
		t.Error("session A: remote discriminator is zero after handshake")
	}
	if sessB.RemoteDiscriminator() == 0 {
		t.Error("session B: remote discriminator is zero after handshake")
	}
	if senderAtoB.count() == 0 || senderBtoA.count() == 0 {
		t.Error("expected packets to have been exchanged in both directions")
	}
}

// TestDatapathDetectionTimeout verifies that when one peer stops sending
// packets, the other detects the failure and transitions to Down.
func TestDatapathDetectionTimeout(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)

	addrA := netip.MustParseAddr("10.0.1.1")
	addrB := netip.MustParseAddr("10.0.1.2")

	loopA := dispatch.New(nil)
	stopA := runLoop(t, loopA)
	defer stopA()
	stA := store.New(loopA, logger)

	loopB := dispatch.New(nil)
	stopB := runLoop(t, loopB)
	defer stopB()
	stB := store.New(loopB, logger)

	senderAtoB := &bridgeSender{peerLoop: loopB, peerSt: stB, meta: store.PacketMeta{SrcAddr: addrA, DstAddr: addrB}}
	senderBtoA := &bridgeSender{peerLoop: loopA, peerSt: stA, meta: store.PacketMeta{SrcAddr: addrB, DstAddr: addrA}}

	var sessA, sessB *bfd.Session
	postSync(loopA, func() {
		var err error
		sessA, err = stA.Create(sessionConfig("a", addrA, addrB), senderAtoB, nil, nil)
		if err != nil {
			t.Errorf("create session A: %v", err)
		}
	})
	postSync(loopB, func() {
		var err error
		sessB, err = stB.Create(sessionConfig("b", addrB, addrA), senderBtoA, nil, nil)
		if err != nil {
			t.Errorf("create session B: %v", err)
		}
	})

	waitForState(t, sessA, bfd.StateUp, 5*time.Second)
	waitForState(t, sessB, bfd.StateUp, 5*time.Second)

	// B stops hearing from A: disconnect the bridge carrying A's packets
	// to B, so B times out and goes Down. Detection time = 3 * 100ms.
	senderAtoB.disconnect()

	waitForState(t, sessB, bfd.StateDown, 3*time.Second)

	if sessB.LocalDiag() != bfd.DiagControlTimeExpired {
		t.Errorf("session B diag = %s, want ControlTimeExpired", sessB.LocalDiag())
	}
}

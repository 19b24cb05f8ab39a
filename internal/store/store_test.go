package store_test

import (
	"context"
	"errors"
	"net/netip"
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

type fakeSender struct{}

func (fakeSender) SendPacket([]byte, netip.Addr) error { return nil }

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

func testConfig(name string, peer netip.Addr) bfd.SessionConfig {
	return bfd.SessionConfig{
		Name:                name,
		PeerAddr:            peer,
		LocalMinTxInterval:  100 * time.Millisecond,
		LocalMinRxInterval:  100 * time.Millisecond,
		LocalIdleTxInterval: 1 * time.Second,
		LocalDetectMult:     3,
	}
}

func TestCreateAndLookup(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	var sess *bfd.Session
	var err error
	postSync(l, func() {
		sess, err = st.Create(testConfig("peer1", peer), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got, ok := st.LookupByName("peer1"); !ok || got != sess {
		t.Errorf("LookupByName: got (%v, %v), want (%v, true)", got, ok, sess)
	}
	if got, ok := st.LookupByPeer(peer); !ok || got != sess {
		t.Errorf("LookupByPeer: got (%v, %v), want (%v, true)", got, ok, sess)
	}
	if got, ok := st.LookupByDiscriminator(sess.LocalDiscriminator()); !ok || got != sess {
		t.Errorf("LookupByDiscriminator: got (%v, %v), want (%v, true)", got, ok, sess)
	}
	if st.Len() != 1 {
		t.Errorf("Len: got %d, want 1", st.Len())
	}
}

func TestCreateDuplicateName(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peerA := netip.MustParseAddr("192.0.2.1")
	peerB := netip.MustParseAddr("192.0.2.2")

	var err error
	postSync(l, func() {
		_, err = st.Create(testConfig("dup", peerA), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	postSync(l, func() {
		_, err = st.Create(testConfig("dup", peerB), fakeSender{}, nil, nil)
	})
	if !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("second Create: got err %v, want ErrDuplicateName", err)
	}
}

func TestCreateDuplicateNeighbor(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	var err error
	postSync(l, func() {
		_, err = st.Create(testConfig("first", peer), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	postSync(l, func() {
		_, err = st.Create(testConfig("second", peer), fakeSender{}, nil, nil)
	})
	if !errors.Is(err, store.ErrDuplicateNeighbor) {
		t.Fatalf("second Create: got err %v, want ErrDuplicateNeighbor", err)
	}
}

func TestDestroyReleasesDiscriminator(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	var sess *bfd.Session
	var err error
	postSync(l, func() {
		sess, err = st.Create(testConfig("gone", peer), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	discr := sess.LocalDiscriminator()

	postSync(l, func() {
		err = st.Destroy("gone")
	})
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, ok := st.LookupByName("gone"); ok {
		t.Error("LookupByName: found session after Destroy")
	}
	if _, ok := st.LookupByDiscriminator(discr); ok {
		t.Error("LookupByDiscriminator: found session after Destroy")
	}
	if st.Discriminators().IsAllocated(discr) {
		t.Error("discriminator still allocated after Destroy")
	}
}

func TestDestroyNotFound(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)

	var err error
	postSync(l, func() {
		err = st.Destroy("nonexistent")
	})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("Destroy: got err %v, want ErrSessionNotFound", err)
	}
}

func TestDemuxByDiscriminator(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	var sess *bfd.Session
	var err error
	postSync(l, func() {
		sess, err = st.Create(testConfig("demux", peer), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pkt := &bfd.ControlPacket{YourDiscriminator: sess.LocalDiscriminator()}

	var got *bfd.Session
	postSync(l, func() {
		got, err = st.Demux(pkt, store.PacketMeta{SrcAddr: peer})
	})
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got != sess {
		t.Errorf("Demux: got %v, want %v", got, sess)
	}
}

func TestDemuxBySourceAddrWhenDiscriminatorZero(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	var sess *bfd.Session
	var err error
	postSync(l, func() {
		sess, err = st.Create(testConfig("demux2", peer), fakeSender{}, nil, nil)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pkt := &bfd.ControlPacket{YourDiscriminator: 0}

	var got *bfd.Session
	postSync(l, func() {
		got, err = st.Demux(pkt, store.PacketMeta{SrcAddr: peer})
	})
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got != sess {
		t.Errorf("Demux: got %v, want %v", got, sess)
	}
}

func TestDemuxNoMatch(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)

	pkt := &bfd.ControlPacket{YourDiscriminator: 0}
	unknown := netip.MustParseAddr("203.0.113.9")

	var err error
	postSync(l, func() {
		_, err = st.Demux(pkt, store.PacketMeta{SrcAddr: unknown})
	})
	if !errors.Is(err, store.ErrDemuxNoMatch) {
		t.Fatalf("Demux: got err %v, want ErrDemuxNoMatch", err)
	}
}

func TestSuspendResumeAllKeepsSessionEnabled(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	postSync(l, func() {
		_, err := st.Create(testConfig("reload", peer), fakeSender{}, nil, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	})

	postSync(l, func() {
		st.SuspendAll()
		st.ResumeAll()
	})

	sess, ok := st.LookupByName("reload")
	if !ok {
		t.Fatal("session missing after suspend/resume")
	}
	if sess.State() == bfd.StateAdminDown {
		t.Error("session went AdminDown across suspend/resume")
	}
}

func TestDrainAllSetsAdminDown(t *testing.T) {
	t.Parallel()

	l := dispatch.New(nil)
	stop := runLoop(t, l)
	defer stop()

	st := store.New(l, nil)
	peer := netip.MustParseAddr("192.0.2.1")

	postSync(l, func() {
		_, err := st.Create(testConfig("drain", peer), fakeSender{}, nil, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	})

	postSync(l, func() {
		st.DrainAll()
	})

	sess, ok := st.LookupByName("drain")
	if !ok {
		t.Fatal("session missing after DrainAll")
	}
	if sess.State() != bfd.StateAdminDown {
		t.Errorf("State after DrainAll: got %v, want AdminDown", sess.State())
	}
}

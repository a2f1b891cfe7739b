package coordinator

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"warren/internal/bitfield"
	"warren/internal/config"
	"warren/internal/piece"
	"warren/internal/session"
	"warren/internal/wire"
)

var testInfoHash = sha1.Sum([]byte("test-torrent"))

// newTestPeer wraps one end of a net.Pipe in an AcceptInbound session (the
// side under test) and hands back the other end so the test can play the
// role of the remote: writing a handshake, then bitfield/choke messages.
func newTestPeer(t *testing.T, numPieces int, events chan session.Event, addr string) (*session.Session, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	opts := session.Opts{
		InfoHash:   testInfoHash,
		PeerID:     [sha1.Size]byte{1},
		NumPieces:  numPieces,
		OutboxSize: 8,
	}

	sess := session.AcceptInbound(server, netip.MustParseAddrPort(addr), opts, events)
	go sess.Run(context.Background())

	remoteHS := wire.NewHandshake(testInfoHash, [sha1.Size]byte{2})
	if _, err := remoteHS.Exchange(client, false); err != nil {
		t.Fatalf("handshake exchange: %v", err)
	}

	return sess, client
}

func setRemoteHasPiece(t *testing.T, client net.Conn, bf bitfield.Bitfield, unchoke bool) {
	t.Helper()
	if err := wire.WriteMessage(client, wire.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}
	if unchoke {
		if err := wire.WriteMessage(client, wire.MessageUnchoke()); err != nil {
			t.Fatalf("write unchoke: %v", err)
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestCoordinator(t *testing.T, mgr *piece.Manager) *Coordinator {
	t.Helper()
	return New(Opts{
		Config: config.Config{
			MaxOutstandingRequests: 50,
			RequestReassignAfter:   10 * time.Second,
			PeerIdleTimeout:        120 * time.Second,
		},
		Pieces: mgr,
		PeerID: [sha1.Size]byte{9},
	})
}

func TestPickTwoPeers_OnlyEligiblePeerWins(t *testing.T) {
	events := make(chan session.Event, 32)
	mgr, err := piece.NewManager([][sha1.Size]byte{{}}, 16384, 16384, t.TempDir(), "f")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c := newTestCoordinator(t, mgr)

	choking, chokingConn := newTestPeer(t, 1, events, "127.0.0.1:1001")
	unchoked, unchokedConn := newTestPeer(t, 1, events, "127.0.0.1:1002")
	defer chokingConn.Close()
	defer unchokedConn.Close()

	bf := bitfield.New(1)
	bf.Set(0)
	setRemoteHasPiece(t, chokingConn, bf, false)
	setRemoteHasPiece(t, unchokedConn, bf, true)

	waitUntil(t, func() bool { return !unchoked.PeerChoking() })
	waitUntil(t, func() bool { return choking.RemoteBitfield().Has(0) })

	c.peers[choking.Key()] = choking
	c.peers[unchoked.Key()] = unchoked

	pick1, pick2 := c.pickTwoPeers(0)
	if pick1 != unchoked || pick2 != unchoked {
		t.Fatalf("expected both picks to be the only unchoked peer, got %v %v", pick1, pick2)
	}
}

func TestRunScheduler_SplitsBlocksAt25(t *testing.T) {
	events := make(chan session.Event, 64)
	const blockLen = 16384
	pieceLen := int32(blockLen * 30) // exactly 30 blocks, no remainder

	mgr, err := piece.NewManager([][sha1.Size]byte{{}}, pieceLen, int64(pieceLen), t.TempDir(), "f")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c := newTestCoordinator(t, mgr)

	peerA, connA := newTestPeer(t, 1, events, "127.0.0.1:2001")
	peerB, connB := newTestPeer(t, 1, events, "127.0.0.1:2002")
	defer connA.Close()
	defer connB.Close()

	bf := bitfield.New(1)
	bf.Set(0)
	setRemoteHasPiece(t, connA, bf, true)
	setRemoteHasPiece(t, connB, bf, true)

	waitUntil(t, func() bool { return !peerA.PeerChoking() && !peerB.PeerChoking() })

	c.peers[peerA.Key()] = peerA
	c.peers[peerB.Key()] = peerB

	c.runScheduler()

	if c.w != 30 {
		t.Fatalf("w = %d, want 30", c.w)
	}

	firstPeer := piece.PeerKey("")
	for i := 0; i < 25; i++ {
		peerKey, _, ok := mgr.AssignedSince(0, i)
		if !ok {
			t.Fatalf("block %d not assigned", i)
		}
		if firstPeer == "" {
			firstPeer = peerKey
		} else if peerKey != firstPeer {
			t.Fatalf("block %d assigned to %q, want consistent first pick %q", i, peerKey, firstPeer)
		}
	}

	secondPeer := piece.PeerKey("")
	for i := 25; i < 30; i++ {
		peerKey, _, ok := mgr.AssignedSince(0, i)
		if !ok {
			t.Fatalf("block %d not assigned", i)
		}
		if secondPeer == "" {
			secondPeer = peerKey
		} else if peerKey != secondPeer {
			t.Fatalf("block %d assigned to %q, want consistent second pick %q", i, peerKey, secondPeer)
		}
	}
}

func TestRunScheduler_GatedByChoking(t *testing.T) {
	events := make(chan session.Event, 8)
	mgr, err := piece.NewManager([][sha1.Size]byte{{}}, 16384, 16384, t.TempDir(), "f")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c := newTestCoordinator(t, mgr)

	peerA, connA := newTestPeer(t, 1, events, "127.0.0.1:3001")
	defer connA.Close()

	bf := bitfield.New(1)
	bf.Set(0)
	setRemoteHasPiece(t, connA, bf, false) // stays choking us

	waitUntil(t, func() bool { return peerA.RemoteBitfield().Has(0) })

	c.peers[peerA.Key()] = peerA
	c.runScheduler()

	if c.w != 0 {
		t.Fatalf("w = %d, want 0 while every peer is choking us", c.w)
	}
}

func TestDropPeer_ReleasesReservations(t *testing.T) {
	events := make(chan session.Event, 8)
	mgr, err := piece.NewManager([][sha1.Size]byte{{}}, 16384, 16384, t.TempDir(), "f")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c := newTestCoordinator(t, mgr)

	peerA, connA := newTestPeer(t, 1, events, "127.0.0.1:4001")
	defer connA.Close()
	c.peers[peerA.Key()] = peerA

	if !mgr.AssignBlock(0, 0, piece.PeerKey(peerA.Key()), time.Now()) {
		t.Fatalf("AssignBlock failed")
	}
	c.w = 1

	c.dropPeer(peerA.Key(), nil)

	if c.w != 0 {
		t.Fatalf("w = %d, want 0 after dropping the only holder", c.w)
	}
	if _, ok := c.peers[peerA.Key()]; ok {
		t.Fatalf("peer still present after drop")
	}
	state, _ := mgr.BlockState(0, 0)
	if state != piece.BlockWant {
		t.Fatalf("block state = %v, want BlockWant after release", state)
	}
}

func TestDecrementW_NeverNegative(t *testing.T) {
	mgr, err := piece.NewManager([][sha1.Size]byte{{}}, 16384, 16384, t.TempDir(), "f")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c := newTestCoordinator(t, mgr)
	c.w = 0
	c.decrementW(5)
	if c.w != 0 {
		t.Fatalf("w = %d, want floor of 0", c.w)
	}
}

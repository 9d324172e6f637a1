package peer

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/relaysix/peerbox/internal/bitfield"
	"github.com/relaysix/peerbox/internal/config"
	"github.com/relaysix/peerbox/internal/piece"
)

func mkPieceManager(t *testing.T, pieceCount, pieceLength int) *piece.Manager {
	t.Helper()

	hashes := make([][sha1.Size]byte, pieceCount)
	return piece.NewManager(hashes, pieceLength, int64(pieceCount*pieceLength), discardLogger())
}

func addrN(n int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, byte(n)}), uint16(6881+n))
}

// addFakePeer registers a live Peer under addr in the registry without
// going through a real handshake, so assign()/nextNeededPieceLocked()
// can be exercised directly.
func addFakePeer(t *testing.T, r *Registry, addr netip.AddrPort) *Peer {
	t.Helper()

	var infoHash [sha1.Size]byte
	opts := r.peerOpts()
	p, remote := newConnectedPeers(t, Opts{
		Log:        discardLogger(),
		Config:     testConfig(),
		InfoHash:   infoHash,
		PieceCount: opts.PieceCount,
	})
	t.Cleanup(func() { remote.Close() })

	p.setState(maskPeerChoking, false)

	r.mu.Lock()
	r.peers[addr] = p
	r.mu.Unlock()

	return p
}

func TestHybridPieceOrder(t *testing.T) {
	cases := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{1, []int{0}},
		{2, []int{0, 1}},
		{3, []int{0, 2, 1}},
		{5, []int{0, 4, 1, 3, 2}},
	}
	for _, c := range cases {
		got := hybridPieceOrder(c.n)
		if len(got) != len(c.want) {
			t.Fatalf("hybridPieceOrder(%d) = %v, want %v", c.n, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("hybridPieceOrder(%d) = %v, want %v", c.n, got, c.want)
			}
		}
	}
}

func TestNextNeededPieceFollowsHybridOrder(t *testing.T) {
	pieceMgr := mkPieceManager(t, 3, 100)
	r := New(config.Config{MaxInflightPerPeer: 8}, [sha1.Size]byte{}, pieceMgr, nil, discardLogger())

	addr := addrN(1)
	other := addrN(2)

	p := addFakePeer(t, r, addr)
	defer p.Close()

	// Hybrid order for 3 pieces is [0, 2, 1]. addr holds both 0 and 1;
	// the earlier-in-order piece 0 should be picked even though piece 1
	// is rarer (held by addr alone vs. piece 0 held by both peers).
	r.mu.Lock()
	r.availability[0] = map[netip.AddrPort]struct{}{addr: {}, other: {}}
	r.availability[1] = map[netip.AddrPort]struct{}{addr: {}}
	r.mu.Unlock()

	index, ok := r.nextNeededPieceLocked(addr)
	if !ok {
		t.Fatal("expected a piece to be selected")
	}
	if index != 0 {
		t.Fatalf("expected hybrid-order piece 0, got %d", index)
	}
}

func TestAssignRespectsInflightCap(t *testing.T) {
	pieceMgr := mkPieceManager(t, 1, piece.MaxBlockLength*4)
	r := New(config.Config{MaxInflightPerPeer: 2}, [sha1.Size]byte{}, pieceMgr, nil, discardLogger())

	addr := addrN(1)
	p := addFakePeer(t, r, addr)
	defer p.Close()

	r.mu.Lock()
	r.availability[0] = map[netip.AddrPort]struct{}{addr: {}}
	r.mu.Unlock()

	r.assign(addr)

	r.mu.Lock()
	n := len(r.inflight[addr])
	r.mu.Unlock()

	if n != 2 {
		t.Fatalf("expected inflight capped at 2, got %d", n)
	}
}

func TestOnBitfieldUpdatesAvailability(t *testing.T) {
	pieceMgr := mkPieceManager(t, 4, 100)
	r := New(config.Config{MaxInflightPerPeer: 8}, [sha1.Size]byte{}, pieceMgr, nil, discardLogger())

	addr := addrN(1)
	p := addFakePeer(t, r, addr)
	defer p.Close()

	bf := bitfield.New(4)
	bf.Set(2)

	r.onBitfield(addr, bf)

	r.mu.Lock()
	_, has := r.availability[2][addr]
	r.mu.Unlock()

	if !has {
		t.Fatal("expected piece 2 to be marked available from addr")
	}
}

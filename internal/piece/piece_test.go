package piece

import (
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"
)

func mkManager(t *testing.T, data []byte, pieceLength int) *Manager {
	t.Helper()

	var hashes [][sha1.Size]byte
	for off := 0; off < len(data); off += pieceLength {
		end := off + pieceLength
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, sha1.Sum(data[off:end]))
	}

	return NewManager(hashes, pieceLength, int64(len(data)), nil)
}

func peerAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

func TestReserveAndDeliverSingleBlockPiece(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	m := mkManager(t, data, 100)

	req, ok := m.ReserveBlock(0, peerAddr(1))
	if !ok {
		t.Fatalf("expected to reserve a block")
	}
	if req.Begin != 0 || req.Length != 100 {
		t.Fatalf("req = %+v, want begin=0 length=100", req)
	}

	if _, ok := m.ReserveBlock(0, peerAddr(2)); ok {
		t.Fatalf("expected no free block left to reserve")
	}

	completed, failed, ok := m.DeliverBlock(0, 0, data)
	if !ok || failed {
		t.Fatalf("DeliverBlock: ok=%v failed=%v", ok, failed)
	}
	if completed == nil {
		t.Fatalf("expected piece to complete")
	}
	if !m.PieceVerified(0) {
		t.Fatalf("expected piece 0 verified")
	}
	if !m.Done() {
		t.Fatalf("expected manager done")
	}
}

func TestMultiBlockPieceAssembly(t *testing.T) {
	data := make([]byte, MaxBlockLength+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	m := mkManager(t, data, len(data))

	req1, ok := m.ReserveBlock(0, peerAddr(1))
	if !ok || req1.Begin != 0 || req1.Length != MaxBlockLength {
		t.Fatalf("req1 = %+v ok=%v", req1, ok)
	}

	completed, _, ok := m.DeliverBlock(0, req1.Begin, data[req1.Begin:req1.Begin+req1.Length])
	if !ok || completed != nil {
		t.Fatalf("expected piece incomplete after first block")
	}

	req2, ok := m.ReserveBlock(0, peerAddr(2))
	if !ok || req2.Begin != MaxBlockLength || req2.Length != 100 {
		t.Fatalf("req2 = %+v ok=%v", req2, ok)
	}

	completed, failed, ok := m.DeliverBlock(0, req2.Begin, data[req2.Begin:req2.Begin+req2.Length])
	if !ok || failed || completed == nil {
		t.Fatalf("expected completion: ok=%v failed=%v completed=%v", ok, failed, completed)
	}
	if len(completed.Data) != len(data) {
		t.Fatalf("assembled length = %d, want %d", len(completed.Data), len(data))
	}
	for i := range data {
		if completed.Data[i] != data[i] {
			t.Fatalf("assembled data mismatch at %d", i)
		}
	}
}

func TestHashMismatchResetsBlocks(t *testing.T) {
	data := make([]byte, 50)
	m := mkManager(t, data, 50)

	req, _ := m.ReserveBlock(0, peerAddr(1))
	bogus := make([]byte, req.Length)
	bogus[0] = 0xFF

	completed, failed, ok := m.DeliverBlock(0, req.Begin, bogus)
	if !ok || !failed || completed != nil {
		t.Fatalf("expected verification failure: ok=%v failed=%v completed=%v", ok, failed, completed)
	}
	if m.PieceVerified(0) {
		t.Fatalf("piece should not be verified after hash mismatch")
	}
	if !m.NeedsBlocks(0) {
		t.Fatalf("expected block reset back to FREE after failed verification")
	}

	req2, ok := m.ReserveBlock(0, peerAddr(2))
	if !ok || req2.Begin != 0 {
		t.Fatalf("expected to re-reserve the reset block, got %+v ok=%v", req2, ok)
	}
}

func TestUnassignBlockReturnsToFree(t *testing.T) {
	data := make([]byte, 50)
	m := mkManager(t, data, 50)

	req, ok := m.ReserveBlock(0, peerAddr(1))
	if !ok {
		t.Fatalf("expected reservation")
	}
	if m.NeedsBlocks(0) {
		t.Fatalf("block should be pending, not free")
	}

	m.UnassignBlock(0, req.Begin)
	if !m.NeedsBlocks(0) {
		t.Fatalf("expected block back to FREE after unassign")
	}
}

func TestSweepDemotesStalePending(t *testing.T) {
	data := make([]byte, 50)
	m := mkManager(t, data, 50)

	if _, ok := m.ReserveBlock(0, peerAddr(1)); !ok {
		t.Fatalf("expected reservation")
	}

	// Force the block's requestedAt into the past to simulate a timeout
	// without sleeping for the real PendingTimeout duration.
	m.pieces[0].blocks[0].requestedAt = time.Now().Add(-PendingTimeout - time.Second)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if !m.NeedsBlocks(0) {
		t.Fatalf("expected block demoted back to FREE")
	}
}

func TestReserveBlockOnVerifiedPieceFails(t *testing.T) {
	data := make([]byte, 10)
	m := mkManager(t, data, 10)

	req, _ := m.ReserveBlock(0, peerAddr(1))
	m.DeliverBlock(0, req.Begin, data)

	if _, ok := m.ReserveBlock(0, peerAddr(2)); ok {
		t.Fatalf("expected no reservation on an already-verified piece")
	}
}

func TestOutOfRangeIndex(t *testing.T) {
	data := make([]byte, 10)
	m := mkManager(t, data, 10)

	if _, ok := m.ReserveBlock(5, peerAddr(1)); ok {
		t.Fatalf("expected failure for out-of-range piece index")
	}
	if _, _, ok := m.DeliverBlock(5, 0, data); ok {
		t.Fatalf("expected failure for out-of-range piece index")
	}
	if _, err := m.PieceLength(5); err == nil {
		t.Fatalf("expected error for out-of-range piece index")
	}
}

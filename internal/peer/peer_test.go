package peer

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/relaysix/peerbox/internal/bitfield"
	"github.com/relaysix/peerbox/internal/config"
	"github.com/relaysix/peerbox/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 6881)
}

func testConfig() config.Config {
	return config.Config{
		ClientID:                 [sha1.Size]byte{'t', 'e', 's', 't'},
		DialTimeout:              time.Second,
		HandshakeTimeout:         time.Second,
		ReadTimeout:              time.Second,
		WriteTimeout:             time.Second,
		KeepAliveInterval:        time.Hour,
		PeerOutboundQueueBacklog: 16,
	}
}

// newConnectedPeers drives a real handshake over an in-memory pipe and
// returns the local-side Peer along with the raw remote end of the pipe,
// which the test drives directly to simulate a peer.
func newConnectedPeers(t *testing.T, opts Opts) (*Peer, net.Conn) {
	t.Helper()

	client, remote := net.Pipe()

	type result struct {
		p   *Peer
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := Accept(client, testAddr(), opts)
		ch <- result{p, err}
	}()

	hs := protocol.NewHandshake(opts.InfoHash, [sha1.Size]byte{'r', 'e', 'm', 'o', 't', 'e'})
	remoteHS, err := hs.Exchange(remote, true)
	if err != nil {
		t.Fatalf("remote handshake: %v", err)
	}
	if remoteHS.InfoHash != opts.InfoHash {
		t.Fatalf("info hash mismatch")
	}

	res := <-ch
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}

	return res.p, remote
}

func TestHandshakeAndBitfieldExchange(t *testing.T) {
	var infoHash [sha1.Size]byte
	copy(infoHash[:], "infohashinfohash1234")

	var gotBF bitfield.Bitfield
	bfCh := make(chan struct{}, 1)

	opts := Opts{
		Log:        discardLogger(),
		Config:     testConfig(),
		InfoHash:   infoHash,
		PieceCount: 10,
		OnBitfield: func(_ netip.AddrPort, bf bitfield.Bitfield) {
			gotBF = bf
			bfCh <- struct{}{}
		},
	}

	p, remote := newConnectedPeers(t, opts)
	defer p.Close()
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	bf := bitfield.New(10)
	bf.Set(1)
	bf.Set(3)
	if err := protocol.WriteMessage(remote, protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	select {
	case <-bfCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bitfield callback")
	}

	if !gotBF.Has(1) || !gotBF.Has(3) {
		t.Fatalf("bitfield not propagated correctly: %v", gotBF)
	}
}

func TestUnchokeTransition(t *testing.T) {
	var infoHash [sha1.Size]byte
	copy(infoHash[:], "infohashinfohash1234")

	unchoked := make(chan struct{}, 1)
	opts := Opts{
		Log:        discardLogger(),
		Config:     testConfig(),
		InfoHash:   infoHash,
		PieceCount: 1,
		OnUnchoked: func(netip.AddrPort) { unchoked <- struct{}{} },
	}

	p, remote := newConnectedPeers(t, opts)
	defer p.Close()
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if !p.PeerChoking() {
		t.Fatal("expected peer to start choked")
	}

	if err := protocol.WriteMessage(remote, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	select {
	case <-unchoked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke callback")
	}

	if p.PeerChoking() {
		t.Fatal("expected peer to no longer be choking")
	}
}

func TestValidateBitfieldRejectsPaddingBits(t *testing.T) {
	// 5 pieces needs 1 byte; bit 7 (index 7) is padding and must be zero.
	payload := []byte{0b00000001}
	if _, err := validateBitfield(payload, 5); err == nil {
		t.Fatal("expected error for set padding bit")
	}

	payload = []byte{0b11111000}
	bf, err := validateBitfield(payload, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bf.Count() != 5 {
		t.Fatalf("expected 5 bits set, got %d", bf.Count())
	}
}

func TestValidateBitfieldRejectsWrongLength(t *testing.T) {
	if _, err := validateBitfield([]byte{0, 0}, 5); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

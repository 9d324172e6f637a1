// Package torrent wires together the tracker client, peer registry, piece
// manager, and on-disk store into a single running torrent: the download
// coordinator that drives the swarm toward completion, and the upload
// coordinator that accepts inbound connections from other peers.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/relaysix/peerbox/internal/meta"
	"github.com/relaysix/peerbox/internal/peer"
	"github.com/relaysix/peerbox/internal/piece"
	"github.com/relaysix/peerbox/internal/storage"
	"github.com/relaysix/peerbox/internal/tracker"
	"golang.org/x/sync/errgroup"
)

type Torrent struct {
	Metainfo *meta.Metainfo

	clientID [sha1.Size]byte
	cfg      Config
	log      *slog.Logger

	tracker  *tracker.Tracker
	registry *peer.Registry
	pieceMgr *piece.Manager
	store    *storage.Store

	listener   net.Listener
	listenPort uint16

	cancel context.CancelFunc
}

// New parses a metainfo file, sets up on-disk storage under downloadDir,
// and wires a tracker client and peer registry for it. The returned
// Torrent is ready for Run.
func New(clientID [sha1.Size]byte, data []byte, downloadDir string, cfg Config, log *slog.Logger) (*Torrent, error) {
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}

	log = log.With("torrent", mi.Info.Name)

	store, err := storage.New(mi, downloadDir, log)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}

	pieceMgr := piece.NewManager(mi.Info.Pieces, int(mi.Info.PieceLength), mi.Size(), log)

	registry := peer.New(cfg.Peer, mi.InfoHash, pieceMgr, store, log)

	t := &Torrent{
		Metainfo: mi,
		clientID: clientID,
		cfg:      cfg,
		log:      log,
		registry: registry,
		pieceMgr: pieceMgr,
		store:    store,
	}

	trk, err := tracker.New(mi.Announce, mi.AnnounceList, tracker.Opts{
		Config:            cfg.Tracker,
		Logger:            log,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: registry.AdmitPeers,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("torrent: %w", err)
	}
	t.tracker = trk

	return t, nil
}

// VerifyExisting hashes every piece already present under the torrent's
// storage root against the metainfo's piece hashes, marking whichever
// match as verified and setting the matching bits in the local bitfield.
// Call before Listen/Run so a seed advertises (and will serve) the pieces
// it already holds instead of starting from an empty bitfield. Returns the
// number of pieces found already complete.
func (t *Torrent) VerifyExisting() (int, error) {
	verified, err := t.pieceMgr.VerifyExisting(t.store.ReadPiece)
	if err != nil {
		return len(verified), fmt.Errorf("torrent: verify existing: %w", err)
	}

	for _, index := range verified {
		t.registry.MarkLocalComplete(index)
	}

	if len(verified) > 0 {
		t.log.Info("verified existing pieces on disk", "count", len(verified), "total", t.pieceMgr.PieceCount())
	}

	return len(verified), nil
}

// Run drives the tracker announce loop, the peer registry, and (if a
// listener was bound via Listen) the inbound accept loop, until ctx is
// cancelled or one of them fails.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer t.store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.registry.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })

	if t.listener != nil {
		g.Go(func() error { return t.acceptLoop(gctx) })
	}

	return g.Wait()
}

// Listen binds a TCP listener for inbound peer connections, trying every
// port in the configured range in order. Call before Run.
func (t *Torrent) Listen() error {
	lo, hi := t.cfg.Peer.ListenPortRange[0], t.cfg.Peer.ListenPortRange[1]

	var lastErr error
	for port := lo; port <= hi; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		t.listener = ln
		t.listenPort = uint16(port)
		t.log.Info("listening for inbound peers", "port", port)
		return nil
	}

	return fmt.Errorf("torrent: no free port in range [%d,%d]: %w", lo, hi, lastErr)
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
}

func (t *Torrent) Done() bool { return t.pieceMgr.Done() }

type Stats struct {
	Peer     peer.Metrics
	Tracker  tracker.Metrics
	Progress float64
	Peers    []peer.PeerMetrics
}

func (t *Torrent) Stats() Stats {
	total := t.pieceMgr.PieceCount()
	remaining := t.pieceMgr.Remaining()

	progress := 0.0
	if total > 0 {
		progress = float64(total-remaining) / float64(total) * 100.0
	}

	return Stats{
		Peer:     t.registry.Stats(),
		Tracker:  t.tracker.Stats(),
		Progress: progress,
		Peers:    t.registry.PeerMetrics(),
	}
}

func (t *Torrent) PeerHistory(addr netip.AddrPort, limit int) ([]*peer.Event, error) {
	p, ok := t.registry.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("torrent: peer %s not connected", addr)
	}
	return p.History(limit)
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.registry.Stats()
	left := t.Metainfo.Size() - int64(stats.TotalDownloaded)
	if left < 0 {
		left = 0
	}

	event := tracker.EventNone
	switch {
	case t.pieceMgr.Done():
		event = tracker.EventCompleted
	case stats.TotalDownloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       uint64(left),
		Event:      event,
		NumWant:    uint32(t.cfg.Peer.NumWant),
		Port:       t.listenPort,
	}
}

func (t *Torrent) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		addr, ok := remoteAddrPort(conn)
		if !ok {
			_ = conn.Close()
			continue
		}

		go func() {
			deadline := time.Now().Add(t.cfg.Peer.HandshakeTimeout)
			_ = conn.SetDeadline(deadline)
			t.registry.HandleInbound(ctx, conn, addr)
		}()
	}
}

func remoteAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port)), true
}

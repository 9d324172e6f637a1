package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaysix/peerbox/internal/bitfield"
	"github.com/relaysix/peerbox/internal/config"
	"github.com/relaysix/peerbox/internal/piece"
	"github.com/relaysix/peerbox/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	dialWorkers = 4

	defaultServeWorkers    = 3
	defaultAssembleWorkers = 4

	serveRetries     = 3
	serveBackoffBase = 20 * time.Millisecond
)

// requestJob is one inbound REQUEST queued for a serveWorker.
type requestJob struct {
	addr   netip.AddrPort
	index  int
	begin  int
	length int
}

// assembleJob is one completed, hash-verified piece queued for a
// assembleWorker to persist to disk.
type assembleJob struct {
	index int
	data  []byte
}

// Registry owns every live peer session for one torrent and implements the
// piece-assignment policy: always interested, never choke (see the piece
// selection Design Note), rarest-last-hybrid piece ordering (0, n-1, 1,
// n-2, ... to diversify in-flight pieces), and round-robin across the
// peers that hold a given piece.
type Registry struct {
	cfg      config.Config
	infoHash [sha1.Size]byte
	log      *slog.Logger

	pieceMgr *piece.Manager
	store    *storage.Store

	mu            sync.Mutex
	peers         map[netip.AddrPort]*Peer
	availability  map[int]map[netip.AddrPort]struct{}
	inflight      map[netip.AddrPort][]piece.BlockRequest
	ourBitfield   bitfield.Bitfield
	scheduleOrder []int

	stats      *Stats
	connectCh  chan netip.AddrPort
	serveCh    chan requestJob
	assembleCh chan assembleJob
}

type Stats struct {
	TotalPeers      atomic.Int32
	FailedDials     atomic.Uint32
	InterestedPeers atomic.Int32
	TotalDownloaded atomic.Uint64
	TotalUploaded   atomic.Uint64
	DownloadRate    atomic.Uint64
	UploadRate      atomic.Uint64
}

type Metrics struct {
	TotalPeers      int32
	FailedDials     uint32
	InterestedPeers int32
	TotalDownloaded uint64
	TotalUploaded   uint64
	DownloadRate    uint64
	UploadRate      uint64
}

// New builds a Registry for one torrent. pieceMgr and store must already be
// wired to the same metainfo.
func New(cfg config.Config, infoHash [sha1.Size]byte, pieceMgr *piece.Manager, store *storage.Store, log *slog.Logger) *Registry {
	return &Registry{
		cfg:           cfg,
		infoHash:      infoHash,
		log:           log.With("component", "peer registry"),
		pieceMgr:      pieceMgr,
		store:         store,
		peers:         make(map[netip.AddrPort]*Peer),
		availability:  make(map[int]map[netip.AddrPort]struct{}),
		inflight:      make(map[netip.AddrPort][]piece.BlockRequest),
		ourBitfield:   bitfield.New(pieceMgr.PieceCount()),
		scheduleOrder: hybridPieceOrder(pieceMgr.PieceCount()),
		stats:         &Stats{},
		connectCh:     make(chan netip.AddrPort, cfg.MaxPeers*4),
		serveCh:       make(chan requestJob, normalizeWorkers(cfg.ServeWorkers, defaultServeWorkers)*32),
		assembleCh:    make(chan assembleJob, normalizeWorkers(cfg.AssembleWorkers, defaultAssembleWorkers)*8),
	}
}

func normalizeWorkers(configured, fallback int) int {
	if configured <= 0 {
		return fallback
	}
	return configured
}

// hybridPieceOrder returns piece indices in the "rarest-last-hybrid" order
// the scheduling policy uses: 0, n-1, 1, n-2, 2, n-3, ... This is not
// rarest-first; it diversifies the set of in-flight pieces with a
// deterministic, easy-to-test tie-break.
func hybridPieceOrder(n int) []int {
	order := make([]int, 0, n)
	lo, hi := 0, n-1
	for lo <= hi {
		order = append(order, lo)
		if hi != lo {
			order = append(order, hi)
		}
		lo++
		hi--
	}
	return order
}

// Run drives the dialer pool, the inbound-request serving pool, the
// piece-assembly (disk write) pool, and the maintenance loop until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < dialWorkers; i++ {
		g.Go(func() error { return r.dialerLoop(gctx) })
	}

	serveWorkers := normalizeWorkers(r.cfg.ServeWorkers, defaultServeWorkers)
	for i := 0; i < serveWorkers; i++ {
		g.Go(func() error { return r.serveWorker(gctx) })
	}

	assembleWorkers := normalizeWorkers(r.cfg.AssembleWorkers, defaultAssembleWorkers)
	for i := 0; i < assembleWorkers; i++ {
		g.Go(func() error { return r.assembleWorker(gctx) })
	}

	g.Go(func() error { return r.maintenanceLoop(gctx) })

	return g.Wait()
}

// AdmitPeers queues candidate peer addresses discovered by a tracker
// announce. Addresses are dropped if the queue is already full.
func (r *Registry) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case r.connectCh <- addr:
		default:
			r.log.Debug("admit queue full, dropping candidate", "addr", addr)
		}
	}
}

// HandleInbound completes a peer session over an already-accepted
// connection (the handshake itself is performed by peer.Accept) and
// registers it like any dialed peer.
func (r *Registry) HandleInbound(ctx context.Context, conn net.Conn, addr netip.AddrPort) {
	p, err := Accept(conn, addr, r.peerOpts())
	if err != nil {
		r.log.Debug("inbound handshake failed", "addr", addr, "error", err.Error())
		_ = conn.Close()
		return
	}
	r.register(ctx, p)
}

func (r *Registry) Stats() Metrics {
	s := r.stats
	return Metrics{
		TotalPeers:      s.TotalPeers.Load(),
		FailedDials:     s.FailedDials.Load(),
		InterestedPeers: s.InterestedPeers.Load(),
		TotalDownloaded: s.TotalDownloaded.Load(),
		TotalUploaded:   s.TotalUploaded.Load(),
		DownloadRate:    s.DownloadRate.Load(),
		UploadRate:      s.UploadRate.Load(),
	}
}

func (r *Registry) PeerMetrics() []PeerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerMetrics, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Stats())
	}
	return out
}

func (r *Registry) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	return p, ok
}

func (r *Registry) peerOpts() Opts {
	return Opts{
		Log:          r.log,
		Config:       r.cfg,
		InfoHash:     r.infoHash,
		PieceCount:   r.pieceMgr.PieceCount(),
		OnBitfield:   r.onBitfield,
		OnHave:       r.onHave,
		OnDisconnect: r.onDisconnect,
		OnPiece:      r.onPiece,
		OnRequest:    r.onRequest,
		OnUnchoked:   r.assign,
	}
}

func (r *Registry) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-r.connectCh:
			if !ok {
				return nil
			}

			r.mu.Lock()
			_, dup := r.peers[addr]
			full := len(r.peers) >= r.cfg.MaxPeers
			r.mu.Unlock()
			if dup || full {
				continue
			}

			p, err := Dial(ctx, addr, r.peerOpts())
			if err != nil {
				r.stats.FailedDials.Add(1)
				r.log.Debug("dial failed", "addr", addr, "error", err.Error())
				continue
			}

			r.register(ctx, p)
		}
	}
}

// register admits a successfully-handshaken peer: it sends our current
// bitfield, unchokes unconditionally, and declares interest unconditionally
// (the simplified choke policy this client implements), then starts the
// peer's read/write loops.
func (r *Registry) register(ctx context.Context, p *Peer) {
	r.mu.Lock()
	r.peers[p.Addr()] = p
	r.mu.Unlock()
	r.stats.TotalPeers.Add(1)

	p.SendBitfield(r.snapshotBitfield())
	p.SendUnchoke()
	p.SendInterested()

	go func() {
		defer r.stats.TotalPeers.Add(-1)
		if err := p.Run(ctx); err != nil {
			r.log.Debug("peer session ended", "addr", p.Addr(), "error", err.Error())
		}
	}()
}

func (r *Registry) onDisconnect(addr netip.AddrPort) {
	r.mu.Lock()
	delete(r.peers, addr)
	for _, peers := range r.availability {
		delete(peers, addr)
	}
	reqs := r.inflight[addr]
	delete(r.inflight, addr)
	r.mu.Unlock()

	for _, req := range reqs {
		r.pieceMgr.UnassignBlock(req.PieceIndex, req.Begin)
	}
}

func (r *Registry) onBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	r.mu.Lock()
	for i := 0; i < bf.Len(); i++ {
		if !bf.Has(i) {
			continue
		}
		r.markAvailableLocked(i, addr)
	}
	r.mu.Unlock()

	r.assign(addr)
}

func (r *Registry) onHave(addr netip.AddrPort, index int) {
	r.mu.Lock()
	r.markAvailableLocked(index, addr)
	r.mu.Unlock()

	r.assign(addr)
}

func (r *Registry) markAvailableLocked(index int, addr netip.AddrPort) {
	set, ok := r.availability[index]
	if !ok {
		set = make(map[netip.AddrPort]struct{})
		r.availability[index] = set
	}
	set[addr] = struct{}{}
}

func (r *Registry) onPiece(addr netip.AddrPort, index, begin int, block []byte) {
	r.mu.Lock()
	r.removeInflightLocked(addr, index, begin)
	r.mu.Unlock()

	completed, failed, ok := r.pieceMgr.DeliverBlock(index, begin, block)
	if !ok {
		r.assign(addr)
		return
	}
	if failed {
		r.log.Warn("piece failed verification", "index", index)
		r.assign(addr)
		return
	}
	if completed != nil {
		// Blocking send: a completed piece must not be dropped, so assembly
		// backpressures onto this peer's read loop rather than losing data
		// the way a full serveCh is allowed to for inbound requests.
		r.assembleCh <- assembleJob{index: completed.Index, data: completed.Data}
	}

	r.assign(addr)
}

// onRequest queues an inbound REQUEST for a serveWorker. The queue is
// bounded and non-blocking: a peer that floods requests faster than the
// pool drains them gets some dropped rather than stalling every other
// peer's read loop.
func (r *Registry) onRequest(addr netip.AddrPort, index, begin, length int) {
	select {
	case r.serveCh <- requestJob{addr: addr, index: index, begin: begin, length: length}:
	default:
		r.log.Debug("serve queue full, dropping request", "addr", addr, "index", index)
	}
}

func (r *Registry) serveWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-r.serveCh:
			if !ok {
				return nil
			}
			r.serveRequest(ctx, job)
		}
	}
}

// serveRequest reads the requested block and sends it, retrying a transient
// send failure (outbox momentarily full) a few times with backoff before
// giving up and marking the peer unhealthy.
func (r *Registry) serveRequest(ctx context.Context, job requestJob) {
	if !r.pieceMgr.PieceVerified(job.index) {
		return
	}

	data, err := r.store.ReadBlock(job.index, job.begin, job.length)
	if err != nil {
		r.log.Debug("failed to read requested block", "addr", job.addr, "index", job.index, "error", err.Error())
		return
	}

	r.mu.Lock()
	p, ok := r.peers[job.addr]
	r.mu.Unlock()
	if !ok {
		return
	}

	backoff := serveBackoffBase
	for attempt := 0; attempt < serveRetries; attempt++ {
		if p.SendPiece(job.index, job.begin, data) {
			r.stats.TotalUploaded.Add(uint64(len(data)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	r.log.Debug("peer unresponsive after retries, marking unhealthy", "addr", job.addr, "index", job.index)
	p.MarkUnhealthy()
}

func (r *Registry) assembleWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-r.assembleCh:
			if !ok {
				return nil
			}
			if err := r.store.WritePiece(job.index, job.data); err != nil {
				r.log.Error("failed to persist piece", "index", job.index, "error", err.Error())
				continue
			}
			r.stats.TotalDownloaded.Add(uint64(len(job.data)))
			r.broadcastHave(job.index)
		}
	}
}

func (r *Registry) removeInflightLocked(addr netip.AddrPort, index, begin int) {
	reqs := r.inflight[addr]
	for i, req := range reqs {
		if req.PieceIndex == index && req.Begin == begin {
			r.inflight[addr] = append(reqs[:i], reqs[i+1:]...)
			return
		}
	}
}

// assign reserves and requests as many blocks from addr as its inflight
// budget allows, walking pieces addr is known to hold in rarest-last-hybrid
// order among those we still need.
func (r *Registry) assign(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[addr]
	if !ok || !p.Healthy() || p.PeerChoking() {
		return
	}

	limit := r.cfg.MaxInflightPerPeer
	if limit <= 0 {
		limit = 8
	}

	for len(r.inflight[addr]) < limit {
		index, found := r.nextNeededPieceLocked(addr)
		if !found {
			return
		}

		req, ok := r.pieceMgr.ReserveBlock(index, addr)
		if !ok {
			// No free block left in that piece right now; it may still
			// have other pieces to try next time assign is called.
			return
		}

		r.inflight[addr] = append(r.inflight[addr], req)
		p.SendRequest(req.PieceIndex, req.Begin, req.Length)
	}
}

// nextNeededPieceLocked walks the precomputed rarest-last-hybrid order and
// returns the first piece addr holds and still needs blocks for. Pieces are
// attempted 0, n-1, 1, n-2, ... rather than strictly rarest-first, per the
// scheduling policy's deterministic tie-break.
func (r *Registry) nextNeededPieceLocked(addr netip.AddrPort) (int, bool) {
	for _, index := range r.scheduleOrder {
		holders, ok := r.availability[index]
		if !ok {
			continue
		}
		if _, has := holders[addr]; !has {
			continue
		}
		if !r.pieceMgr.NeedsBlocks(index) {
			continue
		}
		return index, true
	}

	return -1, false
}

// MarkLocalComplete sets index in ourBitfield without announcing HAVE to
// any peer. Used by a startup verification scan, which runs before any
// peer connects, to reflect pieces already present on disk.
func (r *Registry) MarkLocalComplete(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ourBitfield.Set(index)
}

func (r *Registry) broadcastHave(index int) {
	r.mu.Lock()
	r.ourBitfield.Set(index)
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.SendHave(index)
	}
}

func (r *Registry) snapshotBitfield() bitfield.Bitfield {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ourBitfield.Clone()
}

// maintenanceLoop periodically drops peers that have gone idle and
// reclaims block reservations that timed out without either a delivery or
// a disconnect (e.g. the peer is alive but simply never answered).
func (r *Registry) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			maxIdle := r.cfg.PeerInactivityTimeout
			if maxIdle <= 0 {
				maxIdle = 2 * time.Minute
			}

			var stale []*Peer
			r.mu.Lock()
			for _, p := range r.peers {
				if p.Idleness() > maxIdle || !p.Healthy() {
					stale = append(stale, p)
				}
			}
			r.mu.Unlock()

			for _, p := range stale {
				p.Close()
			}

			if swept := r.pieceMgr.Sweep(); swept > 0 {
				// Blocks reclaimed by the sweep are free again at the data
				// layer; our own inflight bookkeeping for the peers that
				// held them drifts high until those peers next disconnect
				// or deliver something, which merely makes assign() under-
				// request for them rather than over-request.
				r.reassignAll()
			}
		}
	}
}

func (r *Registry) reassignAll() {
	r.mu.Lock()
	addrs := make([]netip.AddrPort, 0, len(r.peers))
	for addr := range r.peers {
		addrs = append(addrs, addr)
	}
	r.mu.Unlock()

	for _, addr := range addrs {
		r.assign(addr)
	}
}

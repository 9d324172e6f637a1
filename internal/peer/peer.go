// Package peer implements a single peer wire session: the handshake,
// message framing, and state tracking (choke/interest, bitfield, transfer
// rates) for one TCP connection. Policy -- who to connect to, which blocks
// to request, when to serve requests -- lives one layer up, in Registry.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaysix/peerbox/internal/bitfield"
	"github.com/relaysix/peerbox/internal/config"
	"github.com/relaysix/peerbox/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

type Peer struct {
	log          *slog.Logger
	conn         net.Conn
	addr         netip.AddrPort
	remoteID     [sha1.Size]byte
	cfg          config.Config
	state        uint32
	stats        *PeerStats
	history      *eventLog
	pieceCount   int
	bitfieldMu   sync.RWMutex
	bitfield     bitfield.Bitfield
	lastActivity atomic.Int64
	outbox       chan *protocol.Message
	closeOnce    sync.Once
	stopped      atomic.Bool
	healthy      atomic.Bool
	cancel       context.CancelFunc

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, int)
	onDisconnect func(netip.AddrPort)
	onPiece      func(netip.AddrPort, int, int, []byte)
	onRequest    func(netip.AddrPort, int, int, int)
	onUnchoked   func(netip.AddrPort)
}

// PeerStats holds per-connection counters/timestamps. All fields are atomic;
// the byte counters only increase for the lifetime of a peer, while
// DownloadRate and UploadRate hold the most recently measured rate.
type PeerStats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// PeerMetrics is a snapshot of a single peer's connection and transfer
// state.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   time.Duration
	DownloadRate   uint64
	UploadRate     uint64
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// Opts supplies everything a Peer needs at dial time: the config to apply,
// how many pieces the torrent has (to size the remote bitfield), and the
// callbacks Registry uses to react to inbound traffic.
type Opts struct {
	Log          *slog.Logger
	Config       config.Config
	InfoHash     [sha1.Size]byte
	PieceCount   int
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnDisconnect func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	OnRequest    func(netip.AddrPort, int, int, int)
	OnUnchoked   func(netip.AddrPort)
}

// Dial connects to addr, performs the BitTorrent handshake, and returns a
// Peer ready to Run. The caller is expected to send an initial bitfield and
// interest state once Run is underway.
func Dial(ctx context.Context, addr netip.AddrPort, opts Opts) (*Peer, error) {
	dialer := net.Dialer{Timeout: opts.Config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	p, err := newPeer(conn, addr, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// Accept wraps an already-accepted inbound connection (from the upload
// coordinator's listener loop) and performs the full handshake exchange on
// it, exactly as Dial does for an outbound connection.
func Accept(conn net.Conn, addr netip.AddrPort, opts Opts) (*Peer, error) {
	return newPeer(conn, addr, opts)
}

func newPeer(conn net.Conn, addr netip.AddrPort, opts Opts) (*Peer, error) {
	log := opts.Log.With("src", "peer", "addr", addr)

	_ = conn.SetDeadline(time.Now().Add(opts.Config.HandshakeTimeout))
	handshake := protocol.NewHandshake(opts.InfoHash, opts.Config.ClientID)
	remote, err := handshake.Exchange(conn, true)
	if err != nil {
		return nil, fmt.Errorf("peer: handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	backlog := opts.Config.PeerOutboundQueueBacklog
	if backlog <= 0 {
		backlog = 64
	}

	p := &Peer{
		log:          log,
		conn:         conn,
		addr:         addr,
		remoteID:     remote.PeerID,
		cfg:          opts.Config,
		stats:        &PeerStats{ConnectedAt: time.Now()},
		history:      newEventLog(256),
		pieceCount:   opts.PieceCount,
		bitfield:     bitfield.New(opts.PieceCount),
		onBitfield:   opts.OnBitfield,
		onHave:       opts.OnHave,
		onDisconnect: opts.OnDisconnect,
		onPiece:      opts.OnPiece,
		onRequest:    opts.OnRequest,
		onUnchoked:   opts.OnUnchoked,
		outbox:       make(chan *protocol.Message, backlog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.healthy.Store(true)
	p.lastActivity.Store(time.Now().UnixNano())

	return p, nil
}

// Run drives the read loop, write loop, and rate-estimation loop until ctx
// is cancelled or the connection fails. It always calls onDisconnect before
// returning.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.onDisconnect != nil {
		p.onDisconnect(p.addr)
	}
	return err
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()
		p.log.Debug("peer closed")
	})
}

func (p *Peer) Addr() netip.AddrPort     { return p.addr }
func (p *Peer) RemoteID() [sha1.Size]byte { return p.remoteID }

func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActivity.Load()))
}

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) History(limit int) ([]*Event, error) { return p.history.Recent(limit) }

// Healthy reports whether this peer session is still considered servable.
// A session starts healthy and is only ever marked unhealthy once, by
// MarkUnhealthy, after its outbound path has repeatedly failed.
func (p *Peer) Healthy() bool { return p.healthy.Load() }

// MarkUnhealthy flags the session as unhealthy. Registry checks this before
// handing the peer new work (piece assignment, request service) but does
// not itself close the connection -- that remains the read/write loops'
// job once the underlying socket actually fails.
func (p *Peer) MarkUnhealthy() { p.healthy.Store(false) }

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueue(protocol.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueue(nil) }
func (p *Peer) SendChoke()                        { p.enqueue(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()                       { p.enqueue(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()                   { p.enqueue(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested()                { p.enqueue(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(index int)                { p.enqueue(protocol.MessageHave(uint32(index))) }

func (p *Peer) SendCancel(index, begin, length int) {
	p.enqueue(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

// SendRequest asks the peer for a block. It is a no-op if the peer is
// currently choking us, since a request sent while choked would just be
// dropped on their end.
func (p *Peer) SendRequest(index, begin, length int) {
	if p.PeerChoking() {
		return
	}
	p.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
	p.stats.RequestsSent.Add(1)
}

// SendPiece answers a request with block data. It reports whether the
// message was actually handed to the outbox -- false means the outbox was
// full or the connection is already shutting down, so the caller should
// treat this as a failed delivery attempt.
func (p *Peer) SendPiece(index, begin int, block []byte) bool {
	return p.enqueue(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read loop")
	l.Debug("started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		message, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.Debug("read failed, closing", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Debug("handling message failed, closing", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write loop")
	l.Debug("started")

	keepAlive := p.cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 90 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(message); err != nil {
				l.Debug("write failed, closing", "error", err.Error())
				return err
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, p.lastActivity.Load())) >= keepAlive {
				p.SendKeepAlive()
			}
		}
	}
}

// rateLoop maintains an exponentially-smoothed bytes/sec estimate for both
// directions. Each tick computes the delta against the monotonic byte
// counters and folds it into the running average.
func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()
	var upEMA, downEMA float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			upEMA = alpha*float64(curUp-lastUp) + (1-alpha)*upEMA
			downEMA = alpha*float64(curDown-lastDown) + (1-alpha)*downEMA

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	if p.cfg.ReadTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		defer p.conn.SetReadDeadline(time.Time{})
	}

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}
	if message != nil {
		if err := message.ValidatePayloadSize(); err != nil {
			p.stats.Errors.Add(1)
			return nil, err
		}
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())
	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	if p.cfg.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		defer p.conn.SetWriteDeadline(time.Time{})
	}

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	p.history.Add(inboundEvent(message))

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		wasChoked := p.PeerChoking()
		p.setState(maskPeerChoking, false)
		if wasChoked && p.onUnchoked != nil {
			p.onUnchoked(p.addr)
		}

	case protocol.Interested:
		p.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf, err := validateBitfield(message.Payload, p.pieceCount)
		if err != nil {
			return fmt.Errorf("peer: %w", err)
		}
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}

	case protocol.Have:
		index, ok := message.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		p.bitfieldMu.Lock()
		if p.bitfield == nil {
			p.bitfield = bitfield.New(p.pieceCount)
		}
		p.bitfield.Set(int(index))
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, int(index))
		}

	case protocol.Request:
		index, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("peer: malformed request message")
		}
		p.stats.RequestsReceived.Add(1)
		if !p.AmChoking() && p.onRequest != nil {
			p.onRequest(p.addr, int(index), int(begin), int(length))
		}

	case protocol.Piece:
		index, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, int(index), int(begin), block)
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("peer: unknown message id %d", message.ID)
	}

	return nil
}

func (p *Peer) enqueue(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		p.log.Debug("outbox full, dropping message")
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	p.history.Add(outboundEvent(message))

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// Stats returns a snapshot of this peer's connection and transfer state.
func (p *Peer) Stats() PeerMetrics {
	connectedAt := p.stats.ConnectedAt

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     time.Unix(0, p.lastActivity.Load()),
		ConnectedAt:    connectedAt,
		ConnectedFor:   time.Since(connectedAt),
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		AmChoking:      p.AmChoking(),
		AmInterested:   p.AmInterested(),
		PeerChoking:    p.PeerChoking(),
		PeerInterested: p.PeerInterested(),
	}
}

// inboundEvent and outboundEvent build a history Event for a wire message,
// extracting the piece index and block offset where the message carries
// one so History() callers can see which piece/block a transfer stalled
// on without re-parsing raw payloads.
func inboundEvent(m *protocol.Message) Event {
	e := Event{Timestamp: time.Now(), Direction: EventReceived, MessageType: m.ID.String(), PayloadSize: len(m.Payload)}
	annotateEvent(&e, m)
	return e
}

func outboundEvent(m *protocol.Message) Event {
	e := Event{Timestamp: time.Now(), Direction: EventSent, MessageType: m.ID.String(), PayloadSize: len(m.Payload)}
	annotateEvent(&e, m)
	return e
}

func annotateEvent(e *Event, m *protocol.Message) {
	switch m.ID {
	case protocol.Have:
		if index, ok := m.ParseHave(); ok {
			e.PieceIndex = &index
		}
	case protocol.Request, protocol.Cancel:
		if index, begin, _, ok := m.ParseRequest(); ok {
			e.PieceIndex, e.BlockOffset = &index, &begin
		}
	case protocol.Piece:
		if index, begin, _, ok := m.ParsePiece(); ok {
			e.PieceIndex, e.BlockOffset = &index, &begin
		}
	}
}

// validateBitfield parses a raw BITFIELD payload against the expected piece
// count, rejecting a length mismatch or any stray set bit in the trailing
// padding (the bits beyond pieceCount within the final byte, which the spec
// requires to be zero).
func validateBitfield(payload []byte, pieceCount int) (bitfield.Bitfield, error) {
	want := (pieceCount + 7) / 8
	if len(payload) != want {
		return nil, fmt.Errorf("bitfield length %d, want %d for %d pieces", len(payload), want, pieceCount)
	}

	bf := bitfield.FromBytes(payload)
	for i := pieceCount; i < bf.Len(); i++ {
		if bf.Has(i) {
			return nil, fmt.Errorf("bitfield sets padding bit %d", i)
		}
	}

	return bf, nil
}

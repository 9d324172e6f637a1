// Package piece implements the block/piece state machine: tracking which
// blocks of which pieces are wanted, in flight, or done, assembling
// completed pieces, and verifying them against their SHA-1 hash.
package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// MaxBlockLength is the fixed block size used for all requests except the
// final block of the final piece, which may be shorter.
const MaxBlockLength = 16 * 1024

// PendingTimeout is how long a block may sit in StatusPending before a
// Sweep demotes it back to StatusFree, making it eligible for reassignment
// to a different peer.
const PendingTimeout = 120 * time.Second

// Status is a block's place in its lifecycle.
type Status uint8

const (
	// StatusFree means the block has not been received and is not
	// currently assigned to any peer.
	StatusFree Status = iota
	// StatusPending means the block has been requested from a peer and
	// the response has not yet arrived.
	StatusPending
	// StatusFull means the block's data has been received.
	StatusFull
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusPending:
		return "pending"
	case StatusFull:
		return "full"
	default:
		return "unknown"
	}
}

type block struct {
	status      Status
	owner       netip.AddrPort
	requestedAt time.Time
	data        []byte
}

type piece struct {
	index      int
	length     int
	hash       [sha1.Size]byte
	blocks     []*block
	doneBlocks int
	verified   bool
}

func (p *piece) blockLength(blockIdx int) int {
	_, length, ok := BlockBounds(uint32(p.length), uint32(blockIdx))
	if !ok {
		return 0
	}
	return int(length)
}

func (p *piece) assemble() []byte {
	buf := make([]byte, p.length)
	for i, b := range p.blocks {
		copy(buf[i*MaxBlockLength:], b.data)
	}
	return buf
}

// Manager owns the per-piece block state for a single download. It is safe
// for concurrent use.
type Manager struct {
	log    *slog.Logger
	mu     sync.Mutex
	pieces []*piece

	remaining int // pieces not yet verified
}

// NewManager builds a Manager for a file of the given total size, divided
// into pieces of pieceLength bytes (the last piece may be shorter), each
// with its SHA-1 hash in hashes.
func NewManager(hashes [][sha1.Size]byte, pieceLength int, totalSize int64, log *slog.Logger) *Manager {
	pieces := make([]*piece, len(hashes))

	for i := range hashes {
		length, ok := PieceLengthAt(uint32(i), uint64(totalSize), uint32(pieceLength))
		if !ok {
			length = uint32(pieceLength)
		}

		blockCount, _ := BlocksInPiece(length)
		blocks := make([]*block, blockCount)
		for j := range blocks {
			blocks[j] = &block{status: StatusFree}
		}

		pieces[i] = &piece{
			index:  i,
			length: int(length),
			hash:   hashes[i],
			blocks: blocks,
		}
	}

	return &Manager{
		log:       log,
		pieces:    pieces,
		remaining: len(pieces),
	}
}

// PieceCount returns the number of pieces tracked.
func (m *Manager) PieceCount() int { return len(m.pieces) }

// Remaining returns the number of pieces not yet verified.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Done reports whether every piece has been verified.
func (m *Manager) Done() bool { return m.Remaining() == 0 }

// PieceVerified reports whether the piece at index has passed verification.
func (m *Manager) PieceVerified(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return false
	}
	return m.pieces[index].verified
}

// BlockRequest identifies one block to fetch: piece index, byte offset
// within the piece, and byte length.
type BlockRequest struct {
	PieceIndex int
	Begin      int
	Length     int
}

// ReserveBlock finds a FREE block in piece index not yet verified, marks it
// StatusPending owned by peer, and returns its request descriptor. ok is
// false if the piece is already verified or has no FREE block.
func (m *Manager) ReserveBlock(index int, peer netip.AddrPort) (BlockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return BlockRequest{}, false
	}
	p := m.pieces[index]
	if p.verified {
		return BlockRequest{}, false
	}

	for i, b := range p.blocks {
		if b.status != StatusFree {
			continue
		}

		b.status = StatusPending
		b.owner = peer
		b.requestedAt = time.Now()

		begin, length, _ := BlockBounds(uint32(p.length), uint32(i))

		return BlockRequest{
			PieceIndex: index,
			Begin:      int(begin),
			Length:     int(length),
		}, true
	}

	return BlockRequest{}, false
}

// DeliverBlock records data received for the block at (index, begin). It
// returns a non-nil *Completed if this was the piece's last block and the
// assembled piece passed verification, or sets failed=true if it failed
// verification (blocks are reset to FREE in that case). ok is false if the
// block wasn't recognized (unknown piece/offset, already full, or the
// piece is already verified) and the data should be discarded.
func (m *Manager) DeliverBlock(index, begin int, data []byte) (completed *Completed, failed bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return nil, false, false
	}
	p := m.pieces[index]
	if p.verified {
		return nil, false, false
	}

	idx, ok := BlockIndexForBegin(uint32(begin), uint32(p.length))
	if !ok || int(idx) >= len(p.blocks) {
		return nil, false, false
	}
	blockIdx := int(idx)
	b := p.blocks[blockIdx]
	if b.status == StatusFull {
		return nil, false, false
	}
	if len(data) != p.blockLength(blockIdx) {
		return nil, false, false
	}

	b.status = StatusFull
	b.data = data
	p.doneBlocks++

	if p.doneBlocks < len(p.blocks) {
		return nil, false, true
	}

	assembled := p.assemble()
	if sha1.Sum(assembled) != p.hash {
		m.resetPieceLocked(p)
		return nil, true, true
	}

	p.verified = true
	m.remaining--
	for _, b := range p.blocks {
		b.data = nil // release memory; caller owns the assembled copy
	}

	return &Completed{Index: index, Data: assembled}, false, true
}

// VerifyExisting hashes each piece's on-disk bytes (fetched via read) and
// marks it verified wherever the hash matches, without replaying blocks
// through DeliverBlock. Intended for a startup scan so a seed or a resumed
// download picks up pieces already present on disk instead of fetching
// them again. read is expected to return an error only for pieces it
// genuinely can't read (e.g. I/O failure); a length or hash mismatch just
// leaves the piece unverified. Returns the indices of every piece whose
// on-disk bytes match its hash, including pieces that were already verified.
func (m *Manager) VerifyExisting(read func(index int) ([]byte, error)) ([]int, error) {
	m.mu.Lock()
	pieces := append([]*piece(nil), m.pieces...)
	m.mu.Unlock()

	var verified []int
	for _, p := range pieces {
		data, err := read(p.index)
		if err != nil {
			return verified, fmt.Errorf("piece: read piece %d: %w", p.index, err)
		}
		if len(data) != p.length || sha1.Sum(data) != p.hash {
			continue
		}

		m.mu.Lock()
		if !p.verified {
			p.verified = true
			p.doneBlocks = len(p.blocks)
			m.remaining--
		}
		m.mu.Unlock()

		verified = append(verified, p.index)
	}

	return verified, nil
}

// UnassignBlock returns a previously-reserved block to StatusFree, e.g.
// when its peer disconnects before delivering it.
func (m *Manager) UnassignBlock(index, begin int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return
	}
	p := m.pieces[index]
	idx, ok := BlockIndexForBegin(uint32(begin), uint32(p.length))
	if !ok || int(idx) >= len(p.blocks) {
		return
	}
	if b := p.blocks[idx]; b.status == StatusPending {
		b.status = StatusFree
		b.owner = netip.AddrPort{}
	}
}

// Sweep demotes any block that has sat in StatusPending longer than
// PendingTimeout back to StatusFree, making it eligible for reassignment.
// It returns the number of blocks demoted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	demoted := 0

	for _, p := range m.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.status == StatusPending && now.Sub(b.requestedAt) > PendingTimeout {
				b.status = StatusFree
				b.owner = netip.AddrPort{}
				demoted++
			}
		}
	}

	if demoted > 0 && m.log != nil {
		m.log.Debug("swept stale block reservations", "count", demoted)
	}

	return demoted
}

// NeedsBlocks reports whether piece index still has a FREE block available
// to reserve.
func (m *Manager) NeedsBlocks(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return false
	}
	p := m.pieces[index]
	if p.verified {
		return false
	}
	for _, b := range p.blocks {
		if b.status == StatusFree {
			return true
		}
	}
	return false
}

func (m *Manager) resetPieceLocked(p *piece) {
	for _, b := range p.blocks {
		b.status = StatusFree
		b.data = nil
		b.owner = netip.AddrPort{}
	}
	p.doneBlocks = 0
	if m.log != nil {
		m.log.Warn("piece failed hash verification, resetting", "index", p.index)
	}
}

// PieceLength returns the byte length of piece index.
func (m *Manager) PieceLength(index int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return 0, fmt.Errorf("piece: index %d out of range", index)
	}
	return m.pieces[index].length, nil
}

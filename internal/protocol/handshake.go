package protocol

import (
	"bytes"
	"crypto/sha1"
	"encoding"
	"errors"
	"fmt"
	"io"
)

const (
	btProtocol  = "BitTorrent protocol"
	reservedLen = 8
)

// fixedTailLen is the number of bytes following pstr that are always
// present regardless of pstr's length: reserved flags, info hash, peer id.
const fixedTailLen = reservedLen + sha1.Size + sha1.Size

// Handshake is the first exchange on every peer connection, identifying the
// torrent (InfoHash) and the sender (PeerID).
//
// Wire layout:
//
//	<pstrlen:1><pstr:pstrlen><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
	_ fmt.Stringer               = (*Handshake)(nil)
)

// NewHandshake builds a handshake for infoHash/peerID using the standard
// "BitTorrent protocol" identifier and zeroed reserved flags. peerbox does
// not advertise any extension bits (DHT, fast peers, ...) via Reserved.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// wireLen returns the total encoded size for a handshake with the given
// pstr length.
func wireLen(pstrlen int) int { return 1 + pstrlen + fixedTailLen }

func validPstrlen(n int) bool { return n > 0 && n <= 255 }

// MarshalBinary encodes h into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if !validPstrlen(len(h.Pstr)) {
		return nil, ErrBadPstrlen
	}

	buf := bytes.NewBuffer(make([]byte, 0, wireLen(len(h.Pstr))))
	buf.WriteByte(byte(len(h.Pstr)))
	buf.WriteString(h.Pstr)
	buf.Write(make([]byte, reservedLen)) // outbound handshakes never set extension flags
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a handshake from its wire representation.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if !validPstrlen(pstrlen) {
		return ErrBadPstrlen
	}
	if len(b) < wireLen(pstrlen) {
		return ErrShortHandshake
	}

	body := b[1:]
	h.Pstr = string(body[:pstrlen])
	body = body[pstrlen:]

	copy(h.Reserved[:], body[:reservedLen])
	body = body[reservedLen:]
	copy(h.InfoHash[:], body[:sha1.Size])
	body = body[sha1.Size:]
	copy(h.PeerID[:], body[:sha1.Size])

	return nil
}

// WriteTo writes h's wire representation to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads and decodes one complete handshake frame from r, blocking
// until it arrives or r errors. The pstr length is read first since it
// determines the total frame size.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return 0, shortOnEOF(err)
	}

	pstrlen := int(lenByte[0])
	if !validPstrlen(pstrlen) {
		return 1, ErrBadPstrlen
	}

	frame := make([]byte, wireLen(pstrlen))
	frame[0] = lenByte[0]
	if _, err := io.ReadFull(r, frame[1:]); err != nil {
		return int64(len(frame)), shortOnEOF(err)
	}

	return int64(len(frame)), h.UnmarshalBinary(frame)
}

func shortOnEOF(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrShortHandshake
	}
	return err
}

// String renders a short, loggable summary. It never includes the full
// binary fields, only enough of each to distinguish peers in logs.
func (h *Handshake) String() string {
	return fmt.Sprintf("handshake{pstr=%q info_hash=%x peer_id=%x}", h.Pstr, h.InfoHash[:4], h.PeerID[:4])
}

// ReadHandshake reads one handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange sends h to rw and reads back the remote side's handshake,
// optionally rejecting a mismatched info hash. Every peer connection
// performs this before any other wire message is allowed.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var remote Handshake
	if _, err := (&remote).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if remote.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}

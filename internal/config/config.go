// Package config collects the tunables threaded through every long-running
// component: timeouts, queue sizes, and storage paths.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior and resource limits for a single torrent's
// download or upload.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory new downloads are saved under.
	DownloadDir string

	// ClientID is this client's 20-byte peer identifier, sent in every
	// handshake.
	ClientID [sha1.Size]byte

	// ListenPortRange is the inclusive [low, high] range of TCP ports
	// the upload coordinator tries, in order, when binding its listener.
	ListenPortRange [2]int

	// ========== Networking ==========

	// DialTimeout bounds establishing a new peer connection.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the handshake exchange once connected.
	HandshakeTimeout time.Duration

	// ReadTimeout bounds waiting for the next message from a peer before
	// the session is considered stalled.
	ReadTimeout time.Duration

	// WriteTimeout bounds sending a message to a peer.
	WriteTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer sessions a
	// registry keeps open at once.
	MaxPeers int

	// EnableIPv6 allows dialing IPv6 peer addresses returned by a
	// tracker.
	EnableIPv6 bool

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per announce.
	NumWant int

	// AnnounceInterval is how often the tracker client re-announces when
	// the tracker gives no explicit interval.
	AnnounceInterval time.Duration

	// ========== Piece / Request Scheduling ==========

	// ServeWorkers is the size of the worker pool that services inbound
	// REQUEST messages: reading the block off disk, wrapping it in a PIECE
	// message, and sending it.
	ServeWorkers int

	// AssembleWorkers is the size of the worker pool that persists
	// completed, hash-verified pieces to disk and announces them via HAVE.
	// Keeping this off the read loop means a slow disk doesn't stall a
	// peer's ability to keep receiving blocks for other pieces.
	AssembleWorkers int

	// MaxInflightPerPeer caps outstanding block requests to a single
	// peer at once.
	MaxInflightPerPeer int

	// BlockTimeout is how long a reserved block may sit unreceived
	// before it is swept back to free and reassigned.
	BlockTimeout time.Duration

	// ========== Keepalive ==========

	// KeepAliveInterval is how often a session sends a keep-alive frame
	// on an otherwise idle connection.
	KeepAliveInterval time.Duration

	// PeerInactivityTimeout closes a session that has sent or received
	// nothing for this long.
	PeerInactivityTimeout time.Duration

	// PeerOutboundQueueBacklog is the size of a peer session's outbound
	// message channel before SendX calls start dropping frames.
	PeerOutboundQueueBacklog int
}

// Default returns the configuration used unless the caller overrides
// individual fields.
func Default() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DownloadDir:              defaultDownloadDir(),
		ClientID:                 clientID,
		ListenPortRange:          [2]int{6881, 6889},
		DialTimeout:              5 * time.Second,
		HandshakeTimeout:         10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxPeers:                 8,
		EnableIPv6:               hasIPv6(),
		NumWant:                  30,
		AnnounceInterval:         25 * time.Second,
		ServeWorkers:             3,
		AssembleWorkers:          4,
		MaxInflightPerPeer:       8,
		BlockTimeout:             120 * time.Second,
		KeepAliveInterval:        90 * time.Second,
		PeerInactivityTimeout:    2 * time.Minute,
		PeerOutboundQueueBacklog: 64,
	}, nil
}

func hasIpv6Addr(a net.Addr) bool {
	ipNet, ok := a.(*net.IPNet)
	if !ok {
		return false
	}
	ip := ipNet.IP
	return ip != nil && ip.To4() == nil && ip.IsGlobalUnicast() &&
		!ip.IsLinkLocalUnicast() && !ip.IsLoopback()
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			if hasIpv6Addr(a) {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "peerbox")
	default:
		return filepath.Join(home, ".local", "share", "peerbox", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-PB0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}

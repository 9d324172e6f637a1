package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/relaysix/peerbox/internal/bencode"
	"github.com/relaysix/peerbox/pkg/cast"
)

const maxTCPResponseSize = 2 * 1024 * 1024 // 2MB

// TCPTracker speaks the private dialect of the in-tree rendezvous: a single
// bencoded dictionary request over a plain TCP connection, answered by a
// single bencoded dictionary response. See the `trackerserver` package for
// the server side of this protocol.
type TCPTracker struct {
	addr   string
	logger *slog.Logger
	dialer net.Dialer
}

func NewTCPTracker(u *url.URL, logger *slog.Logger) (*TCPTracker, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("tracker: tcp dialect requires a host:port, got %q", u.String())
	}

	return &TCPTracker{
		addr:   u.Host,
		logger: logger.With("type", "tcp"),
		dialer: net.Dialer{Timeout: 10 * time.Second},
	}, nil
}

// Announce connects, writes a single bencoded request dictionary whose
// "event" entry is params.Event, and reads back a single bencoded
// {peers: [...]} response.
func (tt *TCPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	conn, err := tt.dialer.DialContext(ctx, "tcp", tt.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(15 * time.Second))
	}

	req := map[string]any{
		"event":      params.Event.String(),
		"info_hash":  string(params.InfoHash[:]),
		"peer_id":    string(params.PeerID[:]),
		"port":       int64(params.Port),
		"uploaded":   int64(params.Uploaded),
		"downloaded": int64(params.Downloaded),
		"left":       int64(params.Left),
	}
	if params.NumWant > 0 {
		req["numwant"] = int64(params.NumWant)
	}

	payload, err := bencode.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: encode request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("tracker: write request: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(conn, maxTCPResponseSize))
	if err != nil && len(data) == 0 {
		return nil, fmt.Errorf("tracker: read response: %w", err)
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response expected dict, got %T", raw)
	}

	peersRaw, ok := dict["peers"]
	if !ok {
		return nil, fmt.Errorf("tracker: response missing 'peers'")
	}

	list, ok := peersRaw.([]any)
	if !ok {
		return nil, fmt.Errorf("tracker: 'peers' is not a list")
	}

	peers, err := decodeDictPeers(list)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	interval, _ := cast.ToInt(dict["interval"])

	return &AnnounceResponse{
		Peers:    peers,
		Interval: time.Duration(interval) * time.Second,
	}, nil
}

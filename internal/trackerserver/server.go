// Package trackerserver implements the in-tree rendezvous: a small TCP
// service speaking the bencoded dialect described in tracker.TCPTracker. It
// is the one piece of "external collaborator" functionality the core engine
// talks to over the wire (see tracker.NewTCPTracker), kept here mostly to
// exercise that wire contract end-to-end in tests.
package trackerserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaysix/peerbox/internal/bencode"
	"github.com/relaysix/peerbox/pkg/cast"
)

const (
	maxRequestSize  = 2 * 1024 * 1024
	defaultInterval = 30 * time.Second
)

// Config tunes the server's network and storage behavior.
type Config struct {
	// ListenAddr is the host:port the server binds, e.g. ":1234".
	ListenAddr string
	// TorrentDir is where uploaded .torrent files are persisted.
	TorrentDir string
}

func Default() Config {
	return Config{
		ListenAddr: ":1234",
		TorrentDir: "tracker-torrents",
	}
}

type peerEntry struct {
	ip   string
	port int64
}

func (p peerEntry) key() string { return fmt.Sprintf("%s:%d", p.ip, p.port) }

// Server is the in-tree tracker: it records, per info-hash, the set of
// currently announced peer endpoints, and separately stores uploaded
// metainfo files by name.
type Server struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	peers map[string]map[string]peerEntry // info_hash (raw 20 bytes) -> peer key -> entry

	listener net.Listener
}

func New(cfg Config, log *slog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		log:   log.With("component", "trackerserver"),
		peers: make(map[string]map[string]peerEntry),
	}
}

// Run binds the listener and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.TorrentDir, 0o755); err != nil {
		return fmt.Errorf("trackerserver: create torrent dir: %w", err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("trackerserver: listen: %w", err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	data, err := io.ReadAll(io.LimitReader(conn, maxRequestSize))
	if err != nil && len(data) == 0 {
		s.log.Debug("read request failed", "error", err.Error())
		return
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		s.log.Debug("malformed request", "error", err.Error())
		return
	}

	req, ok := raw.(map[string]any)
	if !ok {
		s.log.Debug("request is not a dict")
		return
	}

	resp, err := s.process(req, remoteIP)
	if err != nil {
		s.log.Debug("request handling failed", "error", err.Error())
		return
	}

	if _, err := conn.Write(resp); err != nil {
		s.log.Debug("write response failed", "error", err.Error())
	}
}

// process dispatches on which key is present, matching the wire contract's
// "request verbs distinguished by presence of a key" design.
func (s *Server) process(req map[string]any, remoteIP string) ([]byte, error) {
	switch {
	case hasKey(req, "event"):
		return s.handleAnnounce(req, remoteIP)
	case hasKey(req, "torrent"):
		return s.handleUpload(req)
	case hasKey(req, "get"):
		return s.handleGet(req)
	case hasKey(req, "retrieve"):
		return s.handleRetrieve()
	default:
		return nil, errors.New("trackerserver: request matches no known verb")
	}
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func (s *Server) handleAnnounce(req map[string]any, remoteIP string) ([]byte, error) {
	infoHash, err := cast.ToString(req["info_hash"])
	if err != nil || len(infoHash) != 20 {
		return nil, fmt.Errorf("trackerserver: invalid info_hash")
	}

	port, err := cast.ToInt(req["port"])
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("trackerserver: invalid port")
	}

	self := peerEntry{ip: remoteIP, port: port}

	s.mu.Lock()
	swarm, ok := s.peers[infoHash]
	if !ok {
		swarm = make(map[string]peerEntry)
		s.peers[infoHash] = swarm
	}
	swarm[self.key()] = self

	peers := make([]peerEntry, 0, len(swarm))
	for _, p := range swarm {
		if p.key() == self.key() {
			continue
		}
		peers = append(peers, p)
	}
	s.mu.Unlock()

	peerList := make([]any, 0, len(peers))
	for _, p := range peers {
		peerList = append(peerList, map[string]any{"ip": p.ip, "port": p.port})
	}

	s.log.Info("announce",
		"info_hash", hex.EncodeToString([]byte(infoHash)),
		"peer", self.key(),
		"swarm_size", len(swarm),
	)

	return bencode.Marshal(map[string]any{
		"peers":    peerList,
		"interval": int64(defaultInterval.Seconds()),
	})
}

func (s *Server) handleUpload(req map[string]any) ([]byte, error) {
	torrentBytes, err := cast.ToBytes(req["torrent"])
	if err != nil {
		return nil, fmt.Errorf("trackerserver: invalid 'torrent'")
	}
	name, err := cast.ToString(req["name"])
	if err != nil || name == "" {
		return nil, fmt.Errorf("trackerserver: invalid 'name'")
	}

	path := filepath.Join(s.cfg.TorrentDir, filepath.Base(name))
	if err := os.WriteFile(path, torrentBytes, 0o644); err != nil {
		return nil, fmt.Errorf("trackerserver: write torrent: %w", err)
	}

	s.log.Info("stored metainfo", "name", name, "bytes", len(torrentBytes))

	return bencode.Marshal("OK")
}

func (s *Server) handleGet(req map[string]any) ([]byte, error) {
	name, err := cast.ToString(req["get"])
	if err != nil || name == "" {
		return nil, fmt.Errorf("trackerserver: invalid 'get'")
	}

	path := filepath.Join(s.cfg.TorrentDir, filepath.Base(name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trackerserver: read torrent: %w", err)
	}
	return data, nil
}

func (s *Server) handleRetrieve() ([]byte, error) {
	entries, err := os.ReadDir(s.cfg.TorrentDir)
	if err != nil {
		return nil, fmt.Errorf("trackerserver: list torrents: %w", err)
	}

	names := make([]any, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return bencode.Marshal(map[string]any{"file_list": names})
}

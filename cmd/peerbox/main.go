package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relaysix/peerbox/internal/logging"
	"github.com/relaysix/peerbox/internal/meta"
	"github.com/relaysix/peerbox/internal/torrent"
	"github.com/relaysix/peerbox/internal/trackerserver"
)

func main() {
	setupLogger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "download":
		err = runDownload(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	case "create":
		err = runCreate(os.Args[2:])
	case "tracker":
		err = runTracker(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: peerbox <download|seed|create|tracker> [flags]")
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func setVerbose() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelDebug
	opts.SlogOpts.AddSource = true

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// runDownload joins the swarm for a metainfo file and saves its content
// under a destination directory.
func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	metainfoPath := fs.String("torrent", "", "path to the .peerbox metainfo file")
	downloadDir := fs.String("out", "", "directory to save content into (default: configured download dir)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *metainfoPath == "" {
		return fmt.Errorf("download: -torrent is required")
	}
	if *verbose {
		setVerbose()
	}

	cfg, err := torrent.Default()
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	data, err := os.ReadFile(*metainfoPath)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	dir := *downloadDir
	if dir == "" {
		dir = cfg.Peer.DownloadDir
	}

	t, err := torrent.New(cfg.Peer.ClientID, data, dir, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if _, err := t.VerifyExisting(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := t.Listen(); err != nil {
		slog.Warn("failed to open a listening port, running download-only", "error", err.Error())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportProgress(ctx, t)

	slog.Info("starting download", "name", t.Metainfo.Info.Name, "size", t.Metainfo.Size())
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

// runSeed opens a listening port and serves an already-complete download to
// the swarm, without attempting to fetch any pieces itself.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	metainfoPath := fs.String("torrent", "", "path to the .peerbox metainfo file")
	contentDir := fs.String("dir", "", "directory holding the already-downloaded content")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *metainfoPath == "" || *contentDir == "" {
		return fmt.Errorf("seed: -torrent and -dir are required")
	}
	if *verbose {
		setVerbose()
	}

	cfg, err := torrent.Default()
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	data, err := os.ReadFile(*metainfoPath)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	t, err := torrent.New(cfg.Peer.ClientID, data, *contentDir, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	verified, err := t.VerifyExisting()
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if verified < t.Metainfo.PieceCount() {
		slog.Warn("seed: content directory is missing pieces",
			"verified", verified, "total", t.Metainfo.PieceCount())
	}
	if err := t.Listen(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportProgress(ctx, t)

	slog.Info("seeding", "name", t.Metainfo.Info.Name)
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}

// runCreate hashes a single file into pieces and writes a metainfo file for
// it next to the source (or at -out).
func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	source := fs.String("file", "", "file to share")
	announce := fs.String("announce", "", "primary tracker announce URL")
	out := fs.String("out", "", "output .peerbox path (default: <file>.peerbox)")
	pieceLength := fs.Int("piece-length", 256*1024, "piece size in bytes")
	private := fs.Bool("private", false, "mark the torrent private (BEP 27)")
	comment := fs.String("comment", "", "optional comment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *announce == "" {
		return fmt.Errorf("create: -file and -announce are required")
	}

	outPath := *out
	if outPath == "" {
		outPath = *source + ".peerbox"
	}

	buf, mi, err := meta.Create(meta.CreateParams{
		SourcePath:  *source,
		Announce:    *announce,
		PieceLength: int32(*pieceLength),
		Private:     *private,
		Comment:     *comment,
		CreatedBy:   "peerbox",
	}, time.Now())
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if err := os.WriteFile(outPath, buf, 0o644); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	slog.Info("created metainfo",
		"path", outPath,
		"info_hash", hex.EncodeToString(mi.InfoHash[:]),
		"pieces", mi.PieceCount(),
	)
	return nil
}

// runTracker runs the in-tree rendezvous server.
func runTracker(args []string) error {
	fs := flag.NewFlagSet("tracker", flag.ExitOnError)
	addr := fs.String("addr", ":1234", "listen address")
	dir := fs.String("dir", "tracker-torrents", "directory to store uploaded metainfo files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := trackerserver.Config{ListenAddr: *addr, TorrentDir: dir2abs(*dir)}
	srv := trackerserver.New(cfg, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

func dir2abs(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

func reportProgress(ctx context.Context, t *torrent.Torrent) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := t.Stats()
			slog.Info("progress",
				"percent", fmt.Sprintf("%.1f%%", stats.Progress),
				"peers", stats.Peer.TotalPeers,
				"down", stats.Peer.TotalDownloaded,
				"up", stats.Peer.TotalUploaded,
			)
			if t.Done() {
				slog.Info("download complete")
			}
		}
	}
}

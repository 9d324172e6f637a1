// Package storage implements the on-disk piece store: mapping verified
// piece bytes onto the (possibly multi-file) content layout described by a
// metainfo file, and reading pieces back out to serve to peers.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaysix/peerbox/internal/meta"
)

// Store reads and writes piece data against the files described by a
// Metainfo, using its precomputed per-piece file mapping. It is safe for
// concurrent use.
type Store struct {
	log *slog.Logger
	mi  *meta.Metainfo
	mu  sync.Mutex

	root  string
	files map[string]*os.File // joined relative path -> open handle
}

// New creates (or truncates to size, if already present) every file the
// metainfo describes under root, and returns a Store ready to read and
// write pieces.
func New(mi *meta.Metainfo, root string, log *slog.Logger) (*Store, error) {
	s := &Store{
		log:   log,
		mi:    mi,
		root:  root,
		files: make(map[string]*os.File),
	}

	if err := s.setupFiles(); err != nil {
		return nil, fmt.Errorf("storage: setup: %w", err)
	}

	return s, nil
}

func (s *Store) setupFiles() error {
	for _, entry := range s.fileList() {
		relPath := filepath.Join(append([]string{s.mi.Info.Name}, entry.path...)...)
		full := filepath.Join(s.root, relPath)

		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(full), err)
		}

		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", full, err)
		}
		if err := f.Truncate(entry.length); err != nil {
			f.Close()
			return fmt.Errorf("truncate %s: %w", full, err)
		}

		key := relKey(entry.path)
		if len(entry.path) == 0 {
			// FileMapping names a single-file torrent's only span by Info.Name.
			key = s.mi.Info.Name
		}
		s.files[key] = f
	}

	return nil
}

type fileEntry struct {
	path   []string
	length int64
}

func (s *Store) fileList() []fileEntry {
	if len(s.mi.Info.Files) == 0 {
		return []fileEntry{{path: nil, length: s.mi.Info.Length}}
	}

	out := make([]fileEntry, len(s.mi.Info.Files))
	for i, f := range s.mi.Info.Files {
		out[i] = fileEntry{path: f.Path, length: f.Length}
	}
	return out
}

func relKey(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return filepath.Join(path...)
}

// WritePiece writes a verified piece's bytes to disk, splitting across file
// boundaries per the metainfo's file mapping for that piece.
func (s *Store) WritePiece(index int, data []byte) error {
	spans, err := s.mi.FileMapping(index)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	var cursor int64
	for _, span := range spans {
		f, ok := s.files[relKey(span.Path)]
		if !ok {
			return fmt.Errorf("storage: no open file for %v", span.Path)
		}

		chunk := data[cursor : cursor+span.Length]
		if _, err := f.WriteAt(chunk, span.Offset); err != nil {
			return fmt.Errorf("storage: write %v at %d: %w", span.Path, span.Offset, err)
		}
		cursor += span.Length
	}

	return nil
}

// ReadPiece reads a whole piece's bytes back from disk.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	spans, err := s.mi.FileMapping(index)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	var length int64
	for _, sp := range spans {
		length += sp.Length
	}

	buf := make([]byte, length)
	var cursor int64
	for _, span := range spans {
		f, ok := s.files[relKey(span.Path)]
		if !ok {
			return nil, fmt.Errorf("storage: no open file for %v", span.Path)
		}

		if _, err := f.ReadAt(buf[cursor:cursor+span.Length], span.Offset); err != nil {
			return nil, fmt.Errorf("storage: read %v at %d: %w", span.Path, span.Offset, err)
		}
		cursor += span.Length
	}

	return buf, nil
}

// ReadBlock reads length bytes at begin within piece index, without the
// caller needing to know about file boundaries.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	piece, err := s.ReadPiece(index)
	if err != nil {
		return nil, err
	}
	if begin < 0 || begin+length > len(piece) {
		return nil, fmt.Errorf("storage: block [%d,%d) out of range for piece of length %d", begin, begin+length, len(piece))
	}
	return piece[begin : begin+length], nil
}

// Close closes every open file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

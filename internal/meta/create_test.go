package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateRoundTripsThroughParseMetainfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write content: %v", err)
	}

	buf, mi, err := Create(CreateParams{
		SourcePath:  path,
		Announce:    "http://tracker.example/announce",
		PieceLength: 100,
		Comment:     "test torrent",
	}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	parsed, err := ParseMetainfo(buf)
	if err != nil {
		t.Fatalf("ParseMetainfo(Create(...)): %v", err)
	}

	if parsed.Info.Name != "content.bin" {
		t.Fatalf("name = %q, want content.bin", parsed.Info.Name)
	}
	if parsed.Size() != 300 {
		t.Fatalf("size = %d, want 300", parsed.Size())
	}
	if parsed.PieceCount() != 3 {
		t.Fatalf("piece count = %d, want 3", parsed.PieceCount())
	}
	if parsed.InfoHash != mi.InfoHash {
		t.Fatalf("info hash mismatch between returned Metainfo and reparsed bytes")
	}
	if parsed.Announce != "http://tracker.example/announce" {
		t.Fatalf("announce = %q", parsed.Announce)
	}
}

func TestCreateRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write content: %v", err)
	}

	_, _, err := Create(CreateParams{
		SourcePath:  path,
		Announce:    "http://tracker.example/announce",
		PieceLength: 100,
	}, time.Unix(1700000000, 0))
	if err == nil {
		t.Fatal("expected error for empty source file")
	}
}

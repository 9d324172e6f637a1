package meta

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/relaysix/peerbox/internal/bencode"
)

// CreateParams describes a new metainfo file to build from content already
// on disk.
type CreateParams struct {
	// SourcePath is a single file to share.
	SourcePath string

	// Name is the metainfo's advertised name. Defaults to the base name of
	// SourcePath.
	Name string

	// Announce is the primary tracker URL.
	Announce string

	// AnnounceList, if set, is written alongside Announce as a
	// single-tier announce-list.
	AnnounceList []string

	// PieceLength is the size in bytes of each piece. Must be a positive
	// power of two in practice, though Create does not enforce that.
	PieceLength int32

	// Private marks the torrent as restricted to the tracker named in
	// Announce, per BEP 27.
	Private bool

	// Comment and CreatedBy are copied verbatim into the metainfo.
	Comment   string
	CreatedBy string
}

// Create hashes the file at params.SourcePath into pieces and returns the
// bencoded metainfo bytes alongside the parsed Metainfo. It mirrors
// ParseMetainfo's validation, so the result round-trips through it.
//
// Only single-file layouts are supported; multi-file torrents are built by
// hand from a directory walk in callers that need them.
func Create(params CreateParams, createdAt time.Time) ([]byte, *Metainfo, error) {
	if params.SourcePath == "" {
		return nil, nil, fmt.Errorf("meta: create: source path required")
	}
	if params.PieceLength <= 0 {
		return nil, nil, fmt.Errorf("meta: create: piece length must be > 0")
	}
	if params.Announce == "" {
		return nil, nil, fmt.Errorf("meta: create: announce url required")
	}

	name := params.Name
	if name == "" {
		name = filepath.Base(params.SourcePath)
	}

	pieces, length, err := hashPieces(params.SourcePath, int(params.PieceLength))
	if err != nil {
		return nil, nil, err
	}

	infoDict := map[string]any{
		"name":         name,
		"piece length": int64(params.PieceLength),
		"pieces":       joinHashes(pieces),
		"length":       length,
	}
	if params.Private {
		infoDict["private"] = int64(1)
	}

	root := map[string]any{
		"announce": params.Announce,
		"info":     infoDict,
	}
	if len(params.AnnounceList) > 0 {
		tier := make([]any, len(params.AnnounceList))
		for i, url := range params.AnnounceList {
			tier[i] = url
		}
		root["announce-list"] = []any{tier}
	}
	if params.Comment != "" {
		root["comment"] = params.Comment
	}
	if params.CreatedBy != "" {
		root["created by"] = params.CreatedBy
	}
	root["creation date"] = createdAt.Unix()

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, nil, fmt.Errorf("meta: create: info hash: %w", err)
	}

	buf, err := bencode.Marshal(root)
	if err != nil {
		return nil, nil, fmt.Errorf("meta: create: encode: %w", err)
	}

	mi := &Metainfo{
		Info: &Info{
			Name:        name,
			PieceLength: params.PieceLength,
			Pieces:      pieces,
			Private:     params.Private,
			Length:      length,
		},
		InfoHash:     hash,
		Announce:     params.Announce,
		CreationDate: createdAt.UTC(),
		CreatedBy:    params.CreatedBy,
		Comment:      params.Comment,
	}
	if len(params.AnnounceList) > 0 {
		mi.AnnounceList = [][]string{append([]string(nil), params.AnnounceList...)}
	}

	return buf, mi, nil
}

// hashPieces reads path in pieceLength-sized chunks and SHA-1 hashes each
// one, the same fixed-size sliding read original_source's create_metainfo_file
// performs over the source file.
func hashPieces(path string, pieceLength int) ([][sha1.Size]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("meta: create: %w", err)
	}
	defer f.Close()

	var (
		pieces [][sha1.Size]byte
		total  int64
		buf    = make([]byte, pieceLength)
	)

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			pieces = append(pieces, sha1.Sum(buf[:n]))
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("meta: create: reading %s: %w", path, err)
		}
	}

	if total == 0 {
		return nil, 0, fmt.Errorf("meta: create: %s is empty", path)
	}

	return pieces, total, nil
}

func joinHashes(pieces [][sha1.Size]byte) string {
	buf := make([]byte, 0, len(pieces)*sha1.Size)
	for _, p := range pieces {
		buf = append(buf, p[:]...)
	}
	return string(buf)
}

// Package metadata implements BEP-9 metadata exchange: fetching a
// torrent's info dictionary over the peer wire extension protocol when
// only a magnet link (and therefore only an info hash) is available.
package metadata

import (
	"crypto/sha1"
	"path/filepath"

	"github.com/brennawood/magnetdl/internal/bencode"
	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// FileEntry is one file within a (possibly multi-file) torrent, with
// its byte offset into the linear piece space.
type FileEntry struct {
	Path   string
	Length int64
	Offset int64
}

// TorrentInfo is the parsed form of a torrent's info dictionary: enough
// to drive piece scheduling and file layout.
type TorrentInfo struct {
	InfoHash    ids.InfoHash
	Name        string
	PieceLength int64
	Pieces      []ids.ID // SHA-1 hash of each piece, in order
	Files       []FileEntry
	TotalLength int64
}

// Multi reports whether the torrent has more than one file.
func (t *TorrentInfo) Multi() bool { return len(t.Files) > 1 }

// NumPieces returns the number of pieces implied by TotalLength and
// PieceLength.
func (t *TorrentInfo) NumPieces() int {
	if t.PieceLength == 0 {
		return 0
	}
	return int((t.TotalLength + t.PieceLength - 1) / t.PieceLength)
}

// ParseInfoDict decodes a raw info dictionary (as assembled from
// ut_metadata pieces), verifies its SHA-1 matches expectedHash, and
// builds a TorrentInfo from it.
func ParseInfoDict(raw []byte, expectedHash ids.InfoHash) (*TorrentInfo, error) {
	sum := sha1.Sum(raw)
	if ids.ID(sum) != expectedHash {
		return nil, errs.New(errs.KindHashMismatch, "metadata.parse_info_dict: info dict does not match info_hash")
	}

	val, err := bencode.Decode(raw)
	if err != nil {
		return nil, errs.Protocol("metadata.parse_info_dict.decode", err)
	}
	if val.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: not a dict")
	}

	nameVal, ok := val.Get("name")
	name, okStr := nameVal.AsString()
	if !ok || !okStr || name == "" {
		return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: missing \"name\"")
	}

	pieceLenVal, ok := val.Get("piece length")
	pieceLen, okInt := pieceLenVal.AsInt()
	if !ok || !okInt || pieceLen <= 0 {
		return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: missing or invalid \"piece length\"")
	}

	piecesVal, ok := val.Get("pieces")
	piecesStr, okStr := piecesVal.AsString()
	if !ok || !okStr {
		return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: missing \"pieces\"")
	}
	pieces, err := splitPieceHashes([]byte(piecesStr))
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	var total int64

	if lengthVal, ok := val.Get("length"); ok {
		length, _ := lengthVal.AsInt()
		if length < 0 {
			return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: negative length")
		}
		files = []FileEntry{{Path: name, Length: length, Offset: 0}}
		total = length
	} else {
		filesVal, ok := val.Get("files")
		if !ok || filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
			return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: missing \"length\" and \"files\"")
		}
		files, total, err = parseFileList(filesVal.List)
		if err != nil {
			return nil, err
		}
	}

	return &TorrentInfo{
		InfoHash:    expectedHash,
		Name:        name,
		PieceLength: pieceLen,
		Pieces:      pieces,
		Files:       files,
		TotalLength: total,
	}, nil
}

func splitPieceHashes(pieces []byte) ([]ids.ID, error) {
	if len(pieces)%ids.Size != 0 {
		return nil, errs.New(errs.KindProtocol, "metadata.parse_info_dict: \"pieces\" length not divisible by 20")
	}
	hashes := make([]ids.ID, len(pieces)/ids.Size)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*ids.Size:(i+1)*ids.Size])
	}
	return hashes, nil
}

func parseFileList(list []bencode.Value) ([]FileEntry, int64, error) {
	files := make([]FileEntry, len(list))
	var offset int64
	for i, item := range list {
		lengthVal, ok := item.Get("length")
		length, okInt := lengthVal.AsInt()
		if !ok || !okInt || length < 0 {
			return nil, 0, errs.New(errs.KindProtocol, "metadata.parse_info_dict: file entry missing valid \"length\"")
		}
		pathVal, ok := item.Get("path")
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, errs.New(errs.KindProtocol, "metadata.parse_info_dict: file entry missing \"path\"")
		}
		parts := make([]string, len(pathVal.List))
		for j, p := range pathVal.List {
			s, _ := p.AsString()
			parts[j] = s
		}
		files[i] = FileEntry{Path: filepath.Join(parts...), Length: length, Offset: offset}
		offset += length
	}
	return files, offset, nil
}

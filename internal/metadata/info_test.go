package metadata

import (
	"crypto/sha1"
	"testing"

	"github.com/brennawood/magnetdl/internal/bencode"
	"github.com/brennawood/magnetdl/internal/ids"
)

func buildInfoDict(t *testing.T, extra map[string]bencode.Value) []byte {
	t.Helper()
	dict := map[string]bencode.Value{
		"name":         bencode.String("example.iso"),
		"piece length": bencode.Int(16384),
		"pieces":       bencode.Bytes(make([]byte, 40)), // two zeroed piece hashes
	}
	for k, v := range extra {
		dict[k] = v
	}
	return bencode.Encode(bencode.Dict(dict))
}

func TestParseInfoDictSingleFile(t *testing.T) {
	raw := buildInfoDict(t, map[string]bencode.Value{"length": bencode.Int(32768)})
	hash := ids.ID(sha1.Sum(raw))

	info, err := ParseInfoDict(raw, hash)
	if err != nil {
		t.Fatalf("ParseInfoDict: %v", err)
	}
	if info.Name != "example.iso" {
		t.Errorf("Name = %q, want \"example.iso\"", info.Name)
	}
	if info.TotalLength != 32768 {
		t.Errorf("TotalLength = %d, want 32768", info.TotalLength)
	}
	if info.Multi() {
		t.Error("single-file torrent should not be Multi")
	}
	if len(info.Pieces) != 2 {
		t.Errorf("len(Pieces) = %d, want 2", len(info.Pieces))
	}
	if got := info.NumPieces(); got != 2 {
		t.Errorf("NumPieces() = %d, want 2", got)
	}
}

func TestParseInfoDictMultiFile(t *testing.T) {
	files := bencode.List(
		bencode.Dict(map[string]bencode.Value{
			"length": bencode.Int(10000),
			"path":   bencode.List(bencode.String("sub"), bencode.String("a.bin")),
		}),
		bencode.Dict(map[string]bencode.Value{
			"length": bencode.Int(20000),
			"path":   bencode.List(bencode.String("b.bin")),
		}),
	)
	raw := buildInfoDict(t, map[string]bencode.Value{"files": files})
	hash := ids.ID(sha1.Sum(raw))

	info, err := ParseInfoDict(raw, hash)
	if err != nil {
		t.Fatalf("ParseInfoDict: %v", err)
	}
	if !info.Multi() {
		t.Error("multi-file torrent should report Multi() == true")
	}
	if info.TotalLength != 30000 {
		t.Errorf("TotalLength = %d, want 30000", info.TotalLength)
	}
	if len(info.Files) != 2 || info.Files[1].Offset != 10000 {
		t.Errorf("Files = %+v, unexpected layout", info.Files)
	}
}

func TestParseInfoDictRejectsHashMismatch(t *testing.T) {
	raw := buildInfoDict(t, map[string]bencode.Value{"length": bencode.Int(100)})
	var wrongHash ids.ID
	if _, err := ParseInfoDict(raw, wrongHash); err == nil {
		t.Error("expected a hash mismatch error")
	}
}

func TestParseInfoDictRejectsBadPiecesLength(t *testing.T) {
	dict := map[string]bencode.Value{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(16384),
		"pieces":       bencode.Bytes(make([]byte, 19)), // not divisible by 20
		"length":       bencode.Int(10),
	}
	raw := bencode.Encode(bencode.Dict(dict))
	hash := ids.ID(sha1.Sum(raw))
	if _, err := ParseInfoDict(raw, hash); err == nil {
		t.Error("expected an error for malformed pieces length")
	}
}

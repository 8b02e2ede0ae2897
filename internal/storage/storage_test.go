package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/metadata"
)

func singleFileInfo(totalLength int, pieceLength int64) *metadata.TorrentInfo {
	n := (totalLength + int(pieceLength) - 1) / int(pieceLength)
	return &metadata.TorrentInfo{
		InfoHash:    ids.ID{},
		Name:        "movie.mp4",
		PieceLength: pieceLength,
		Pieces:      make([]ids.ID, n),
		TotalLength: int64(totalLength),
	}
}

func multiFileInfo() *metadata.TorrentInfo {
	return &metadata.TorrentInfo{
		Name:        "pack",
		PieceLength: 10,
		Pieces:      make([]ids.ID, 3),
		Files: []metadata.FileEntry{
			{Path: filepath.Join("pack", "a.bin"), Length: 12, Offset: 0},
			{Path: filepath.Join("pack", "b.bin"), Length: 13, Offset: 12},
		},
		TotalLength: 25,
	}
}

func TestLayoutSingleFileSpansOneFilePerPiece(t *testing.T) {
	info := singleFileInfo(25, 10)
	layout := NewLayout(info)
	if len(layout.spans) != 3 {
		t.Fatalf("numPieces = %d, want 3", len(layout.spans))
	}
	if len(layout.spans[2]) != 1 || layout.spans[2][0].length != 5 {
		t.Errorf("last piece span = %+v, want length 5 (25 %% 10)", layout.spans[2])
	}
}

func TestLayoutMultiFileSpansCrossFileBoundary(t *testing.T) {
	info := multiFileInfo()
	layout := NewLayout(info)
	// piece 1 covers bytes [10,20): file a ends at 12, file b starts at 12.
	spans := layout.spans[1]
	if len(spans) != 2 {
		t.Fatalf("piece 1 should span both files, got %+v", spans)
	}
	if spans[0].fileIndex != 0 || spans[0].length != 2 {
		t.Errorf("first span = %+v, want 2 bytes in file 0", spans[0])
	}
	if spans[1].fileIndex != 1 || spans[1].length != 8 {
		t.Errorf("second span = %+v, want 8 bytes in file 1", spans[1])
	}
}

func TestStoreWritePieceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := singleFileInfo(25, 10)
	layout := NewLayout(info)
	store, err := NewStore(layout, dir, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	piece0 := []byte("0123456789")
	if err := store.WritePiece(0, piece0); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "movie.mp4"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got[:10]) != "0123456789" {
		t.Errorf("file content = %q, want piece 0 bytes at offset 0", got[:10])
	}
}

func TestStoreEvictsLRUHandleBeyondMaxOpen(t *testing.T) {
	dir := t.TempDir()
	info := multiFileInfo()
	layout := NewLayout(info)
	store, err := NewStore(layout, dir, 1) // force eviction between the two files
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if err := store.WritePiece(0, make([]byte, 10)); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := store.WritePiece(2, make([]byte, 5)); err != nil {
		t.Fatalf("WritePiece(2): %v", err)
	}
	if len(store.handles) != 1 {
		t.Errorf("open handle count = %d, want 1 (maxOpen=1 enforced)", len(store.handles))
	}
}

func TestStoreWritePieceRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	info := singleFileInfo(25, 10)
	store, err := NewStore(NewLayout(info), dir, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if err := store.WritePiece(99, []byte("x")); err == nil {
		t.Error("expected an error for an out-of-range piece index")
	}
}

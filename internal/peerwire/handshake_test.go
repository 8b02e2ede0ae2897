package peerwire

import (
	"bytes"
	"testing"

	"github.com/brennawood/magnetdl/internal/ids"
)

func TestHandshakeEncodeRead(t *testing.T) {
	infoHash, _ := ids.Random()
	peerID, _ := ids.Random()
	var peerID20 [20]byte
	copy(peerID20[:], peerID[:])

	encoded := Encode(infoHash, peerID20)
	if len(encoded) != HandshakeSize {
		t.Fatalf("Encode produced %d bytes, want %d", len(encoded), HandshakeSize)
	}

	hs, err := Read(bytes.NewReader(encoded), infoHash)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if hs.InfoHash != infoHash {
		t.Errorf("InfoHash = %x, want %x", hs.InfoHash, infoHash)
	}
	if hs.PeerID != peerID20 {
		t.Errorf("PeerID = %x, want %x", hs.PeerID, peerID20)
	}
	if !hs.SupportsExt {
		t.Error("expected SupportsExt to be true (we always set it)")
	}
	if !hs.SupportsDHT {
		t.Error("expected SupportsDHT to be true (we always set it)")
	}
}

func TestHandshakeRejectsInfoHashMismatch(t *testing.T) {
	infoHash, _ := ids.Random()
	other, _ := ids.Random()
	var peerID [20]byte

	encoded := Encode(infoHash, peerID)
	if _, err := Read(bytes.NewReader(encoded), other); err == nil {
		t.Error("expected an error for mismatched info_hash")
	}
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	infoHash, _ := ids.Random()
	var peerID [20]byte
	encoded := Encode(infoHash, peerID)
	encoded[1] = 'X' // corrupt the protocol string

	if _, err := Read(bytes.NewReader(encoded), infoHash); err == nil {
		t.Error("expected an error for a corrupted protocol string")
	}
}

func TestNewPeerIDHasClientPrefix(t *testing.T) {
	id, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	if string(id[:8]) != "-MD0001-" {
		t.Errorf("peer id prefix = %q, want \"-MD0001-\"", id[:8])
	}
}

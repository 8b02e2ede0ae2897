package tracker

import (
	"testing"

	"github.com/brennawood/magnetdl/internal/bencode"
)

func TestParseCompactPeersIPv4(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	peers, err := parseCompactPeers(data, false)
	if err != nil {
		t.Fatalf("parseCompactPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].IP.String() != "127.0.0.1" || peers[0].Port != 6881 {
		t.Errorf("peer = %+v, want 127.0.0.1:6881", peers[0])
	}
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	if _, err := parseCompactPeers([]byte{1, 2, 3}, false); err == nil {
		t.Error("expected an error for a length not divisible by 6")
	}
}

func TestParseHTTPResponseHappyPath(t *testing.T) {
	peerBytes := []byte{10, 0, 0, 1, 0x1A, 0xE1}
	dict := bencode.Dict(map[string]bencode.Value{
		"interval": bencode.Int(1800),
		"peers":    bencode.Bytes(peerBytes),
	})
	resp, err := parseHTTPResponse(dict)
	if err != nil {
		t.Fatalf("parseHTTPResponse: %v", err)
	}
	if resp.Interval != 1800 {
		t.Errorf("Interval = %d, want 1800", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port != 6881 {
		t.Errorf("Peers = %+v, want one peer on port 6881", resp.Peers)
	}
}

func TestParseHTTPResponseFailureReason(t *testing.T) {
	dict := bencode.Dict(map[string]bencode.Value{
		"failure reason": bencode.String("torrent not registered"),
	})
	if _, err := parseHTTPResponse(dict); err == nil {
		t.Error("expected an error surfacing the tracker's failure reason")
	}
}

func TestParseHTTPResponseMissingPeers(t *testing.T) {
	dict := bencode.Dict(map[string]bencode.Value{
		"interval": bencode.Int(1800),
	})
	if _, err := parseHTTPResponse(dict); err == nil {
		t.Error("expected an error for a response missing the peers key")
	}
}

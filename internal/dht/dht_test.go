package dht

import (
	"testing"
	"time"

	"github.com/brennawood/magnetdl/internal/ids"
)

func TestEncodeNodesRoundTrip(t *testing.T) {
	now := time.Now()
	nodes := []*Node{
		{ID: testID(0x01), Addr: testAddr(6881), LastSeen: now},
		{ID: testID(0x02), Addr: testAddr(6882), LastSeen: now},
	}

	buf := encodeNodes(nodes)
	if len(buf) != 26*len(nodes) {
		t.Fatalf("encodeNodes produced %d bytes, want %d", len(buf), 26*len(nodes))
	}

	decoded, err := ids.ParseCompactNodesIPv4(buf)
	if err != nil {
		t.Fatalf("ParseCompactNodesIPv4: %v", err)
	}
	if len(decoded) != len(nodes) {
		t.Fatalf("decoded %d nodes, want %d", len(decoded), len(nodes))
	}
	for i, n := range nodes {
		if decoded[i].ID != n.ID {
			t.Errorf("decoded[%d].ID = %x, want %x", i, decoded[i].ID, n.ID)
		}
		if decoded[i].Addr.Port != n.Addr.Port {
			t.Errorf("decoded[%d].Addr.Port = %d, want %d", i, decoded[i].Addr.Port, n.Addr.Port)
		}
	}
}

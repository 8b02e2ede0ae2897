package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/brennawood/magnetdl/internal/config"
	"github.com/brennawood/magnetdl/internal/ids"
)

// newTestDHT builds a DHT bound to a real local UDP socket so query() can
// actually send packets, without going through Start()'s port-range scan.
func newTestDHT(t *testing.T, queryTimeout time.Duration) *DHT {
	t.Helper()
	cfg := config.Default()
	cfg.DHTQueryTimeout = queryTimeout
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	d.conn = conn
	return d
}

// silentUDPAddr returns an address nothing is listening on, so a query sent
// to it always times out.
func silentUDPAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close() // nobody is listening at this address anymore
	return addr
}

func TestQueryRetriesBeforeMarkingNodeFailed(t *testing.T) {
	d := newTestDHT(t, 20*time.Millisecond)
	addr := silentUDPAddr(t)

	id := testID(0x11)
	d.rt.Add(id, ids.PeerAddress{IP: addr.IP, Port: addr.Port}, time.Now())

	start := time.Now()
	_, err := d.Ping(context.Background(), addr)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error from a silent address")
	}
	// 3 attempts (1 + MaxQueryRetries) at the configured timeout each.
	if elapsed < time.Duration(MaxQueryRetries+1)*20*time.Millisecond {
		t.Errorf("query returned after %v, too fast for %d attempts", elapsed, MaxQueryRetries+1)
	}

	found := false
	for _, n := range d.rt.Closest(id, 1) {
		if n.ID == id {
			found = true
			if n.ConsecutiveFailures != 1 {
				t.Errorf("ConsecutiveFailures = %d, want 1 (one MarkFailureByAddr call per exhausted query)", n.ConsecutiveFailures)
			}
		}
	}
	if !found {
		t.Fatal("node not found in routing table")
	}
}

func TestQueryAbortsImmediatelyOnContextCancel(t *testing.T) {
	d := newTestDHT(t, time.Second)
	addr := silentUDPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := d.Ping(ctx, addr)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error from an already-canceled context")
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("canceled context should abort immediately, took %v", elapsed)
	}
}

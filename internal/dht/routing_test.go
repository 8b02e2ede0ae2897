package dht

import (
	"net"
	"testing"
	"time"

	"github.com/brennawood/magnetdl/internal/ids"
)

func testID(b byte) ids.NodeID {
	var id ids.NodeID
	id[0] = b
	id[19] = b
	return id
}

func testAddr(port int) ids.PeerAddress {
	return ids.PeerAddress{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestRoutingTableAddAndClosest(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		id := testID(byte(i))
		if ok := rt.Add(id, testAddr(6881+i), now); !ok {
			t.Fatalf("Add(%d) returned false", i)
		}
	}

	if got := rt.Size(); got != 5 {
		t.Errorf("Size() = %d, want 5", got)
	}

	target := testID(0x03)
	closest := rt.Closest(target, 2)
	if len(closest) != 2 {
		t.Fatalf("Closest returned %d nodes, want 2", len(closest))
	}
	if closest[0].ID != target {
		t.Errorf("closest[0].ID = %x, want exact match %x", closest[0].ID, target)
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	if rt.Add(self, testAddr(6881), time.Now()) {
		t.Error("Add(self) should return false")
	}
	if rt.Size() != 0 {
		t.Errorf("Size() = %d, want 0", rt.Size())
	}
}

func TestRoutingTableEvictsBadNodeWhenFull(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	now := time.Now()

	// All these ids share the same high bit pattern so they land in the
	// same bucket: flip only low bits that don't change BucketIndex
	// relative to self (bucket 159, the farthest bucket, since the
	// first/MSB bit of the distance differs from self for all of them).
	bucketIDs := make([]ids.NodeID, 0, K)
	for i := 0; i < K; i++ {
		var id ids.NodeID
		id[0] = 0x80
		id[19] = byte(i + 1)
		bucketIDs = append(bucketIDs, id)
		if !rt.Add(id, testAddr(7000+i), now) {
			t.Fatalf("Add(%d) returned false while bucket not yet full", i)
		}
	}

	// Fail the first node twice so it becomes Bad.
	rt.MarkFailure(bucketIDs[0])
	rt.MarkFailure(bucketIDs[0])

	var newcomer ids.NodeID
	newcomer[0] = 0x80
	newcomer[19] = 0xFF
	if !rt.Add(newcomer, testAddr(8000), now) {
		t.Fatal("Add(newcomer) should evict the Bad node and succeed")
	}

	for _, n := range rt.Closest(newcomer, K+1) {
		if n.ID == bucketIDs[0] {
			t.Error("Bad node was not evicted")
		}
	}
}

func TestNodeLiveness(t *testing.T) {
	now := time.Now()
	n := &Node{LastSeen: now}
	if got := n.Liveness(now); got != Good {
		t.Errorf("fresh node liveness = %v, want Good", got)
	}

	later := now.Add(GoodThreshold + time.Minute)
	if got := n.Liveness(later); got != Questionable {
		t.Errorf("liveness past GoodThreshold with no failures = %v, want Questionable", got)
	}

	n.MarkFailed()
	n.MarkFailed()
	if got := n.Liveness(now); got != Bad {
		t.Errorf("liveness after %d failures = %v, want Bad", NumFailsToBad, got)
	}
}

func TestRandomIDInBucketMatchesBucketIndex(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	for _, idx := range []int{0, 7, 40, 159} {
		id := rt.RandomIDInBucket(idx)
		if got := ids.BucketIndex(self, id); got != idx {
			t.Errorf("RandomIDInBucket(%d) produced id in bucket %d", idx, got)
		}
	}
}

func TestRoutingTableStatsBreaksDownLiveness(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	now := time.Now()

	rt.Add(testID(0x01), testAddr(6901), now) // good
	rt.Add(testID(0x02), testAddr(6902), now.Add(-GoodThreshold-time.Minute)) // questionable

	badID := testID(0x03)
	rt.Add(badID, testAddr(6903), now)
	rt.MarkFailure(badID)
	rt.MarkFailure(badID)

	stats := rt.Stats(now)
	if stats.Total != 3 {
		t.Fatalf("Total = %d, want 3", stats.Total)
	}
	if stats.Good != 1 || stats.Questionable != 1 || stats.Bad != 1 {
		t.Errorf("Stats = %+v, want one of each", stats)
	}
}

func TestStaleBuckets(t *testing.T) {
	self := testID(0x00)
	rt := NewRoutingTable(self)
	past := time.Now().Add(-RefreshInterval - time.Minute)
	rt.Add(testID(0x80), testAddr(7777), past)
	rt.buckets[ids.BucketIndex(self, testID(0x80))].LastChanged = past

	stale := rt.StaleBuckets(time.Now())
	if len(stale) == 0 {
		t.Error("expected at least one stale bucket")
	}
}

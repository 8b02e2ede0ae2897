package dht

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/ids"
)

// K is the maximum number of nodes per k-bucket (Kademlia constant).
const K = 8

// BucketCount is the number of buckets in the routing table (160 bits).
const BucketCount = ids.Size * 8

// RefreshInterval is how often a bucket that hasn't changed recently is
// refreshed via a find_node lookup targeting a random id inside it.
const RefreshInterval = 15 * time.Minute

// Bucket holds up to K nodes, ordered least-recently-seen first so the
// head is the natural eviction candidate.
type Bucket struct {
	Nodes       []*Node
	LastChanged time.Time
}

// RoutingTable is the DHT's 160 k-bucket routing table.
type RoutingTable struct {
	Self    ids.NodeID
	mu      sync.RWMutex
	buckets [BucketCount]*Bucket
}

// NewRoutingTable builds an empty routing table for the given node id.
func NewRoutingTable(self ids.NodeID) *RoutingTable {
	rt := &RoutingTable{Self: self}
	now := time.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &Bucket{Nodes: make([]*Node, 0, K), LastChanged: now}
	}
	return rt
}

// Add inserts or refreshes a node. If the owning bucket is full, a Bad
// node in it is evicted to make room; otherwise the node is dropped and
// false is returned (per spec: no bucket splitting, see SPEC_FULL.md Open
// Question decisions).
func (rt *RoutingTable) Add(id ids.NodeID, addr ids.PeerAddress, now time.Time) bool {
	if id == rt.Self {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := ids.BucketIndex(rt.Self, id)
	bucket := rt.buckets[idx]

	for i, n := range bucket.Nodes {
		if n.ID == id {
			n.Addr = addr
			n.MarkReplied(now)
			bucket.Nodes = append(append(bucket.Nodes[:i], bucket.Nodes[i+1:]...), n)
			bucket.LastChanged = now
			return true
		}
	}

	if len(bucket.Nodes) < K {
		node := &Node{ID: id, Addr: addr, LastSeen: now}
		bucket.Nodes = append(bucket.Nodes, node)
		bucket.LastChanged = now
		return true
	}

	// Bucket full: evict the first Bad node we find, oldest first.
	for i, n := range bucket.Nodes {
		if n.Liveness(now) == Bad {
			bucket.Nodes = append(bucket.Nodes[:i], bucket.Nodes[i+1:]...)
			node := &Node{ID: id, Addr: addr, LastSeen: now}
			bucket.Nodes = append(bucket.Nodes, node)
			bucket.LastChanged = now
			return true
		}
	}
	return false
}

// MarkFailure records a query failure against a known node, possibly
// demoting it to Bad, which frees its bucket slot for new candidates on
// the next Add.
func (rt *RoutingTable) MarkFailure(id ids.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := ids.BucketIndex(rt.Self, id)
	for _, n := range rt.buckets[idx].Nodes {
		if n.ID == id {
			n.MarkFailed()
			return
		}
	}
}

// Remove deletes a node outright (used when a node actively signals it
// should be dropped, e.g. a protocol-violating response).
func (rt *RoutingTable) Remove(id ids.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := ids.BucketIndex(rt.Self, id)
	bucket := rt.buckets[idx]
	for i, n := range bucket.Nodes {
		if n.ID == id {
			bucket.Nodes = append(bucket.Nodes[:i], bucket.Nodes[i+1:]...)
			bucket.LastChanged = time.Now()
			return
		}
	}
}

// Closest returns up to count nodes closest to target, across all buckets.
func (rt *RoutingTable) Closest(target ids.NodeID, count int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*Node
	for _, b := range rt.buckets {
		all = append(all, b.Nodes...)
	}
	sort.Slice(all, func(i, j int) bool {
		return ids.Less(all[i].ID, all[j].ID, target)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// MarkFailureByAddr records a query failure against whichever node is
// registered at addr, if any. Used when a query timed out and only the
// destination address (not the node id) is known to the caller.
func (rt *RoutingTable) MarkFailureByAddr(addr ids.PeerAddress) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, b := range rt.buckets {
		for _, n := range b.Nodes {
			if n.Addr.Port == addr.Port && n.Addr.IP.Equal(addr.IP) {
				n.MarkFailed()
				return
			}
		}
	}
}

// Size returns the total number of nodes held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.Nodes)
	}
	return n
}

// GoodCount returns how many nodes currently classify as Good.
func (rt *RoutingTable) GoodCount(now time.Time) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		for _, node := range b.Nodes {
			if node.Liveness(now) == Good {
				n++
			}
		}
	}
	return n
}

// Stats is a point-in-time liveness breakdown of every node currently
// held in the routing table.
type Stats struct {
	Total        int
	Good         int
	Questionable int
	Bad          int
}

// Stats returns the routing table's current Good/Questionable/Bad
// breakdown in a single pass, for callers that want more than
// GoodCount alone (e.g. diagnostics, bootstrap-health checks).
func (rt *RoutingTable) Stats(now time.Time) Stats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var s Stats
	for _, b := range rt.buckets {
		for _, node := range b.Nodes {
			s.Total++
			switch node.Liveness(now) {
			case Good:
				s.Good++
			case Questionable:
				s.Questionable++
			case Bad:
				s.Bad++
			}
		}
	}
	return s
}

// StaleBuckets returns the indices of buckets that hold at least one
// node but haven't changed within RefreshInterval.
func (rt *RoutingTable) StaleBuckets(now time.Time) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var stale []int
	cutoff := now.Add(-RefreshInterval)
	for i, b := range rt.buckets {
		if len(b.Nodes) > 0 && b.LastChanged.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket generates a random node id whose bucket index
// relative to Self is exactly bucketIdx. Since
// ids.BucketIndex(self, other) == 159 - leading_zero_bits(distance),
// the distance's first differing bit (counting from the MSB) must sit
// at bit position 159-bucketIdx; this copies Self up to that bit,
// forces it to differ, and randomizes every bit after it. This is the
// full remainder randomization BEP 5's bucket-refresh algorithm calls
// for; a single bit flip (as in the teacher's randomIDInBucket) only
// ever probes one of the 2^(159-bitPos) ids the bucket actually covers.
func (rt *RoutingTable) RandomIDInBucket(bucketIdx int) ids.NodeID {
	var target ids.NodeID
	copy(target[:], rt.Self[:])

	bitPos := ids.Size*8 - 1 - bucketIdx
	byteIdx := bitPos / 8
	bitIdx := 7 - (bitPos % 8)

	// Flip the distinguishing bit.
	target[byteIdx] ^= 1 << uint(bitIdx)

	// Randomize every bit after it (same byte, lower bits; then all
	// following bytes).
	var randomTail [ids.Size]byte
	rand.Read(randomTail[:])

	mask := byte(0)
	for b := 0; b < bitIdx; b++ {
		mask |= 1 << uint(b)
	}
	target[byteIdx] = (target[byteIdx] &^ mask) | (randomTail[byteIdx] & mask)
	for i := byteIdx + 1; i < ids.Size; i++ {
		target[i] = randomTail[i]
	}
	return target
}

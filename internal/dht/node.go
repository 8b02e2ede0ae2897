package dht

import (
	"time"

	"github.com/brennawood/magnetdl/internal/ids"
)

// Liveness classifies a node per BEP 5's routing-table maintenance
// rules, supplementing the teacher's plain LastSeen-only bookkeeping.
type Liveness int

const (
	// Good: replied to one of our queries, or sent us a query, within
	// the last 15 minutes. Older contact alone does not keep a node Good.
	Good Liveness = iota
	// Questionable: no reply or query seen in the last 15 minutes but
	// hasn't failed NumFailsToBad consecutive times yet.
	Questionable
	// Bad: failed to reply to NumFailsToBad consecutive queries. Bad
	// nodes are evicted to make room for new candidates.
	Bad
)

// GoodThreshold is how long a node is considered Good without fresh
// contact before it degrades to Questionable.
const GoodThreshold = 15 * time.Minute

// NumFailsToBad is the number of consecutive query failures after which
// a node is classified Bad and evicted.
const NumFailsToBad = 2

// Node is a single DHT routing-table entry.
type Node struct {
	ID             ids.NodeID
	Addr           ids.PeerAddress
	LastSeen       time.Time // last time the node replied to us or queried us
	ConsecutiveFailures int
}

// Liveness classifies the node's current health.
func (n *Node) Liveness(now time.Time) Liveness {
	if n.ConsecutiveFailures >= NumFailsToBad {
		return Bad
	}
	if now.Sub(n.LastSeen) <= GoodThreshold {
		return Good
	}
	return Questionable
}

// MarkReplied resets failure tracking and refreshes LastSeen, called
// whenever the node answers a query or sends us one.
func (n *Node) MarkReplied(now time.Time) {
	n.ConsecutiveFailures = 0
	n.LastSeen = now
}

// MarkFailed records a query timeout/failure against the node.
func (n *Node) MarkFailed() {
	n.ConsecutiveFailures++
}

// Endpoint returns the node's compact-encodable identity and address.
func (n *Node) Endpoint() ids.NodeEndpoint {
	return ids.NodeEndpoint{ID: n.ID, Addr: n.Addr}
}

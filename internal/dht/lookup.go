package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// FindNode performs an iterative Kademlia lookup for target: it queries
// the alpha closest known nodes concurrently, folds newly discovered
// nodes into the candidate set, and converges once no closer node is
// found among the k closest seen so far.
func (d *DHT) FindNode(ctx context.Context, target ids.NodeID) ([]ids.NodeEndpoint, error) {
	seed := d.rt.Closest(target, K)
	if len(seed) == 0 {
		return nil, errs.New(errs.KindFatal, "dht.find_node: routing table is empty")
	}

	l := newLookup(target, seed)
	for {
		batch := l.next(d.cfg.DHTAlpha)
		if len(batch) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c ids.NodeEndpoint) {
				defer wg.Done()
				addr := &net.UDPAddr{IP: c.Addr.IP, Port: c.Addr.Port}
				nodes, err := d.findNodeQuery(ctx, addr, target)
				if err != nil {
					l.fail(c.ID)
					return
				}
				for _, n := range nodes {
					d.rt.Add(n.ID, n.Addr, time.Now())
				}
				l.observe(nodes)
			}(c)
		}
		wg.Wait()
	}
	return l.closest(K), nil
}

// GetPeers performs an iterative lookup for infoHash, querying get_peers
// instead of find_node; it returns the union of discovered peers and,
// for each queried node, the token needed to announce_peer to it.
func (d *DHT) GetPeers(ctx context.Context, infoHash ids.InfoHash) ([]ids.PeerAddress, map[ids.NodeID]announceTarget, error) {
	target := ids.NodeID(infoHash)
	seed := d.rt.Closest(target, K)
	if len(seed) == 0 {
		return nil, nil, errs.New(errs.KindFatal, "dht.get_peers: routing table is empty")
	}

	l := newLookup(target, seed)
	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		peers  []ids.PeerAddress
		tokens = make(map[ids.NodeID]announceTarget)
	)

	for {
		batch := l.next(d.cfg.DHTAlpha)
		if len(batch) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c ids.NodeEndpoint) {
				defer wg.Done()
				addr := &net.UDPAddr{IP: c.Addr.IP, Port: c.Addr.Port}
				gotPeers, nodes, token, err := d.getPeersQuery(ctx, addr, infoHash)
				if err != nil {
					l.fail(c.ID)
					return
				}
				if token != "" {
					mu.Lock()
					tokens[c.ID] = announceTarget{Addr: c.Addr, Token: token}
					mu.Unlock()
				}
				if len(gotPeers) > 0 {
					mu.Lock()
					for _, p := range gotPeers {
						key := p.String()
						if !seen[key] {
							seen[key] = true
							peers = append(peers, p)
						}
					}
					mu.Unlock()
				}
				for _, n := range nodes {
					d.rt.Add(n.ID, n.Addr, time.Now())
				}
				l.observe(nodes)
			}(c)
		}
		wg.Wait()
	}
	return peers, tokens, nil
}

// announceTarget is a node worth announce_peer-ing to, paired with the
// token its get_peers reply handed out (BEP 5 step 5).
type announceTarget struct {
	Addr  ids.PeerAddress
	Token string
}

// AnnounceToClosest announces our listening port to the nodes GetPeers
// gathered tokens for, per BEP 5: "the torrent client should then send
// an announce_peer to the closest nodes it found".
func (d *DHT) AnnounceToClosest(ctx context.Context, infoHash ids.InfoHash, port int, targets map[ids.NodeID]announceTarget) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t announceTarget) {
			defer wg.Done()
			addr := &net.UDPAddr{IP: t.Addr.IP, Port: t.Addr.Port}
			if err := d.AnnouncePeer(ctx, addr, infoHash, port, t.Token); err != nil {
				d.log.WithError(err).WithField("addr", addr).Debug("announce_peer failed")
			}
		}(t)
	}
	wg.Wait()
}

// lookup tracks the state of one iterative Kademlia search: the
// candidate set ordered by distance to target, which candidates have
// already been queried, and which are still pending a first query.
type lookup struct {
	target     ids.NodeID
	mu         sync.Mutex
	candidates map[ids.NodeID]ids.NodeEndpoint
	queried    map[ids.NodeID]bool
}

func newLookup(target ids.NodeID, seed []*Node) *lookup {
	l := &lookup{
		target:     target,
		candidates: make(map[ids.NodeID]ids.NodeEndpoint),
		queried:    make(map[ids.NodeID]bool),
	}
	for _, n := range seed {
		l.candidates[n.ID] = n.Endpoint()
	}
	return l
}

// next returns up to n not-yet-queried candidates from among the K
// closest candidates seen so far, closest to target first, and marks
// them queried. It returns none once all of those K have been queried.
func (l *lookup) next(n int) []ids.NodeEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	closest := make([]ids.NodeEndpoint, 0, len(l.candidates))
	for _, ep := range l.candidates {
		closest = append(closest, ep)
	}
	sortEndpoints(closest, l.target)
	if len(closest) > K {
		closest = closest[:K]
	}
	var unqueried []ids.NodeEndpoint
	for _, ep := range closest {
		if !l.queried[ep.ID] {
			unqueried = append(unqueried, ep)
		}
	}
	if len(unqueried) > n {
		unqueried = unqueried[:n]
	}
	for _, ep := range unqueried {
		l.queried[ep.ID] = true
	}
	return unqueried
}

// observe folds newly discovered nodes into the candidate set.
func (l *lookup) observe(discovered []ids.NodeEndpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ep := range discovered {
		if _, ok := l.candidates[ep.ID]; !ok {
			l.candidates[ep.ID] = ep
		}
	}
}

// fail marks a candidate as queried without requeuing it; its contact
// failed and it should not be tried again this lookup.
func (l *lookup) fail(id ids.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queried[id] = true
}

// closest returns up to k candidates closest to target, whether or not
// they've been queried yet (used as the final lookup result).
func (l *lookup) closest(k int) []ids.NodeEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ids.NodeEndpoint, 0, len(l.candidates))
	for _, ep := range l.candidates {
		out = append(out, ep)
	}
	sortEndpoints(out, l.target)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortEndpoints(eps []ids.NodeEndpoint, target ids.NodeID) {
	for i := 1; i < len(eps); i++ {
		j := i
		for j > 0 && ids.Less(eps[j].ID, eps[j-1].ID, target) {
			eps[j], eps[j-1] = eps[j-1], eps[j]
			j--
		}
	}
}

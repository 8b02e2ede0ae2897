// Package dht implements the BitTorrent Distributed Hash Table (BEP 5):
// a 160 k-bucket routing table, KRPC query/response handling over UDP,
// and iterative find_node/get_peers/announce_peer lookups.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brennawood/magnetdl/internal/config"
	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/krpc"
)

// MaxPacketSize bounds a single UDP datagram read.
const MaxPacketSize = 1500

// DHT is a DHT node: routing table, UDP transport, and the query
// machinery built on top of them.
type DHT struct {
	ID     ids.NodeID
	cfg    config.Config
	log    logrus.FieldLogger
	conn   *net.UDPConn
	port   int
	rt     *RoutingTable
	tx     *krpc.Transactions
	tokens *tokenIssuer

	peerStoreMu sync.RWMutex
	peerStore   map[ids.InfoHash][]ids.PeerAddress

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New creates a DHT node with a freshly generated identity.
func New(cfg config.Config, log logrus.FieldLogger) (*DHT, error) {
	id, err := ids.Random()
	if err != nil {
		return nil, errs.Fatal("dht.new", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DHT{
		ID:        id,
		cfg:       cfg,
		log:       log.WithField("component", "dht"),
		rt:        NewRoutingTable(id),
		tx:        krpc.NewTransactions(),
		tokens:    newTokenIssuer(),
		peerStore: make(map[ids.InfoHash][]ids.PeerAddress),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start binds a UDP socket within the configured port range and begins
// the read loop and periodic bucket-refresh bootstrap loop.
func (d *DHT) Start(ctx context.Context) error {
	var conn *net.UDPConn
	var err error
	for port := d.cfg.DHTPortLow; port <= d.cfg.DHTPortHigh; port++ {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			d.port = port
			break
		}
	}
	if conn == nil {
		return errs.Transport("dht.start", fmt.Errorf("no free port in %d-%d: %w", d.cfg.DHTPortLow, d.cfg.DHTPortHigh, err))
	}
	d.conn = conn
	d.log.WithField("port", d.port).Info("dht listening")

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.readLoop(ctx) }()
	go func() { defer d.wg.Done(); d.refreshLoop(ctx) }()
	return nil
}

// Stop closes the socket and waits for background goroutines to exit.
func (d *DHT) Stop() {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

// Port returns the UDP port the node bound to.
func (d *DHT) Port() int { return d.port }

// RoutingTable exposes the table for inspection (used by session progress
// reporting).
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

func (d *DHT) readLoop(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				return
			default:
				d.log.WithError(err).Warn("dht read error")
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go d.handle(data, addr)
	}
}

func (d *DHT) refreshLoop(ctx context.Context) {
	d.Bootstrap(ctx)
	ticker := time.NewTicker(d.cfg.DHTBucketRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			for _, idx := range d.rt.StaleBuckets(now) {
				target := d.rt.RandomIDInBucket(idx)
				go d.FindNode(ctx, target)
			}
		}
	}
}

func (d *DHT) handle(data []byte, addr *net.UDPAddr) {
	msg, err := krpc.Decode(data)
	if err != nil {
		d.log.WithError(err).WithField("addr", addr).Debug("dropping undecodable krpc message")
		return
	}
	switch msg.Type {
	case krpc.TypeQuery:
		d.handleQuery(msg, addr)
	case krpc.TypeResponse:
		d.handleResponse(msg, addr)
	case krpc.TypeError:
		d.log.WithFields(logrus.Fields{"addr": addr, "code": msg.ErrorCode}).Debug("received krpc error")
		d.tx.Take(msg.TransactionID)
	}
}

func (d *DHT) handleQuery(msg *krpc.Message, addr *net.UDPAddr) {
	if senderID, err := msg.NodeID(); err == nil {
		d.rt.Add(senderID, ids.PeerAddress{IP: addr.IP, Port: addr.Port}, time.Now())
	}

	var resp []byte
	switch msg.Query {
	case krpc.MethodPing:
		resp = krpc.EncodePingResponse(msg.TransactionID, d.ID)

	case krpc.MethodFindNode:
		target, ok := msg.Args["target"]
		ts, okStr := target.AsString()
		if !ok || !okStr || len(ts) != ids.Size {
			resp = krpc.EncodeError(msg.TransactionID, krpc.ErrProtocol, "invalid target")
			break
		}
		var targetID ids.NodeID
		copy(targetID[:], ts)
		closest := d.rt.Closest(targetID, K)
		resp = krpc.EncodeFindNodeResponse(msg.TransactionID, d.ID, encodeNodes(closest))

	case krpc.MethodGetPeers:
		ihVal, ok := msg.Args["info_hash"]
		ihStr, okStr := ihVal.AsString()
		if !ok || !okStr || len(ihStr) != ids.Size {
			resp = krpc.EncodeError(msg.TransactionID, krpc.ErrProtocol, "invalid info_hash")
			break
		}
		var infoHash ids.InfoHash
		copy(infoHash[:], ihStr)
		token := d.tokens.mint(addr)

		d.peerStoreMu.RLock()
		peers := d.peerStore[infoHash]
		d.peerStoreMu.RUnlock()

		if len(peers) > 0 {
			compact := make([][]byte, 0, len(peers))
			for _, p := range peers {
				if b, err := p.CompactIPv4(); err == nil {
					compact = append(compact, b)
				}
			}
			resp = krpc.EncodeGetPeersResponsePeers(msg.TransactionID, d.ID, token, compact)
		} else {
			closest := d.rt.Closest(infoHash, K)
			resp = krpc.EncodeGetPeersResponseNodes(msg.TransactionID, d.ID, token, encodeNodes(closest))
		}

	case krpc.MethodAnnouncePeer:
		ihVal, _ := msg.Args["info_hash"]
		ihStr, _ := ihVal.AsString()
		tokenVal, _ := msg.Args["token"]
		token, _ := tokenVal.AsString()
		if len(ihStr) != ids.Size || !d.tokens.valid(addr, token) {
			resp = krpc.EncodeError(msg.TransactionID, krpc.ErrProtocol, "bad token")
			break
		}
		port := addr.Port
		if impliedVal, ok := msg.Args["implied_port"]; ok {
			if n, _ := impliedVal.AsInt(); n != 0 {
				port = addr.Port
			}
		}
		if portVal, ok := msg.Args["port"]; ok {
			if n, _ := portVal.AsInt(); n > 0 {
				port = int(n)
			}
		}
		var infoHash ids.InfoHash
		copy(infoHash[:], ihStr)
		d.storePeer(infoHash, ids.PeerAddress{IP: addr.IP, Port: port})
		resp = krpc.EncodeAnnouncePeerResponse(msg.TransactionID, d.ID)

	default:
		resp = krpc.EncodeError(msg.TransactionID, krpc.ErrMethodUnknown, "unknown method")
	}

	if resp != nil {
		d.conn.WriteToUDP(resp, addr)
	}
}

func (d *DHT) storePeer(infoHash ids.InfoHash, addr ids.PeerAddress) {
	d.peerStoreMu.Lock()
	defer d.peerStoreMu.Unlock()
	for _, existing := range d.peerStore[infoHash] {
		if existing == addr {
			return
		}
	}
	d.peerStore[infoHash] = append(d.peerStore[infoHash], addr)
}

func (d *DHT) handleResponse(msg *krpc.Message, addr *net.UDPAddr) {
	p := d.tx.Take(msg.TransactionID)
	if p == nil {
		return
	}
	if senderID, err := msg.NodeID(); err == nil {
		d.rt.Add(senderID, ids.PeerAddress{IP: addr.IP, Port: addr.Port}, time.Now())
	}
	select {
	case p.Reply <- msg:
	default:
	}
}

func encodeNodes(nodes []*Node) []byte {
	var buf []byte
	for _, n := range nodes {
		if b, err := n.Endpoint().CompactIPv4(); err == nil {
			buf = append(buf, b...)
		}
	}
	return buf
}

// MaxQueryRetries is how many times an unanswered query is resent
// before the node is marked failed (BEP 5: "nodes that do not respond
// after a few retries are removed").
const MaxQueryRetries = 2

// errQueryTimeout marks a single send-and-wait attempt that timed out,
// distinguishing it from ctx cancellation so query() knows whether to
// retry or give up immediately.
var errQueryTimeout = errors.New("dht: query attempt timed out")

// Ping sends a ping query and waits for a response.
func (d *DHT) Ping(ctx context.Context, addr *net.UDPAddr) (*krpc.Message, error) {
	return d.query(ctx, addr, krpc.MethodPing, "dht.ping", func(txID string) []byte {
		return krpc.EncodePing(txID, d.ID)
	})
}

// query sends a KRPC query and waits for its reply, resending up to
// MaxQueryRetries times on timeout (each attempt gets a fresh
// transaction id, per BEP 5 convention) before marking the destination
// node failed and returning a timeout error. Context cancellation
// aborts immediately without retrying or marking failure.
func (d *DHT) query(ctx context.Context, addr *net.UDPAddr, method, op string, encode func(txID string) []byte) (*krpc.Message, error) {
	for attempt := 0; attempt <= MaxQueryRetries; attempt++ {
		txID := d.tx.NewID()
		p := d.tx.Add(txID, method, addr)
		if _, err := d.conn.WriteToUDP(encode(txID), addr); err != nil {
			d.tx.Take(txID)
			return nil, errs.WrapPeer(errs.KindTransport, op, addr.String(), err)
		}
		resp, err := d.awaitOnce(ctx, p)
		if err == nil {
			return resp, nil
		}
		if err != errQueryTimeout {
			return nil, err
		}
		if attempt < MaxQueryRetries {
			d.log.WithFields(logrus.Fields{"addr": addr, "method": method, "attempt": attempt + 1}).
				Debug("dht query timed out, retransmitting")
		}
	}
	d.rt.MarkFailureByAddr(ids.PeerAddress{IP: addr.IP, Port: addr.Port})
	return nil, errs.WrapPeer(errs.KindTimeout, op, addr.String(),
		fmt.Errorf("query timed out after %d attempts", MaxQueryRetries+1))
}

// awaitOnce waits for a single reply to p, or errQueryTimeout once
// d.cfg.DHTQueryTimeout elapses.
func (d *DHT) awaitOnce(ctx context.Context, p *krpc.Pending) (*krpc.Message, error) {
	select {
	case resp := <-p.Reply:
		return resp, nil
	case <-time.After(d.cfg.DHTQueryTimeout):
		d.tx.Take(p.TransactionID)
		return nil, errQueryTimeout
	case <-ctx.Done():
		d.tx.Take(p.TransactionID)
		return nil, ctx.Err()
	}
}

func (d *DHT) findNodeQuery(ctx context.Context, addr *net.UDPAddr, target ids.NodeID) ([]ids.NodeEndpoint, error) {
	resp, err := d.query(ctx, addr, krpc.MethodFindNode, "dht.find_node", func(txID string) []byte {
		return krpc.EncodeFindNode(txID, d.ID, target)
	})
	if err != nil {
		return nil, err
	}
	return resp.Nodes()
}

func (d *DHT) getPeersQuery(ctx context.Context, addr *net.UDPAddr, infoHash ids.InfoHash) ([]ids.PeerAddress, []ids.NodeEndpoint, string, error) {
	resp, err := d.query(ctx, addr, krpc.MethodGetPeers, "dht.get_peers", func(txID string) []byte {
		return krpc.EncodeGetPeers(txID, d.ID, infoHash)
	})
	if err != nil {
		return nil, nil, "", err
	}
	token, _ := resp.Token()
	if peers, ok := resp.Peers(); ok {
		return peers, nil, token, nil
	}
	nodes, _ := resp.Nodes()
	return nil, nodes, token, nil
}

// AnnouncePeer sends an announce_peer query using a token obtained from
// a prior get_peers reply from that same node (BEP 5 step 5).
func (d *DHT) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash ids.InfoHash, port int, token string) error {
	_, err := d.query(ctx, addr, krpc.MethodAnnouncePeer, "dht.announce_peer", func(txID string) []byte {
		return krpc.EncodeAnnouncePeer(txID, d.ID, infoHash, port, token, false)
	})
	return err
}

// Bootstrap pings the well-known bootstrap nodes and runs a find_node
// for our own id to populate nearby buckets.
func (d *DHT) Bootstrap(ctx context.Context) {
	d.log.WithField("count", len(d.cfg.BootstrapNodes)).Info("bootstrapping")
	for _, addrStr := range d.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		go func(a *net.UDPAddr) {
			resp, err := d.Ping(ctx, a)
			if err != nil {
				return
			}
			if nodeID, err := resp.NodeID(); err == nil {
				d.rt.Add(nodeID, ids.PeerAddress{IP: a.IP, Port: a.Port}, time.Now())
			}
			d.FindNode(ctx, d.ID)
		}(addr)
	}
}

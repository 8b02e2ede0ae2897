// Package krpc implements the KRPC message layer used by the DHT (BEP 5):
// Bencode-over-UDP queries, responses, and errors, with transaction ID
// bookkeeping for matching replies to outstanding requests.
package krpc

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/bencode"
	"github.com/brennawood/magnetdl/internal/ids"
)

// Message types ("y").
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query methods ("q").
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Standard KRPC error codes (BEP 5).
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Message is a decoded KRPC message: exactly one of query/response/error
// fields is meaningful, depending on Type.
type Message struct {
	TransactionID string
	Type          string
	Query         string
	Args          map[string]bencode.Value
	Response      map[string]bencode.Value
	ErrorCode     int64
	ErrorMessage  string
}

// NodeID extracts the sender's node id ("id" in args or response).
func (m *Message) NodeID() (ids.NodeID, error) {
	var idDict map[string]bencode.Value
	switch m.Type {
	case TypeQuery:
		idDict = m.Args
	case TypeResponse:
		idDict = m.Response
	default:
		return ids.NodeID{}, fmt.Errorf("krpc: message of type %q has no node id", m.Type)
	}
	v, ok := idDict["id"]
	if !ok {
		return ids.NodeID{}, fmt.Errorf("krpc: message missing \"id\"")
	}
	s, ok := v.AsString()
	if !ok || len(s) != ids.Size {
		return ids.NodeID{}, fmt.Errorf("krpc: invalid node id")
	}
	var id ids.NodeID
	copy(id[:], s)
	return id, nil
}

// Nodes extracts compact node info from a find_node/get_peers response.
func (m *Message) Nodes() ([]ids.NodeEndpoint, error) {
	if m.Response == nil {
		return nil, fmt.Errorf("krpc: no response data")
	}
	v, ok := m.Response["nodes"]
	if !ok {
		return nil, nil
	}
	s, ok := v.AsString()
	if !ok {
		return nil, fmt.Errorf("krpc: \"nodes\" is not a string")
	}
	return ids.ParseCompactNodesIPv4([]byte(s))
}

// Peers extracts compact peer info from a get_peers response's "values".
func (m *Message) Peers() ([]ids.PeerAddress, bool) {
	if m.Response == nil {
		return nil, false
	}
	v, ok := m.Response["values"]
	if !ok || v.Kind != bencode.KindList {
		return nil, false
	}
	peers := make([]ids.PeerAddress, 0, len(v.List))
	for _, item := range v.List {
		s, ok := item.AsString()
		if !ok {
			continue
		}
		addr, err := ids.ParseCompactIPv4([]byte(s))
		if err == nil {
			peers = append(peers, addr)
		}
	}
	return peers, true
}

// Token extracts the opaque announce token from a get_peers response.
func (m *Message) Token() (string, bool) {
	if m.Response == nil {
		return "", false
	}
	v, ok := m.Response["token"]
	if !ok {
		return "", false
	}
	s, ok := v.AsString()
	return s, ok
}

// --- encoding ---

func query(txID, method string, args map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Bytes([]byte(txID)),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(method),
		"a": bencode.Dict(args),
	}))
}

func response(txID string, r map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Bytes([]byte(txID)),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(r),
	}))
}

// EncodePing builds a ping query.
func EncodePing(txID string, self ids.NodeID) []byte {
	return query(txID, MethodPing, map[string]bencode.Value{
		"id": bencode.Bytes(self[:]),
	})
}

// EncodePingResponse builds a ping response.
func EncodePingResponse(txID string, self ids.NodeID) []byte {
	return response(txID, map[string]bencode.Value{
		"id": bencode.Bytes(self[:]),
	})
}

// EncodeFindNode builds a find_node query.
func EncodeFindNode(txID string, self, target ids.NodeID) []byte {
	return query(txID, MethodFindNode, map[string]bencode.Value{
		"id":     bencode.Bytes(self[:]),
		"target": bencode.Bytes(target[:]),
	})
}

// EncodeFindNodeResponse builds a find_node response carrying compact nodes.
func EncodeFindNodeResponse(txID string, self ids.NodeID, nodes []byte) []byte {
	return response(txID, map[string]bencode.Value{
		"id":    bencode.Bytes(self[:]),
		"nodes": bencode.Bytes(nodes),
	})
}

// EncodeGetPeers builds a get_peers query.
func EncodeGetPeers(txID string, self ids.NodeID, infoHash ids.InfoHash) []byte {
	return query(txID, MethodGetPeers, map[string]bencode.Value{
		"id":        bencode.Bytes(self[:]),
		"info_hash": bencode.Bytes(infoHash[:]),
	})
}

// EncodeGetPeersResponseNodes builds a get_peers response carrying the
// closest known nodes (no direct peers known).
func EncodeGetPeersResponseNodes(txID string, self ids.NodeID, token string, nodes []byte) []byte {
	return response(txID, map[string]bencode.Value{
		"id":    bencode.Bytes(self[:]),
		"token": bencode.String(token),
		"nodes": bencode.Bytes(nodes),
	})
}

// EncodeGetPeersResponsePeers builds a get_peers response carrying
// compact peer addresses.
func EncodeGetPeersResponsePeers(txID string, self ids.NodeID, token string, peers [][]byte) []byte {
	values := make([]bencode.Value, len(peers))
	for i, p := range peers {
		values[i] = bencode.Bytes(p)
	}
	return response(txID, map[string]bencode.Value{
		"id":     bencode.Bytes(self[:]),
		"token":  bencode.String(token),
		"values": bencode.List(values...),
	})
}

// EncodeAnnouncePeer builds an announce_peer query (BEP 5).
func EncodeAnnouncePeer(txID string, self ids.NodeID, infoHash ids.InfoHash, port int, token string, impliedPort bool) []byte {
	impl := int64(0)
	if impliedPort {
		impl = 1
	}
	return query(txID, MethodAnnouncePeer, map[string]bencode.Value{
		"id":           bencode.Bytes(self[:]),
		"info_hash":    bencode.Bytes(infoHash[:]),
		"port":         bencode.Int(int64(port)),
		"token":        bencode.String(token),
		"implied_port": bencode.Int(impl),
	})
}

// EncodeAnnouncePeerResponse builds an announce_peer response.
func EncodeAnnouncePeerResponse(txID string, self ids.NodeID) []byte {
	return response(txID, map[string]bencode.Value{
		"id": bencode.Bytes(self[:]),
	})
}

// EncodeError builds a KRPC error message.
func EncodeError(txID string, code int, message string) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.Bytes([]byte(txID)),
		"y": bencode.String(TypeError),
		"e": bencode.List(bencode.Int(int64(code)), bencode.String(message)),
	}))
}

// Decode parses a bencoded byte slice into a Message.
func Decode(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("krpc: decode: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("krpc: message must be a dictionary")
	}

	msg := &Message{}
	t, ok := v.Get("t")
	if !ok {
		return nil, fmt.Errorf("krpc: missing transaction id")
	}
	ts, _ := t.AsString()
	msg.TransactionID = ts

	y, ok := v.Get("y")
	if !ok {
		return nil, fmt.Errorf("krpc: missing message type")
	}
	ys, _ := y.AsString()
	msg.Type = ys

	switch msg.Type {
	case TypeQuery:
		if q, ok := v.Get("q"); ok {
			msg.Query, _ = q.AsString()
		}
		if a, ok := v.Get("a"); ok && a.Kind == bencode.KindDict {
			msg.Args = a.Dict
		}
	case TypeResponse:
		if r, ok := v.Get("r"); ok && r.Kind == bencode.KindDict {
			msg.Response = r.Dict
		}
	case TypeError:
		if e, ok := v.Get("e"); ok && e.Kind == bencode.KindList && len(e.List) >= 2 {
			code, _ := e.List[0].AsInt()
			m, _ := e.List[1].AsString()
			msg.ErrorCode = code
			msg.ErrorMessage = m
		}
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", msg.Type)
	}
	return msg, nil
}

// --- transaction management ---

// Pending tracks a single outgoing query awaiting its reply.
type Pending struct {
	TransactionID string
	Method        string
	Target        *net.UDPAddr
	SentAt        time.Time
	Reply         chan *Message
}

// Transactions issues and tracks transaction IDs for outgoing queries.
type Transactions struct {
	mu      sync.Mutex
	pending map[string]*Pending
	counter uint32
}

// NewTransactions builds an empty transaction table.
func NewTransactions() *Transactions {
	return &Transactions{pending: make(map[string]*Pending)}
}

// NewID issues a new, unpredictable-enough transaction id. A 2-byte
// monotonic counter is adequate (this is a local sequence number, not a
// security boundary) but we salt it with a random byte to avoid
// collisions across process restarts.
func (tx *Transactions) NewID() string {
	tx.mu.Lock()
	tx.counter++
	c := tx.counter
	tx.mu.Unlock()
	var salt [1]byte
	rand.Read(salt[:])
	return string([]byte{salt[0], byte(c >> 8), byte(c)})
}

// Add registers a pending query, returning the channel its reply will
// arrive on.
func (tx *Transactions) Add(txID, method string, target *net.UDPAddr) *Pending {
	p := &Pending{
		TransactionID: txID,
		Method:        method,
		Target:        target,
		SentAt:        time.Now(),
		Reply:         make(chan *Message, 1),
	}
	tx.mu.Lock()
	tx.pending[txID] = p
	tx.mu.Unlock()
	return p
}

// Take removes and returns a pending query by transaction id, or nil if
// none is outstanding (e.g. a stale or spoofed reply).
func (tx *Transactions) Take(txID string) *Pending {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	p := tx.pending[txID]
	delete(tx.pending, txID)
	return p
}

// ExpireOlderThan removes and returns all pending queries sent more than
// d ago, so callers can fail them out.
func (tx *Transactions) ExpireOlderThan(d time.Duration) []*Pending {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var expired []*Pending
	cutoff := time.Now().Add(-d)
	for id, p := range tx.pending {
		if p.SentAt.Before(cutoff) {
			expired = append(expired, p)
			delete(tx.pending, id)
		}
	}
	return expired
}

// Count returns the number of outstanding queries.
func (tx *Transactions) Count() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.pending)
}

// Package tracker announces a torrent's info hash to UDP and HTTP/HTTPS
// trackers and parses back a compact peer list, a minor peer source
// alongside the DHT. Generalized from the teacher's root-level
// tracker.go/torrentfile.go (UDP connect/announce handshake, HTTP
// compact-peers parsing) into a standalone collaborator the session
// orchestrator calls the same way it calls the DHT.
package tracker

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brennawood/magnetdl/internal/bencode"
	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// UDP tracker protocol actions (BEP 15).
const (
	actionConnect uint32 = iota
	actionAnnounce
)

const protocolID uint64 = 0x41727101980

// QueryTimeout is the base UDP timeout; it doubles on each retry.
const QueryTimeout = 15 * time.Second

// MaxRetries bounds the exponential-backoff retry loop for UDP trackers.
const MaxRetries = 8

// HTTPTimeout bounds an HTTP/HTTPS announce request.
const HTTPTimeout = 30 * time.Second

// Response is a tracker's reply to an announce: a suggested re-announce
// interval and the peers it returned.
type Response struct {
	Interval int
	Peers    []ids.PeerAddress
}

// Announce sends an announce request to trackerURL and returns the
// peers it reports, dispatching on URL scheme to the UDP (BEP 15) or
// HTTP/HTTPS (BEP 3) announce path.
func Announce(ctx context.Context, trackerURL *url.URL, infoHash ids.InfoHash, peerID [20]byte, port int, bytesLeft int64) (*Response, error) {
	switch trackerURL.Scheme {
	case "udp", "udp4", "udp6":
		return announceUDP(ctx, trackerURL, infoHash, peerID, port, bytesLeft)
	case "http", "https":
		return announceHTTP(ctx, trackerURL, infoHash, peerID, port, bytesLeft)
	default:
		return nil, errs.New(errs.KindProtocol, "tracker.announce: unsupported scheme "+trackerURL.Scheme)
	}
}

// AnnounceAll queries every tracker concurrently and returns the union
// of the peers they report, deduplicated. Per-tracker failures are
// logged and otherwise ignored — a torrent with several trackers
// should not fail discovery because one is down.
func AnnounceAll(ctx context.Context, trackerURLs []*url.URL, infoHash ids.InfoHash, peerID [20]byte, port int, bytesLeft int64) []ids.PeerAddress {
	type result struct {
		peers []ids.PeerAddress
		host  string
		err   error
	}
	results := make(chan result, len(trackerURLs))
	for _, u := range trackerURLs {
		go func(u *url.URL) {
			resp, err := Announce(ctx, u, infoHash, peerID, port, bytesLeft)
			if err != nil {
				results <- result{host: u.Host, err: err}
				return
			}
			results <- result{peers: resp.Peers, host: u.Host}
		}(u)
	}

	seen := make(map[string]bool)
	var all []ids.PeerAddress
	for range trackerURLs {
		r := <-results
		if r.err != nil {
			logrus.WithError(r.err).WithField("tracker", r.host).Debug("tracker announce failed")
			continue
		}
		for _, p := range r.peers {
			key := p.String()
			if !seen[key] {
				seen[key] = true
				all = append(all, p)
			}
		}
	}
	return all
}

func announceUDP(ctx context.Context, trackerURL *url.URL, infoHash ids.InfoHash, peerID [20]byte, port int, bytesLeft int64) (*Response, error) {
	addr, err := net.ResolveUDPAddr(trackerURL.Scheme, trackerURL.Host)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "tracker.announce_udp: resolve", err)
	}
	conn, err := net.DialUDP(trackerURL.Scheme, nil, addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "tracker.announce_udp: dial", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	var lastErr error
	for try := 0; try < MaxRetries; try++ {
		timeout := QueryTimeout * (1 << uint(try))
		conn.SetDeadline(time.Now().Add(timeout))

		connID, err := connectUDP(conn)
		if err != nil {
			lastErr = err
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		return announceUDPRequest(conn, connID, infoHash, peerID, port, bytesLeft, trackerURL.Scheme == "udp6")
	}
	return nil, errs.Wrap(errs.KindTimeout, "tracker.announce_udp: retries exhausted", lastErr)
}

func connectUDP(conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req, protocolID)
	binary.BigEndian.PutUint32(req[8:], actionConnect)
	binary.BigEndian.PutUint32(req[12:], txID)
	if _, err := conn.Write(req); err != nil {
		return 0, errs.Wrap(errs.KindTransport, "tracker.connect_udp: write", err)
	}

	res := make([]byte, 16)
	n, err := conn.Read(res)
	if err != nil {
		return 0, err // propagate net.Error for the timeout/retry check above
	}
	if n != 16 {
		return 0, errs.New(errs.KindProtocol, "tracker.connect_udp: short response")
	}
	if action := binary.BigEndian.Uint32(res[:4]); action != actionConnect {
		return 0, errs.New(errs.KindProtocol, "tracker.connect_udp: unexpected action")
	}
	if gotTx := binary.BigEndian.Uint32(res[4:8]); gotTx != txID {
		return 0, errs.New(errs.KindProtocol, "tracker.connect_udp: transaction id mismatch")
	}
	return binary.BigEndian.Uint64(res[8:16]), nil
}

func announceUDPRequest(conn *net.UDPConn, connID uint64, infoHash ids.InfoHash, peerID [20]byte, port int, bytesLeft int64, ipv6 bool) (*Response, error) {
	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req, connID)
	binary.BigEndian.PutUint32(req[8:], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:], txID)
	copy(req[16:], infoHash[:])
	copy(req[36:], peerID[:])
	binary.BigEndian.PutUint64(req[56:], 0)
	binary.BigEndian.PutUint64(req[64:], uint64(bytesLeft))
	binary.BigEndian.PutUint64(req[72:], 0)
	binary.BigEndian.PutUint32(req[80:], 0)
	binary.BigEndian.PutUint32(req[84:], 0)
	binary.BigEndian.PutUint32(req[88:], rand.Uint32())
	binary.BigEndian.PutUint32(req[92:], 0xFFFFFFFF)
	binary.BigEndian.PutUint16(req[96:], uint16(port))

	if _, err := conn.Write(req); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "tracker.announce_udp_request: write", err)
	}
	res := make([]byte, 508)
	n, err := conn.Read(res)
	if err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "tracker.announce_udp_request: read", err)
	}
	if n < 20 {
		return nil, errs.New(errs.KindProtocol, "tracker.announce_udp_request: short response")
	}
	res = res[:n]
	if action := binary.BigEndian.Uint32(res); action != actionAnnounce {
		return nil, errs.New(errs.KindProtocol, "tracker.announce_udp_request: unexpected action")
	}
	if gotTx := binary.BigEndian.Uint32(res[4:8]); gotTx != txID {
		return nil, errs.New(errs.KindProtocol, "tracker.announce_udp_request: transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(res[8:12]))
	peers, err := parseCompactPeers(res[20:], ipv6)
	if err != nil {
		return nil, err
	}
	return &Response{Interval: interval, Peers: peers}, nil
}

func announceHTTP(ctx context.Context, trackerURL *url.URL, infoHash ids.InfoHash, peerID [20]byte, port int, bytesLeft int64) (*Response, error) {
	params := url.Values{
		"info_hash":  []string{string(infoHash[:])},
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{strconv.Itoa(port)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{strconv.FormatInt(bytesLeft, 10)},
		"compact":    []string{"1"},
	}
	announceURL := *trackerURL
	announceURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "tracker.announce_http: build request", err)
	}
	client := &http.Client{Timeout: HTTPTimeout}
	res, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "tracker.announce_http: do", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindProtocol, "tracker.announce_http: non-200 status "+res.Status)
	}

	dec := bencode.NewDecoder(res.Body)
	val, err := dec.Decode()
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "tracker.announce_http: decode", err)
	}
	return parseHTTPResponse(val)
}

func parseHTTPResponse(val bencode.Value) (*Response, error) {
	if val.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: not a dict")
	}
	if reason, ok := val.Get("failure reason"); ok {
		msg, _ := reason.AsString()
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: tracker failure: "+msg)
	}

	intervalVal, ok := val.Get("interval")
	if !ok {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: missing interval")
	}
	interval, ok := intervalVal.AsInt()
	if !ok {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: interval not an int")
	}

	peersVal, ok := val.Get("peers")
	if !ok {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: missing peers")
	}
	raw, ok := peersVal.AsString()
	if !ok {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_http_response: peers not a string")
	}
	peers, err := parseCompactPeers([]byte(raw), false)
	if err != nil {
		return nil, err
	}

	if peers6Val, ok := val.Get("peers6"); ok {
		if raw6, ok := peers6Val.AsString(); ok && len(raw6) > 0 {
			if more, err := parseCompactPeers([]byte(raw6), true); err == nil {
				peers = append(peers, more...)
			}
		}
	}

	return &Response{Interval: int(interval), Peers: peers}, nil
}

func parseCompactPeers(data []byte, ipv6 bool) ([]ids.PeerAddress, error) {
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	peerSize := ipSize + 2
	if len(data)%peerSize != 0 {
		return nil, errs.New(errs.KindProtocol, "tracker.parse_compact_peers: length not divisible by entry size")
	}
	out := make([]ids.PeerAddress, 0, len(data)/peerSize)
	for i := 0; i+peerSize <= len(data); i += peerSize {
		ip := make(net.IP, ipSize)
		copy(ip, data[i:i+ipSize])
		port := binary.BigEndian.Uint16(data[i+ipSize:])
		out = append(out, ids.PeerAddress{IP: ip, Port: int(port)})
	}
	return out, nil
}

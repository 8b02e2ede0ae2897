package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/peerwire"
)

// PieceSize is the fixed chunk size ut_metadata requests are split into
// (the final piece of the info dict may be shorter).
const PieceSize = 16 * 1024

// RequestTimeout is how long an outstanding ut_metadata request waits
// before the piece is returned to the needed pool and retried
// elsewhere.
const RequestTimeout = 10 * time.Second

// MaxInFlightPerPeer bounds concurrent outstanding requests to a single
// peer, per spec's round-robin dispatch policy.
const MaxInFlightPerPeer = 2

type pieceStatus int

const (
	statusNeeded pieceStatus = iota
	statusInFlight
	statusDone
)

type source struct {
	conn  *peerwire.Conn
	extID uint8
}

type event struct {
	peerIdx int
	msg     *peerwire.MetadataMessage
	err     error
}

// fetchState is the metadata fetcher's shared, mutex-guarded progress:
// per-piece status, received bytes, and per-peer blacklists.
type fetchState struct {
	mu            sync.Mutex
	numPieces     int
	status        []pieceStatus
	data          [][]byte
	requestedAt   []time.Time
	requestedFrom []int
	blacklist     []map[int]bool
	done          int
}

func newFetchState(numPieces, numPeers int) *fetchState {
	st := &fetchState{
		numPieces:     numPieces,
		status:        make([]pieceStatus, numPieces),
		data:          make([][]byte, numPieces),
		requestedAt:   make([]time.Time, numPieces),
		requestedFrom: make([]int, numPieces),
		blacklist:     make([]map[int]bool, numPeers),
	}
	for i := range st.blacklist {
		st.blacklist[i] = make(map[int]bool)
	}
	return st
}

func (st *fetchState) remaining() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.numPieces - st.done
}

func (st *fetchState) countInFlight(peerIdx int) int {
	n := 0
	for i, status := range st.status {
		if status == statusInFlight && st.requestedFrom[i] == peerIdx {
			n++
		}
	}
	return n
}

// dispatch assigns every currently-needed piece to an eligible,
// non-overloaded, non-blacklisting peer, round-robin across sources.
func (st *fetchState) dispatch(sources []*source) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for piece := 0; piece < st.numPieces; piece++ {
		if st.status[piece] != statusNeeded {
			continue
		}
		for i, s := range sources {
			if st.blacklist[i][piece] {
				continue
			}
			if st.countInFlight(i) >= MaxInFlightPerPeer {
				continue
			}
			if err := s.conn.Send(peerwire.EncodeMetadataRequest(s.extID, piece), RequestTimeout); err != nil {
				st.blacklist[i][piece] = true
				continue
			}
			st.status[piece] = statusInFlight
			st.requestedAt[piece] = time.Now()
			st.requestedFrom[piece] = i
			break
		}
	}
}

// reject returns a piece to the needed pool and blacklists it against
// the peer that rejected it.
func (st *fetchState) reject(peerIdx, piece int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if piece < 0 || piece >= st.numPieces {
		return
	}
	st.blacklist[peerIdx][piece] = true
	st.status[piece] = statusNeeded
}

// complete records a successfully received piece.
func (st *fetchState) complete(piece int, data []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if piece < 0 || piece >= st.numPieces || st.status[piece] == statusDone {
		return
	}
	st.data[piece] = data
	st.status[piece] = statusDone
	st.done++
}

// expireTimeouts returns any in-flight piece whose deadline has passed
// back to the needed pool, and blacklists it against the peer that held
// it (a slow peer for one piece is usually slow for all of them).
func (st *fetchState) expireTimeouts() {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-RequestTimeout)
	for piece, status := range st.status {
		if status == statusInFlight && st.requestedAt[piece].Before(cutoff) {
			st.blacklist[st.requestedFrom[piece]][piece] = true
			st.status[piece] = statusNeeded
		}
	}
}

// contributingPeers returns, for a fully-assembled fetchState (remaining
// == 0), the distinct peer indices that supplied at least one piece —
// used to decide who to blacklist after an assembly fails SHA-1
// verification, since any of them could be the one that lied.
func (st *fetchState) contributingPeers() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	seen := make(map[int]bool)
	var peers []int
	for _, peerIdx := range st.requestedFrom {
		if !seen[peerIdx] {
			seen[peerIdx] = true
			peers = append(peers, peerIdx)
		}
	}
	return peers
}

// disownPeer returns every piece currently assigned to peerIdx to the
// needed pool, used when that peer's connection fails outright.
func (st *fetchState) disownPeer(peerIdx int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for piece, status := range st.status {
		if status == statusInFlight && st.requestedFrom[piece] == peerIdx {
			st.status[piece] = statusNeeded
		}
	}
}

func (st *fetchState) assemble() []byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	var buf []byte
	for _, chunk := range st.data {
		buf = append(buf, chunk...)
	}
	return buf
}

// MaxHashMismatchRestarts is how many times a failed-verification
// assembly is discarded and rebuilt from scratch before Fetch gives up.
const MaxHashMismatchRestarts = 3

// Fetch retrieves and assembles the info dictionary for infoHash from
// the given, already-handshaken peer connections, dispatching
// ut_metadata requests round-robin across peers that advertised the
// extension, up to MaxInFlightPerPeer in flight at a time. If the
// assembled dictionary fails SHA-1 verification against infoHash — a
// peer lied about at least one piece — every peer that contributed a
// piece to that assembly is blacklisted and the whole fetch restarts
// from an empty fetchState, up to MaxHashMismatchRestarts times.
func Fetch(ctx context.Context, infoHash ids.InfoHash, conns []*peerwire.Conn) (*TorrentInfo, error) {
	var sources []*source
	size := 0
	for _, c := range conns {
		extID, ok := c.MetadataExtID()
		if !ok {
			continue
		}
		if s := c.MetadataSize(); s > 0 {
			size = s
		}
		sources = append(sources, &source{conn: c, extID: extID})
	}
	if len(sources) == 0 {
		return nil, errs.New(errs.KindFatal, "metadata.fetch: no peer advertises ut_metadata")
	}
	if size == 0 {
		return nil, errs.New(errs.KindFatal, "metadata.fetch: no peer reported metadata_size")
	}

	numPieces := (size + PieceSize - 1) / PieceSize

	events := make(chan event, 64)
	for i, s := range sources {
		go readMetadataEvents(i, s, events)
	}

	blacklistedPeers := make(map[int]bool)
	var lastErr error
	for attempt := 0; attempt <= MaxHashMismatchRestarts; attempt++ {
		st := newFetchState(numPieces, len(sources))
		for peerIdx := range blacklistedPeers {
			for piece := 0; piece < numPieces; piece++ {
				st.blacklist[peerIdx][piece] = true
			}
		}

		if err := runFetchRound(ctx, st, sources, events); err != nil {
			return nil, err
		}

		raw := st.assemble()
		info, err := ParseInfoDict(raw, infoHash)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !errs.Is(err, errs.KindHashMismatch) {
			return nil, err
		}
		for _, peerIdx := range st.contributingPeers() {
			blacklistedPeers[peerIdx] = true
		}
	}
	return nil, lastErr
}

// runFetchRound dispatches requests and drains events for a single
// fetchState until every piece is either received or the context ends.
func runFetchRound(ctx context.Context, st *fetchState, sources []*source, events <-chan event) error {
	st.dispatch(sources)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for st.remaining() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.err != nil {
				st.disownPeer(ev.peerIdx)
				st.dispatch(sources)
				continue
			}
			switch ev.msg.Type {
			case peerwire.MetaReject:
				st.reject(ev.peerIdx, ev.msg.Piece)
			case peerwire.MetaData:
				st.complete(ev.msg.Piece, ev.msg.Data)
			}
			st.dispatch(sources)
		case <-ticker.C:
			st.expireTimeouts()
			st.dispatch(sources)
		}
	}
	return nil
}

func readMetadataEvents(peerIdx int, s *source, events chan<- event) {
	for {
		msg, err := s.conn.Read(RequestTimeout + 5*time.Second)
		if err != nil {
			events <- event{peerIdx: peerIdx, err: err}
			return
		}
		if msg.ID != peerwire.Extended || len(msg.Payload) == 0 {
			continue
		}
		mm, err := peerwire.DecodeMetadataMessage(msg.Payload[1:])
		if err != nil {
			continue
		}
		events <- event{peerIdx: peerIdx, msg: mm}
	}
}

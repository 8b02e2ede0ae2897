package scheduler

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/peerwire"
)

// PieceSpec describes one piece's position and expected hash, as
// derived from the torrent's info dictionary.
type PieceSpec struct {
	Index  int
	Hash   ids.ID
	Length int
}

type blockStatus int

const (
	blockNeeded blockStatus = iota
	blockRequested
	blockReceived
)

type blockSlot struct {
	offset        int
	length        int
	status        blockStatus
	data          []byte
	requestedFrom string
	requestedAt   time.Time
}

type pieceRecord struct {
	spec   PieceSpec
	blocks []blockSlot
}

func newPieceRecord(spec PieceSpec, blockSize int) *pieceRecord {
	var blocks []blockSlot
	for off := 0; off < spec.Length; off += blockSize {
		length := blockSize
		if off+length > spec.Length {
			length = spec.Length - off
		}
		blocks = append(blocks, blockSlot{offset: off, length: length})
	}
	return &pieceRecord{spec: spec, blocks: blocks}
}

func (p *pieceRecord) allReceived() bool {
	for _, b := range p.blocks {
		if b.status != blockReceived {
			return false
		}
	}
	return true
}

func (p *pieceRecord) assemble() []byte {
	buf := make([]byte, p.spec.Length)
	for _, b := range p.blocks {
		copy(buf[b.offset:], b.data)
	}
	return buf
}

// BlockRequest is a (piece, block) assignment handed to a peer's send
// loop.
type BlockRequest struct {
	Piece  int
	Offset int
	Length int
}

// CompletedPiece is a piece whose blocks all arrived and hashed
// correctly, ready for the storage layer.
type CompletedPiece struct {
	Index int
	Data  []byte
}

// Scheduler tracks piece/block state across an entire download: which
// blocks are needed, requested, or received, rarest-first piece
// selection, per-block deadlines, peer strikes, and endgame
// duplication. All exported methods are safe for concurrent use by one
// goroutine per peer connection.
type Scheduler struct {
	mu              sync.Mutex
	pieces          []*pieceRecord
	queue           *pieceQueue
	blockSize       int
	window          int
	deadline        time.Duration
	endgameThresh   int
	strikes         map[string]int
	endgame         bool
}

// New builds a Scheduler for the given pieces.
func New(specs []PieceSpec, blockSize, window int, deadline time.Duration, endgameThreshold int) *Scheduler {
	pieces := make([]*pieceRecord, len(specs))
	for i, s := range specs {
		pieces[i] = newPieceRecord(s, blockSize)
	}
	q := newPieceQueue(len(specs))
	q.init()
	return &Scheduler{
		pieces:        pieces,
		queue:         q,
		blockSize:     blockSize,
		window:        window,
		deadline:      deadline,
		endgameThresh: endgameThreshold,
		strikes:       make(map[string]int),
	}
}

// RegisterPeer folds a peer's bitfield into rarest-first availability
// tracking.
func (s *Scheduler) RegisterPeer(bf peerwire.Bitfield) {
	s.queue.RegisterPeer(bf)
}

// GrowWindow raises the per-peer pipelining window, for a caller that
// measures throughput and finds a peer can sustain more outstanding
// requests. It never shrinks the window back down. internal/session
// does not call it, so a session keeps the window it was created with.
func (s *Scheduler) GrowWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.window {
		s.window = n
	}
}

// UnregisterPeer reverses RegisterPeer and returns any blocks that
// peerID had outstanding to the needed pool.
func (s *Scheduler) UnregisterPeer(peerID string, bf peerwire.Bitfield) {
	s.queue.UnregisterPeer(bf)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pieces {
		for i := range p.blocks {
			if p.blocks[i].status == blockRequested && p.blocks[i].requestedFrom == peerID {
				p.blocks[i].status = blockNeeded
			}
		}
	}
}

// NextRequests returns up to window-minus-outstanding new block
// requests for peerID, drawn rarest-first from pieces the peer's
// bitfield says it has. Callers must only invoke this for peers that
// are not choking us; the scheduler has no visibility into choke
// state. Once the download has entered endgame, it may also return
// blocks already requested from another peer, so callers must be
// prepared for a Cancel on whichever source loses the race.
func (s *Scheduler) NextRequests(peerID string, bf peerwire.Bitfield, outstanding int) []BlockRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.window - outstanding
	if want <= 0 {
		return nil
	}

	s.maybeEnterEndgameLocked()

	var reqs []BlockRequest
	for want > 0 {
		idx := s.queue.NextPiece(bf)
		if idx < 0 {
			if !s.endgame {
				break
			}
			idx = s.endgameCandidateLocked(bf)
			if idx < 0 {
				break
			}
		}
		p := s.pieces[idx]
		got := false
		for i := range p.blocks {
			if want == 0 {
				break
			}
			b := &p.blocks[i]
			if b.status == blockReceived {
				continue
			}
			if b.status == blockRequested && (!s.endgame || b.requestedFrom == peerID) {
				continue
			}
			b.status = blockRequested
			b.requestedFrom = peerID
			b.requestedAt = time.Now()
			reqs = append(reqs, BlockRequest{Piece: idx, Offset: b.offset, Length: b.length})
			want--
			got = true
		}
		if !got {
			// Every block in this piece is already spoken for and we're
			// not in endgame; leave it in-progress and stop scanning
			// (NextPiece already removed it from the bucket once).
			break
		}
	}
	return reqs
}

func (s *Scheduler) maybeEnterEndgameLocked() {
	if s.endgame {
		return
	}
	if s.queue.RemainingCount() <= s.endgameThresh {
		s.endgame = true
	}
}

// endgameCandidateLocked returns an in-progress piece index the peer
// has and that still has at least one non-received block, or -1.
func (s *Scheduler) endgameCandidateLocked(bf peerwire.Bitfield) int {
	for _, idx := range s.queue.InProgressIndices() {
		if !bf.Has(idx) {
			continue
		}
		for _, b := range s.pieces[idx].blocks {
			if b.status != blockReceived {
				return idx
			}
		}
	}
	return -1
}

// OnBlockReceived records a block arrival. If the piece is now
// complete, its hash is verified; a match returns a CompletedPiece for
// the storage layer, a mismatch drops all of the piece's blocks, marks
// a strike against every peer that contributed one, and returns the
// piece to the needed pool.
func (s *Scheduler) OnBlockReceived(peerID string, piece, offset int, data []byte) (*CompletedPiece, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if piece < 0 || piece >= len(s.pieces) {
		return nil, errs.New(errs.KindProtocol, "scheduler.on_block_received: piece index out of range")
	}
	p := s.pieces[piece]
	found := false
	for i := range p.blocks {
		if p.blocks[i].offset == offset {
			if p.blocks[i].status != blockReceived {
				p.blocks[i].status = blockReceived
				p.blocks[i].data = data
				p.blocks[i].requestedFrom = peerID
			}
			found = true
			break
		}
	}
	if !found {
		return nil, errs.New(errs.KindProtocol, "scheduler.on_block_received: no matching block offset")
	}
	if !p.allReceived() {
		return nil, nil
	}

	assembled := p.assemble()
	sum := sha1.Sum(assembled)
	if ids.ID(sum) != p.spec.Hash {
		contributors := make(map[string]bool)
		for i := range p.blocks {
			if p.blocks[i].requestedFrom != "" {
				contributors[p.blocks[i].requestedFrom] = true
			}
			p.blocks[i].status = blockNeeded
			p.blocks[i].data = nil
		}
		s.queue.Return(piece)
		for peer := range contributors {
			s.strikes[peer]++
		}
		return nil, errs.New(errs.KindHashMismatch, "scheduler.on_block_received: piece hash mismatch")
	}

	s.queue.Complete(piece)
	return &CompletedPiece{Index: piece, Data: assembled}, nil
}

// ExpireTimeouts returns any block whose request deadline has passed to
// the needed pool so it can be reassigned.
func (s *Scheduler) ExpireTimeouts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.deadline)
	for _, p := range s.pieces {
		for i := range p.blocks {
			if p.blocks[i].status == blockRequested && p.blocks[i].requestedAt.Before(cutoff) {
				p.blocks[i].status = blockNeeded
			}
		}
	}
}

// Strike records a fault against peerID (a rejected/mismatched piece
// contribution) and reports whether it has now accumulated enough
// strikes to warrant disconnection.
func (s *Scheduler) Strike(peerID string) (disconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strikes[peerID]++
	return s.strikes[peerID] >= 3
}

// Done reports whether every piece has been verified.
func (s *Scheduler) Done() bool {
	return s.queue.AllComplete()
}

// RemainingPieces returns how many pieces are not yet verified.
func (s *Scheduler) RemainingPieces() int {
	return s.queue.RemainingCount()
}

// Package scheduler selects which (piece, block) to request from which
// peer, enforces per-peer pipelining, verifies completed pieces against
// their info-dict hash, and escalates to endgame duplication as the
// download nears completion.
package scheduler

import (
	"sync"

	"github.com/brennawood/magnetdl/internal/peerwire"
)

// pieceQueue selects pending pieces rarest-first using availability
// buckets, generalizing the teacher's PieceQueue (torrent/piecequeue.go)
// which operated on whole pieces only; here it feeds piece indices into
// the block-level state machine in scheduler.go.
type pieceQueue struct {
	mu           sync.Mutex
	numPieces    int
	availability []int
	buckets      []map[int]bool
	inProgress   map[int]bool
	completed    map[int]bool
}

func newPieceQueue(numPieces int) *pieceQueue {
	return &pieceQueue{
		numPieces:    numPieces,
		availability: make([]int, numPieces),
		buckets:      []map[int]bool{make(map[int]bool)},
		inProgress:   make(map[int]bool),
		completed:    make(map[int]bool),
	}
}

func (pq *pieceQueue) ensureBucket(avail int) {
	for len(pq.buckets) <= avail {
		pq.buckets = append(pq.buckets, make(map[int]bool))
	}
}

func (pq *pieceQueue) init() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i := 0; i < pq.numPieces; i++ {
		pq.buckets[0][i] = true
	}
}

// RegisterPeer folds a peer's bitfield into availability tracking,
// moving pending pieces to a higher-availability bucket.
func (pq *pieceQueue) RegisterPeer(bf peerwire.Bitfield) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i := 0; i < pq.numPieces; i++ {
		if !bf.Has(i) {
			continue
		}
		old := pq.availability[i]
		pq.availability[i]++
		if !pq.completed[i] && !pq.inProgress[i] {
			if old < len(pq.buckets) {
				delete(pq.buckets[old], i)
			}
			pq.ensureBucket(old + 1)
			pq.buckets[old+1][i] = true
		}
	}
}

// UnregisterPeer reverses RegisterPeer, used when a peer disconnects.
func (pq *pieceQueue) UnregisterPeer(bf peerwire.Bitfield) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i := 0; i < pq.numPieces; i++ {
		if !bf.Has(i) || pq.availability[i] == 0 {
			continue
		}
		old := pq.availability[i]
		pq.availability[i]--
		if !pq.completed[i] && !pq.inProgress[i] {
			if old < len(pq.buckets) {
				delete(pq.buckets[old], i)
			}
			pq.ensureBucket(old - 1)
			pq.buckets[old-1][i] = true
		}
	}
}

// NextPiece returns the rarest pending piece index the given peer has,
// marking it in-progress, or -1 if none is available.
func (pq *pieceQueue) NextPiece(bf peerwire.Bitfield) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for avail := 0; avail < len(pq.buckets); avail++ {
		for idx := range pq.buckets[avail] {
			if bf.Has(idx) {
				delete(pq.buckets[avail], idx)
				pq.inProgress[idx] = true
				return idx
			}
		}
	}
	return -1
}

// Complete marks a piece verified and no longer eligible for selection.
func (pq *pieceQueue) Complete(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	delete(pq.inProgress, index)
	pq.completed[index] = true
}

// Return puts an in-progress piece back in its availability bucket
// (hash mismatch, or its only source disconnected).
func (pq *pieceQueue) Return(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if !pq.inProgress[index] {
		return
	}
	delete(pq.inProgress, index)
	avail := pq.availability[index]
	pq.ensureBucket(avail)
	pq.buckets[avail][index] = true
}

func (pq *pieceQueue) AllComplete() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.completed) == pq.numPieces
}

func (pq *pieceQueue) RemainingCount() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.numPieces - len(pq.completed)
}

// InProgressIndices returns the piece indices currently assigned to any
// peer, used by the endgame policy to find duplication candidates.
func (pq *pieceQueue) InProgressIndices() []int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]int, 0, len(pq.inProgress))
	for idx := range pq.inProgress {
		out = append(out, idx)
	}
	return out
}

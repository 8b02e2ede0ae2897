package scheduler

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/peerwire"
)

func fullBitfield(n int) peerwire.Bitfield {
	bf := peerwire.NewBitfield(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func specsFor(t *testing.T, data [][]byte) []PieceSpec {
	t.Helper()
	specs := make([]PieceSpec, len(data))
	for i, d := range data {
		specs[i] = PieceSpec{Index: i, Hash: ids.ID(sha1.Sum(d)), Length: len(d)}
	}
	return specs
}

func TestNextRequestsHonorsWindow(t *testing.T) {
	specs := specsFor(t, [][]byte{make([]byte, 5)})
	s := New(specs, 2, 2, time.Minute, 8)
	bf := fullBitfield(1)
	s.RegisterPeer(bf)

	reqs := s.NextRequests("peerA", bf, 0)
	require.Len(t, reqs, 2, "window of 2 should yield exactly 2 block requests for a 3-block piece")

	more := s.NextRequests("peerA", bf, 2)
	require.Empty(t, more, "outstanding already meets the window, no further requests")
}

func TestOnBlockReceivedAssemblesAndVerifiesPiece(t *testing.T) {
	payload := []byte("hello world, this is piece zero")
	specs := specsFor(t, [][]byte{payload})
	s := New(specs, 16, 5, time.Minute, 8)
	bf := fullBitfield(1)
	s.RegisterPeer(bf)

	reqs := s.NextRequests("peerA", bf, 0)
	require.Len(t, reqs, 2)

	var completed *CompletedPiece
	for _, r := range reqs {
		end := r.Offset + r.Length
		cp, err := s.OnBlockReceived("peerA", r.Piece, r.Offset, payload[r.Offset:end])
		require.NoError(t, err)
		if cp != nil {
			completed = cp
		}
	}
	require.NotNil(t, completed, "all blocks delivered, piece should verify")
	require.Equal(t, payload, completed.Data)
	require.True(t, s.Done())
}

func TestOnBlockReceivedDetectsHashMismatchAndStrikes(t *testing.T) {
	specs := specsFor(t, [][]byte{[]byte("the real bytes")})
	s := New(specs, 16, 5, time.Minute, 8)
	bf := fullBitfield(1)
	s.RegisterPeer(bf)

	reqs := s.NextRequests("badPeer", bf, 0)
	require.NotEmpty(t, reqs)
	for _, r := range reqs {
		_, err := s.OnBlockReceived("badPeer", r.Piece, r.Offset, make([]byte, r.Length)) // wrong data
		if r.Offset+r.Length == specs[0].Length {
			require.Error(t, err)
		}
	}
	require.False(t, s.Done())
	require.Equal(t, 1, s.RemainingPieces())

	// The mismatch above already struck badPeer once.
	disconnect := s.Strike("badPeer")
	require.False(t, disconnect, "two strikes should not yet disconnect")
	s.Strike("badPeer")
	require.True(t, s.Strike("badPeer"), "past three strikes should signal disconnect")
}

func TestExpireTimeoutsReturnsBlockToNeeded(t *testing.T) {
	specs := specsFor(t, [][]byte{make([]byte, 4)})
	s := New(specs, 4, 1, time.Millisecond, 8)
	bf := fullBitfield(1)
	s.RegisterPeer(bf)

	reqs := s.NextRequests("peerA", bf, 0)
	require.Len(t, reqs, 1)

	time.Sleep(5 * time.Millisecond)
	s.ExpireTimeouts()

	again := s.NextRequests("peerB", bf, 0)
	require.Len(t, again, 1, "expired block should be reassignable")
}

func TestUnregisterPeerReturnsItsOutstandingBlocks(t *testing.T) {
	specs := specsFor(t, [][]byte{make([]byte, 4), make([]byte, 4)})
	s := New(specs, 4, 5, time.Minute, 8)
	bf := fullBitfield(2)
	s.RegisterPeer(bf)

	reqs := s.NextRequests("peerA", bf, 0)
	require.NotEmpty(t, reqs)

	s.UnregisterPeer("peerA", bf)

	again := s.NextRequests("peerB", bf, 0)
	require.NotEmpty(t, again, "blocks orphaned by peerA should be requestable again")
}

func TestEndgameDuplicatesOutstandingRequests(t *testing.T) {
	data := make([][]byte, 3)
	for i := range data {
		data[i] = make([]byte, 4)
	}
	specs := specsFor(t, data)
	// endgameThresh=3 means as soon as all 3 pieces are pending, we're
	// already at/below threshold, so endgame engages on the first call.
	s := New(specs, 4, 10, time.Minute, 3)
	bf := fullBitfield(3)
	s.RegisterPeer(bf)

	first := s.NextRequests("peerA", bf, 0)
	require.Len(t, first, 3)

	// peerB should be able to duplicate the same in-progress pieces.
	second := s.NextRequests("peerB", bf, 0)
	require.NotEmpty(t, second, "endgame should allow duplicating in-flight blocks")
}

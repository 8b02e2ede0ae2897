// Package session is the top-level orchestrator: it drives a single
// magnet-link download through PARSING, DISCOVERING, METADATA,
// DOWNLOADING and DONE/FAILED states, wiring together the DHT,
// tracker, peer-wire, metadata, scheduler and storage collaborators.
// Generalized from the teacher's torrent/client.go
// (DownloadMagnetWithDHT/downloadFromPeersWithContext) into an
// explicit state machine instead of one long procedural function.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brennawood/magnetdl/internal/config"
	"github.com/brennawood/magnetdl/internal/dht"
	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
	"github.com/brennawood/magnetdl/internal/magnet"
	"github.com/brennawood/magnetdl/internal/metadata"
	"github.com/brennawood/magnetdl/internal/peerwire"
	"github.com/brennawood/magnetdl/internal/scheduler"
	"github.com/brennawood/magnetdl/internal/storage"
	"github.com/brennawood/magnetdl/internal/tracker"
)

// State is a stage in the download's life cycle.
type State int

const (
	Parsing State = iota
	Discovering
	Metadata
	Downloading
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Parsing:
		return "PARSING"
	case Discovering:
		return "DISCOVERING"
	case Metadata:
		return "METADATA"
	case Downloading:
		return "DOWNLOADING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Progress is a point-in-time snapshot for callers polling download status.
type Progress struct {
	State            State
	PiecesTotal      int
	PiecesRemaining  int
	ConnectedPeers   int
	Err              error
}

// Session drives one magnet link to completion.
type Session struct {
	cfg    config.Config
	log    logrus.FieldLogger
	peerID [20]byte

	mu       sync.RWMutex
	state    State
	lastErr  error
	sched    *scheduler.Scheduler
	numPeers int
	info     *metadata.TorrentInfo
}

// New builds a Session with the given configuration. A fresh peer id
// is minted per the teacher's clientID()/NewPeerID convention.
func New(cfg config.Config, log logrus.FieldLogger) (*Session, error) {
	peerID, err := peerwire.NewPeerID()
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "session.new: mint peer id", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{cfg: cfg, log: log.WithField("component", "session"), peerID: peerID, state: Parsing}, nil
}

// Progress returns a snapshot of the session's current state.
func (s *Session) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Progress{State: s.state, ConnectedPeers: s.numPeers, Err: s.lastErr}
	if s.info != nil {
		p.PiecesTotal = s.info.NumPieces()
	}
	if s.sched != nil {
		p.PiecesRemaining = s.sched.RemainingPieces()
	}
	return p
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.WithField("state", st.String()).Info("state transition")
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = Failed
	s.lastErr = err
	s.mu.Unlock()
	s.log.WithError(err).Error("session failed")
	return err
}

// Download runs a magnet link through every stage to completion,
// writing the resulting files under cfg.OutputDir.
func (s *Session) Download(ctx context.Context, magnetURI string) error {
	s.setState(Parsing)
	m, err := magnet.Parse(magnetURI)
	if err != nil {
		return s.fail(err)
	}
	s.log.WithField("name", m.Name()).WithField("info_hash", m.InfoHash.Hex()).Info("parsed magnet link")

	s.setState(Discovering)
	peers := s.discoverPeers(ctx, m)
	if len(peers) == 0 {
		return s.fail(errs.New(errs.KindFatal, "session.download: no peers found from any source"))
	}
	s.log.WithField("count", len(peers)).Info("discovered peers")

	conns := s.dialPeers(ctx, peers, m.InfoHash)
	if len(conns) == 0 {
		return s.fail(errs.New(errs.KindFatal, "session.download: could not connect to any peer"))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	s.mu.Lock()
	s.numPeers = len(conns)
	s.mu.Unlock()

	s.setState(Metadata)
	info, err := metadata.Fetch(ctx, m.InfoHash, conns)
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	s.log.WithField("pieces", info.NumPieces()).WithField("bytes", info.TotalLength).Info("metadata assembled")

	s.setState(Downloading)
	if err := s.runDownload(ctx, info, conns); err != nil {
		return s.fail(err)
	}

	s.setState(Done)
	return nil
}

// discoverPeers gathers candidate peer addresses from the magnet's own
// x.pe parameter, an ephemeral DHT node, and the magnet's trackers —
// mirroring the teacher's PeerCollector fan-in across sources.
func (s *Session) discoverPeers(ctx context.Context, m *magnet.Info) []ids.PeerAddress {
	seen := make(map[string]bool)
	var peers []ids.PeerAddress
	add := func(list []ids.PeerAddress, source string) {
		added := 0
		for _, p := range list {
			key := p.String()
			if !seen[key] {
				seen[key] = true
				peers = append(peers, p)
				added++
			}
		}
		if added > 0 {
			s.log.WithField("source", source).WithField("added", added).Debug("added peers")
		}
	}

	for _, addr := range m.PeerAddresses {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			continue
		}
		add([]ids.PeerAddress{{IP: ip, Port: port}}, "magnet link")
	}

	d, err := dht.New(s.cfg, s.log)
	if err != nil {
		s.log.WithError(err).Warn("dht: failed to create")
	} else {
		dhtCtx, cancel := context.WithTimeout(ctx, s.cfg.DHTQueryTimeout*4)
		defer cancel()
		if err := d.Start(dhtCtx); err != nil {
			s.log.WithError(err).Warn("dht: failed to start")
		} else {
			defer d.Stop()
			d.Bootstrap(dhtCtx)
			time.Sleep(time.Second) // let bootstrap pings populate the table
			dhtPeers, tokens, err := d.GetPeers(dhtCtx, m.InfoHash)
			if err != nil {
				s.log.WithError(err).Warn("dht: get_peers failed")
			} else {
				add(dhtPeers, "dht")
				go d.AnnounceToClosest(dhtCtx, m.InfoHash, s.cfg.PeerPortLow, tokens)
			}
		}
	}

	if m.HasTrackers() {
		trackerCtx, cancel := context.WithTimeout(ctx, tracker.HTTPTimeout)
		defer cancel()
		trackerPeers := tracker.AnnounceAll(trackerCtx, m.Trackers, m.InfoHash, s.peerID, s.cfg.PeerPortLow, m.ExactLength)
		add(trackerPeers, "trackers")
	}

	return peers
}

// dialPeers connects to candidate peers concurrently, bounded by
// cfg.MaxPeerConnections, and returns the ones that completed a
// handshake.
func (s *Session) dialPeers(ctx context.Context, peers []ids.PeerAddress, infoHash ids.InfoHash) []*peerwire.Conn {
	if len(peers) > s.cfg.MaxPeerConnections {
		peers = peers[:s.cfg.MaxPeerConnections]
	}
	var mu sync.Mutex
	var conns []*peerwire.Conn
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr ids.PeerAddress) {
			defer wg.Done()
			dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
			defer cancel()
			// numPieces is unknown before metadata is fetched, so each
			// Conn starts with a zero-length bitfield; runDownload grows
			// it via Conn.SetNumPieces once the real piece count is known,
			// before any Have/Bitfield tracking is relied on.
			conn, err := peerwire.Dial(dialCtx, addr, infoHash, s.peerID, 0)
			if err != nil {
				s.log.WithError(err).WithField("addr", addr.String()).Debug("dial failed")
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return conns
}

// runDownload drives the scheduler/storage loop: one goroutine per
// peer connection requests and reads blocks, verified pieces are
// written to disk, and the loop exits once every piece is verified.
func (s *Session) runDownload(ctx context.Context, info *metadata.TorrentInfo, conns []*peerwire.Conn) error {
	specs := make([]scheduler.PieceSpec, info.NumPieces())
	pieceLen := int(info.PieceLength)
	for i := range specs {
		length := pieceLen
		if i == len(specs)-1 {
			length = int(info.TotalLength) - i*pieceLen
		}
		specs[i] = scheduler.PieceSpec{Index: i, Hash: info.Pieces[i], Length: length}
	}
	sched := scheduler.New(specs, s.cfg.BlockSize, s.cfg.PipelineWindow, s.cfg.BlockDeadline, s.cfg.EndgameThreshold)
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()

	layout := storage.NewLayout(info)
	store, err := storage.NewStore(layout, s.cfg.OutputDir, s.cfg.MaxPeerConnections)
	if err != nil {
		return err
	}
	defer store.Close()

	numPieces := info.NumPieces()
	var wg sync.WaitGroup
	for _, c := range conns {
		// Conns were dialed before numPieces was known (see dialPeers);
		// grow each one's bitfield now so Have messages received for
		// indices beyond its dial-time zero length are no longer
		// silently dropped by Bitfield.Set's bounds check.
		c.SetNumPieces(numPieces)
		sched.RegisterPeer(peerBitfield(c, numPieces))
		wg.Add(1)
		go func(c *peerwire.Conn) {
			defer wg.Done()
			s.servePeer(ctx, c, sched, store, numPieces)
		}(c)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !sched.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sched.ExpireTimeouts()
		}
	}
	wg.Wait()
	return nil
}

func peerBitfield(c *peerwire.Conn, numPieces int) peerwire.Bitfield {
	bf := peerwire.NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		if c.Has(i) {
			bf.Set(i)
		}
	}
	return bf
}

// servePeer pumps block requests to one peer and feeds its replies
// into the shared scheduler until the download completes or the
// connection fails.
func (s *Session) servePeer(ctx context.Context, c *peerwire.Conn, sched *scheduler.Scheduler, store *storage.Store, numPieces int) {
	peerID := c.Addr.String()
	bf := peerBitfield(c, numPieces)
	outstanding := 0

	defer sched.UnregisterPeer(peerID, bf)

	if err := c.StartInterested(s.cfg.HandshakeTimeout); err != nil {
		s.log.WithError(err).WithField("peer", peerID).Debug("declare interest failed")
		return
	}

	for !sched.Done() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.Choked() {
			for _, req := range sched.NextRequests(peerID, bf, outstanding) {
				if err := c.Send(peerwire.RequestMsg(req.Piece, req.Offset, req.Length), s.cfg.HandshakeTimeout); err != nil {
					s.log.WithError(err).WithField("peer", peerID).Debug("send request failed")
					return
				}
				outstanding++
			}
		}

		msg, err := c.Read(s.cfg.BlockDeadline)
		if err != nil {
			s.log.WithError(err).WithField("peer", peerID).Debug("peer read failed")
			return
		}
		switch msg.ID {
		case peerwire.Piece:
			block, err := peerwire.ParsePiece(msg.Payload)
			if err != nil {
				continue
			}
			outstanding--
			completed, err := sched.OnBlockReceived(peerID, block.Piece, block.Offset, block.Data)
			if err != nil {
				if errs.Is(err, errs.KindHashMismatch) {
					if sched.Strike(peerID) {
						s.log.WithField("peer", peerID).Warn("peer disconnected after repeated hash mismatches")
						return
					}
				}
				continue
			}
			if completed != nil {
				if err := store.WritePiece(completed.Index, completed.Data); err != nil {
					s.log.WithError(err).Error("write piece failed")
				}
			}
		case peerwire.Have, peerwire.Bitfield:
			// Conn.Read already folds Have/Bitfield updates into its
			// own bitfield; refresh our local copy from it.
			bf = peerBitfield(c, numPieces)
		case peerwire.Choke, peerwire.Unchoke:
			// handled inside Conn.Read / the Choked() check above
		}
	}
}

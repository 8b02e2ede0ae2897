package peerwire

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// DialTimeout bounds the initial TCP connect.
const DialTimeout = 5 * time.Second

// HandshakeTimeout bounds completion of the handshake and the
// subsequent bitfield/extension exchange.
const HandshakeTimeout = 10 * time.Second

// Conn is an established, handshaken connection to a remote peer: the
// raw socket plus the negotiated extension ids and observed bitfield.
// Unlike the teacher's peer, which is read from a single cooperative
// loop, each Conn here is driven by its own goroutine (see
// internal/session), so all mutable fields are guarded by mu.
type Conn struct {
	Addr   ids.PeerAddress
	PeerID [20]byte
	conn   net.Conn

	mu           sync.Mutex
	bitfield     Bitfield
	amChoked     bool // true while the remote peer has us choked
	amInterested bool
	extensions   map[string]uint8
	metadataSize int
}

// Dial opens a TCP connection to addr, performs the handshake, and
// reads the peer's bitfield (or extended handshake first, if the peer
// sends one before its bitfield).
func Dial(ctx context.Context, addr ids.PeerAddress, infoHash ids.InfoHash, localID [20]byte, numPieces int) (*Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errs.WrapPeer(errs.KindTransport, "peerwire.dial", addr.String(), err)
	}

	c := &Conn{
		Addr:     addr,
		conn:     raw,
		amChoked: true,
		bitfield: NewBitfield(numPieces),
	}

	raw.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer raw.SetDeadline(time.Time{})

	if _, err := raw.Write(Encode(infoHash, localID)); err != nil {
		raw.Close()
		return nil, errs.WrapPeer(errs.KindTransport, "peerwire.dial.write_handshake", addr.String(), err)
	}
	hs, err := Read(raw, infoHash)
	if err != nil {
		raw.Close()
		return nil, err
	}
	c.PeerID = hs.PeerID

	if hs.SupportsExt {
		if err := c.readExtensionHandshake(); err != nil {
			raw.Close()
			return nil, err
		}
	}
	if err := c.readBitfield(); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) readExtensionHandshake() error {
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return errs.WrapPeer(errs.KindTransport, "peerwire.read_extension_handshake", c.Addr.String(), err)
	}
	if msg.ID != Extended || len(msg.Payload) == 0 || msg.Payload[0] != 0 {
		// Not every peer sends its extended handshake before the
		// bitfield; callers that need it tolerate its absence here.
		return nil
	}
	eh, err := DecodeExtensionHandshake(msg.Payload[1:])
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.extensions = eh.Extensions
	c.metadataSize = eh.MetadataSize
	c.mu.Unlock()
	return nil
}

func (c *Conn) readBitfield() error {
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return errs.WrapPeer(errs.KindTransport, "peerwire.read_bitfield", c.Addr.String(), err)
	}
	if msg.ID != Bitfield {
		// A peer with nothing yet may skip the bitfield message
		// entirely and go straight to other traffic; treat anything
		// other than a true bitfield as "no pieces yet" rather than a
		// protocol error, matching common client behavior.
		return nil
	}
	c.mu.Lock()
	c.bitfield = Bitfield(msg.Payload)
	c.mu.Unlock()
	return nil
}

// SetNumPieces grows the locally tracked bitfield to hold numPieces
// bits once the torrent's true piece count becomes known (e.g. a peer
// dialed with numPieces=0 before metadata was fetched). Already-set
// bits are preserved and the bitfield is never shrunk, so calling this
// more than once (or with a smaller count) is a safe no-op.
func (c *Conn) SetNumPieces(numPieces int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := (numPieces + 7) / 8
	if len(c.bitfield) >= want {
		return
	}
	grown := make(Bitfield, want)
	copy(grown, c.bitfield)
	c.bitfield = grown
}

// Has reports whether the peer has announced piece index.
func (c *Conn) Has(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.Has(index)
}

// Availability returns how many pieces the peer has announced.
func (c *Conn) Availability() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.Count()
}

// MetadataExtID returns the peer's advertised id for ut_metadata and
// whether it supports the extension at all.
func (c *Conn) MetadataExtID() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.extensions[UTMetadataName]
	return id, ok
}

// MetadataSize returns the metadata size the peer advertised, or 0 if
// unknown.
func (c *Conn) MetadataSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadataSize
}

// Choked reports whether the remote peer currently has us choked.
func (c *Conn) Choked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoked
}

// Send writes a pre-encoded wire message, applying a write deadline so
// a stalled peer can't block the caller indefinitely.
func (c *Conn) Send(data []byte, deadline time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(deadline))
	defer c.conn.SetWriteDeadline(time.Time{})
	if _, err := c.conn.Write(data); err != nil {
		return errs.WrapPeer(errs.KindTransport, "peerwire.send", c.Addr.String(), err)
	}
	return nil
}

// StartInterested unchokes the remote peer (so it knows we're
// receptive) and declares interest.
func (c *Conn) StartInterested(deadline time.Duration) error {
	if err := c.Send(UnchokeMsg(), deadline); err != nil {
		return err
	}
	if err := c.Send(InterestedMsg(), deadline); err != nil {
		return err
	}
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return nil
}

// Read blocks for the next application-relevant message, applying
// readDeadline, and updates internal choke/bitfield state for
// choke/unchoke/have/bitfield messages before returning control-plane messages
// to the caller. Data-bearing messages (piece, extended) are returned
// as-is for the caller (scheduler/metadata fetcher) to interpret.
func (c *Conn) Read(readDeadline time.Duration) (*Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	defer c.conn.SetReadDeadline(time.Time{})
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return nil, errs.WrapPeer(errs.KindTransport, "peerwire.read", c.Addr.String(), err)
	}
	switch msg.ID {
	case Choke:
		c.mu.Lock()
		c.amChoked = true
		c.mu.Unlock()
	case Unchoke:
		c.mu.Lock()
		c.amChoked = false
		c.mu.Unlock()
	case Have:
		if len(msg.Payload) == 4 {
			piece := int(binary.BigEndian.Uint32(msg.Payload))
			c.mu.Lock()
			c.bitfield.Set(piece)
			c.mu.Unlock()
		}
	case Bitfield:
		c.mu.Lock()
		c.bitfield = Bitfield(append([]byte(nil), msg.Payload...))
		c.mu.Unlock()
	}
	return msg, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

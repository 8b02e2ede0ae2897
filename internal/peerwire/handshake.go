package peerwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// protocolName is the fixed BitTorrent protocol identifier string.
const protocolName = "BitTorrent protocol"

// HandshakeSize is the length of a wire handshake record.
const HandshakeSize = 1 + len(protocolName) + 8 + 20 + 20

// Reserved extension bits, within the handshake's 8 reserved bytes.
const (
	reservedDHTByte      = 7
	reservedDHTBit       = 0x01
	reservedExtendedByte = 5
	reservedExtendedBit  = 0x10
)

// Handshake is the decoded form of a 68-byte handshake record.
type Handshake struct {
	InfoHash    ids.InfoHash
	PeerID      [20]byte
	SupportsDHT bool
	SupportsExt bool
}

// Encode serializes a handshake, always advertising extension protocol
// support and DHT support per the node's listening port.
func Encode(infoHash ids.InfoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(protocolName))
	copy(buf[1:], protocolName)

	reserved := buf[1+len(protocolName) : 1+len(protocolName)+8]
	reserved[reservedExtendedByte] = reservedExtendedBit
	reserved[reservedDHTByte] = reservedDHTBit

	copy(buf[1+len(protocolName)+8:], infoHash[:])
	copy(buf[1+len(protocolName)+8+20:], peerID[:])
	return buf
}

// Read reads a handshake from r and validates it against the expected
// info hash, returning a protocol error on any mismatch.
func Read(r io.Reader, expectedInfoHash ids.InfoHash) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Transport("peerwire.handshake.read", err)
	}

	protoLen := int(buf[0])
	if protoLen != len(protocolName) {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("peerwire.handshake: unexpected protocol length %d", protoLen))
	}
	if !bytes.Equal(buf[1:1+protoLen], []byte(protocolName)) {
		return nil, errs.New(errs.KindProtocol, "peerwire.handshake: unexpected protocol string")
	}

	reserved := buf[1+protoLen : 1+protoLen+8]
	var gotHash ids.InfoHash
	copy(gotHash[:], buf[1+protoLen+8:1+protoLen+8+20])
	if gotHash != expectedInfoHash {
		return nil, errs.New(errs.KindProtocol, "peerwire.handshake: info_hash mismatch")
	}

	var peerID [20]byte
	copy(peerID[:], buf[1+protoLen+8+20:])

	return &Handshake{
		InfoHash:    gotHash,
		PeerID:      peerID,
		SupportsDHT: reserved[reservedDHTByte]&reservedDHTBit != 0,
		SupportsExt: reserved[reservedExtendedByte]&reservedExtendedBit != 0,
	}, nil
}

// NewPeerID generates a session peer_id: an 8-byte client prefix (here
// "-MD0001-" for magnetdl 0.0.1, Azureus-style) followed by 12 random
// bytes.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], "-MD0001-")
	suffix, err := ids.Random()
	if err != nil {
		return id, errs.Fatal("peerwire.new_peer_id", err)
	}
	copy(id[8:], suffix[:12])
	return id, nil
}

// Package peerwire implements the BitTorrent peer wire protocol: the
// handshake, length-prefixed message framing, and the BEP-10 extension
// sub-protocol used to negotiate ut_metadata support.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message's payload; frames larger than
// this are rejected as a protocol violation rather than allocated.
const MaxFrameSize = 256 * 1024

// ID identifies a peer wire message type.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Extended ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single post-handshake peer wire message.
type Message struct {
	ID      ID
	Payload []byte
}

// Encode serializes msg to its wire form: a 4-byte big-endian length
// (covering the id byte plus payload) followed by the id and payload.
func (msg *Message) Encode() []byte {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// ReadMessage reads and decodes the next message from r, transparently
// skipping keep-alives (zero-length frames).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue // keep-alive
		}
		if n > MaxFrameSize {
			return nil, fmt.Errorf("peerwire: frame of %d bytes exceeds %d byte cap", n, MaxFrameSize)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
	}
}

func simple(id ID) []byte {
	return (&Message{ID: id}).Encode()
}

// ChokeMsg, UnchokeMsg, InterestedMsg, NotInterestedMsg encode their
// respective zero-payload messages.
func ChokeMsg() []byte         { return simple(Choke) }
func UnchokeMsg() []byte       { return simple(Unchoke) }
func InterestedMsg() []byte    { return simple(Interested) }
func NotInterestedMsg() []byte { return simple(NotInterested) }

// HaveMsg encodes a have(piece) announcement.
func HaveMsg(piece int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(piece))
	return (&Message{ID: Have, Payload: payload}).Encode()
}

// RequestMsg encodes a block request.
func RequestMsg(piece, offset, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(piece))
	binary.BigEndian.PutUint32(payload[4:], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return (&Message{ID: Request, Payload: payload}).Encode()
}

// CancelMsg encodes a cancellation of a previously requested block.
func CancelMsg(piece, offset, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(piece))
	binary.BigEndian.PutUint32(payload[4:], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return (&Message{ID: Cancel, Payload: payload}).Encode()
}

// PieceMsg encodes a block of piece data sent in response to a request.
func PieceMsg(piece, offset int, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload, uint32(piece))
	binary.BigEndian.PutUint32(payload[4:], uint32(offset))
	copy(payload[8:], data)
	return (&Message{ID: Piece, Payload: payload}).Encode()
}

// BitfieldMsg encodes our have-bitmap.
func BitfieldMsg(bits Bitfield) []byte {
	return (&Message{ID: Bitfield, Payload: []byte(bits)}).Encode()
}

// Block is a decoded piece message: which (piece, offset) it answers
// and the bytes received.
type Block struct {
	Piece  int
	Offset int
	Data   []byte
}

// ParsePiece decodes a piece message's payload.
func ParsePiece(payload []byte) (*Block, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("peerwire: piece message too short: %d bytes", len(payload))
	}
	return &Block{
		Piece:  int(binary.BigEndian.Uint32(payload[:4])),
		Offset: int(binary.BigEndian.Uint32(payload[4:8])),
		Data:   payload[8:],
	}, nil
}

// RequestSpec describes a request/cancel message's payload.
type RequestSpec struct {
	Piece  int
	Offset int
	Length int
}

// ParseRequest decodes a request or cancel message's payload.
func ParseRequest(payload []byte) (*RequestSpec, error) {
	if len(payload) != 12 {
		return nil, fmt.Errorf("peerwire: request message must be 12 bytes, got %d", len(payload))
	}
	return &RequestSpec{
		Piece:  int(binary.BigEndian.Uint32(payload[:4])),
		Offset: int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

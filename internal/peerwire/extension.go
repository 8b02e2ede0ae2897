package peerwire

import (
	"bytes"

	"github.com/brennawood/magnetdl/internal/bencode"
	"github.com/brennawood/magnetdl/internal/errs"
)

// UTMetadataName is the extension name used to negotiate BEP-9 metadata
// exchange inside the BEP-10 extended handshake's "m" dictionary.
const UTMetadataName = "ut_metadata"

// localUTMetadataID is the id we advertise for ut_metadata in our own
// extended handshake; peers echo requests using this id.
const localUTMetadataID = 1

// ExtensionHandshake is the decoded extended-id-0 handshake payload.
type ExtensionHandshake struct {
	// Extensions maps extension name to the *peer's* local id for it, so
	// a later "m" lookup tells us what id to put in outgoing messages.
	Extensions   map[string]uint8
	MetadataSize int
}

// EncodeExtensionHandshake builds our extended handshake, advertising
// ut_metadata and, if known, the metadata size (so peers that already
// have the metadata can skip straight to serving us pieces).
func EncodeExtensionHandshake(metadataSize int) []byte {
	m := bencode.Dict(map[string]bencode.Value{
		UTMetadataName: bencode.Int(localUTMetadataID),
	})
	dict := map[string]bencode.Value{"m": m}
	if metadataSize > 0 {
		dict["metadata_size"] = bencode.Int(int64(metadataSize))
	}
	payload := bencode.Encode(bencode.Dict(dict))

	buf := make([]byte, 1+len(payload))
	buf[0] = 0 // extended handshake id
	copy(buf[1:], payload)
	return (&Message{ID: Extended, Payload: buf}).Encode()
}

// DecodeExtensionHandshake parses the payload of an extended-id-0 message.
func DecodeExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	val, err := bencode.Decode(payload)
	if err != nil {
		return nil, errs.Protocol("peerwire.extension_handshake.decode", err)
	}
	if val.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindProtocol, "peerwire.extension_handshake: not a dict")
	}
	mVal, ok := val.Get("m")
	if !ok || mVal.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindProtocol, "peerwire.extension_handshake: missing \"m\"")
	}
	ext := make(map[string]uint8, len(mVal.Dict))
	for name, idVal := range mVal.Dict {
		id, ok := idVal.AsInt()
		if !ok {
			continue
		}
		ext[name] = uint8(id)
	}
	size := 0
	if sizeVal, ok := val.Get("metadata_size"); ok {
		if n, ok := sizeVal.AsInt(); ok {
			size = int(n)
		}
	}
	return &ExtensionHandshake{Extensions: ext, MetadataSize: size}, nil
}

// Metadata message types (BEP 9).
const (
	MetaRequest uint8 = iota
	MetaData
	MetaReject
)

// MetadataMessage is a decoded ut_metadata message.
type MetadataMessage struct {
	Type      uint8
	Piece     int
	TotalSize int   // set on MetaData
	Data      []byte // the raw piece bytes that trail the dict, set on MetaData
}

// EncodeMetadataRequest builds a ut_metadata request for the given
// piece index, addressed to the peer's advertised extension id.
func EncodeMetadataRequest(peerExtID uint8, piece int) []byte {
	dict := bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.Int(int64(MetaRequest)),
		"piece":    bencode.Int(int64(piece)),
	})
	payload := bencode.Encode(dict)
	buf := make([]byte, 1+len(payload))
	buf[0] = peerExtID
	copy(buf[1:], payload)
	return (&Message{ID: Extended, Payload: buf}).Encode()
}

// DecodeMetadataMessage parses an extended message's payload (after the
// leading extension-id byte has already been stripped): a bencode dict
// optionally followed by raw piece bytes for data messages.
func DecodeMetadataMessage(payload []byte) (*MetadataMessage, error) {
	dec := bencode.NewDecoder(bytes.NewReader(payload))
	val, err := dec.Decode()
	if err != nil {
		return nil, errs.Protocol("peerwire.metadata.decode", err)
	}
	if val.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindProtocol, "peerwire.metadata: not a dict")
	}
	msgTypeVal, ok := val.Get("msg_type")
	msgType, okInt := msgTypeVal.AsInt()
	if !ok || !okInt {
		return nil, errs.New(errs.KindProtocol, "peerwire.metadata: missing msg_type")
	}
	pieceVal, ok := val.Get("piece")
	piece, okInt := pieceVal.AsInt()
	if !ok || !okInt {
		return nil, errs.New(errs.KindProtocol, "peerwire.metadata: missing piece")
	}

	m := &MetadataMessage{Type: uint8(msgType), Piece: int(piece)}
	if m.Type == MetaData {
		totalVal, ok := val.Get("total_size")
		total, okInt := totalVal.AsInt()
		if !ok || !okInt {
			return nil, errs.New(errs.KindProtocol, "peerwire.metadata: data message missing total_size")
		}
		m.TotalSize = int(total)
		m.Data = dec.Remainder()
	}
	return m, nil
}

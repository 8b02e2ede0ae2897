package peerwire

import (
	"bytes"
	"testing"
)

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	encoded := EncodeExtensionHandshake(65536)
	msg, err := ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.ID != Extended {
		t.Fatalf("ID = %v, want Extended", msg.ID)
	}
	if msg.Payload[0] != 0 {
		t.Fatalf("extended id = %d, want 0 (handshake)", msg.Payload[0])
	}

	eh, err := DecodeExtensionHandshake(msg.Payload[1:])
	if err != nil {
		t.Fatalf("DecodeExtensionHandshake: %v", err)
	}
	if eh.Extensions[UTMetadataName] != localUTMetadataID {
		t.Errorf("ut_metadata id = %d, want %d", eh.Extensions[UTMetadataName], localUTMetadataID)
	}
	if eh.MetadataSize != 65536 {
		t.Errorf("MetadataSize = %d, want 65536", eh.MetadataSize)
	}
}

func TestMetadataRequestDecode(t *testing.T) {
	encoded := EncodeMetadataRequest(3, 7)
	msg, err := ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Payload[0] != 3 {
		t.Fatalf("extension id = %d, want 3", msg.Payload[0])
	}
	m, err := DecodeMetadataMessage(msg.Payload[1:])
	if err != nil {
		t.Fatalf("DecodeMetadataMessage: %v", err)
	}
	if m.Type != MetaRequest || m.Piece != 7 {
		t.Errorf("decoded = %+v, unexpected", m)
	}
}

func TestMetadataDataMessageWithTrailingBytes(t *testing.T) {
	// Hand-construct a data message: dict header + trailing raw bytes,
	// the way a real peer would send piece data (BEP 9 §"data").
	header := []byte("d8:msg_typei1e5:piecei0e10:total_sizei16384ee")
	trailing := bytes.Repeat([]byte{0xAB}, 16384)
	payload := append(append([]byte(nil), header...), trailing...)

	m, err := DecodeMetadataMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMetadataMessage: %v", err)
	}
	if m.Type != MetaData || m.Piece != 0 || m.TotalSize != 16384 {
		t.Fatalf("decoded = %+v, unexpected", m)
	}
	if len(m.Data) != 16384 {
		t.Errorf("len(Data) = %d, want 16384", len(m.Data))
	}
}

package dht

import (
	"net"
	"testing"
)

func TestTokenMintAndValidate(t *testing.T) {
	ti := newTokenIssuer()
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}

	token := ti.mint(addr)
	if token == "" {
		t.Fatal("mint returned empty token")
	}
	if !ti.valid(addr, token) {
		t.Error("token should validate against the address it was minted for")
	}

	other := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6881}
	if ti.valid(other, token) {
		t.Error("token should not validate against a different IP")
	}
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	ti := newTokenIssuer()
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	token := ti.mint(addr)

	ti.previousSecret = ti.secret
	var newSecret [20]byte
	randFill(newSecret[:])
	ti.secret = newSecret

	if !ti.valid(addr, token) {
		t.Error("token minted under previous secret should still validate once")
	}
}

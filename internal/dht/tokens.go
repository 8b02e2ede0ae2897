package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"sync"
	"time"
)

// tokenRotation is how often the secret used to mint announce tokens is
// rotated. Tokens minted under the previous secret remain valid for one
// extra rotation, per BEP 5's "short lived" token guidance.
const tokenRotation = 5 * time.Minute

// tokenIssuer mints and validates announce_peer tokens without storing
// per-querier state: a token is an HMAC of the querier's IP under a
// rotating secret, so validation is a recomputation rather than a
// lookup.
type tokenIssuer struct {
	mu             sync.Mutex
	secret         [20]byte
	previousSecret [20]byte
	rotatedAt      time.Time
}

func newTokenIssuer() *tokenIssuer {
	ti := &tokenIssuer{rotatedAt: time.Now()}
	randFill(ti.secret[:])
	randFill(ti.previousSecret[:])
	return ti
}

func (ti *tokenIssuer) maybeRotate(now time.Time) {
	elapsed := now.Sub(ti.rotatedAt)
	if elapsed < tokenRotation {
		return
	}
	if elapsed >= 2*tokenRotation {
		// More than one rotation was missed: the old secret is stale too.
		randFill(ti.previousSecret[:])
	} else {
		ti.previousSecret = ti.secret
	}
	randFill(ti.secret[:])
	// Advance in whole rotation periods so a token never outlives two.
	ti.rotatedAt = ti.rotatedAt.Add(elapsed.Truncate(tokenRotation))
}

func (ti *tokenIssuer) mint(addr *net.UDPAddr) string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.maybeRotate(time.Now())
	return macFor(ti.secret, addr)
}

func (ti *tokenIssuer) valid(addr *net.UDPAddr, token string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.maybeRotate(time.Now())
	return token == macFor(ti.secret, addr) || token == macFor(ti.previousSecret, addr)
}

func macFor(secret [20]byte, addr *net.UDPAddr) string {
	mac := hmac.New(sha1.New, secret[:])
	mac.Write(addr.IP)
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

func randFill(b []byte) {
	rand.Read(b)
}

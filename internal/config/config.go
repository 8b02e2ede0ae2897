// Package config holds the plain, explicitly-constructed configuration
// struct that drives a magnetdl session. Nothing under internal/ reads
// environment variables or config files directly; cmd/magnetdl is the
// only place allowed to translate flags into a Config.
package config

import "time"

// Config bundles every tunable the session orchestrator and its
// collaborators need. Zero value is not usable; use Default() and
// override fields explicitly.
type Config struct {
	// BootstrapNodes are well-known DHT entry points used on first start.
	BootstrapNodes []string

	// DHTPortRange is the [Low, High] inclusive UDP port range the DHT
	// node tries to bind to.
	DHTPortLow  int
	DHTPortHigh int

	// PeerPortRange is the inclusive TCP port range advertised to trackers.
	PeerPortLow  int
	PeerPortHigh int

	// OutputDir is where downloaded files are written.
	OutputDir string

	// MaxPeerConnections bounds concurrent peer-wire connections per session.
	MaxPeerConnections int

	// PipelineWindow is the max number of in-flight block requests per peer.
	PipelineWindow int

	// BlockSize is the size of a single requested block, in bytes.
	BlockSize int

	// BlockDeadline is how long a requested block may stay outstanding
	// before it is considered lost and re-requested.
	BlockDeadline time.Duration

	// EndgameThreshold is the number of remaining unfinished pieces at
	// which the scheduler starts duplicating requests across peers.
	EndgameThreshold int

	// MetadataMaxInFlightPerPeer is a per-peer cap on concurrent
	// ut_metadata requests (BEP-9). Nothing reads it: internal/metadata
	// uses its own MaxInFlightPerPeer constant.
	MetadataMaxInFlightPerPeer int

	// MetadataPeerBlacklist is a duration for excluding a peer that
	// rejected or timed out a metadata request. Nothing reads it:
	// internal/metadata excludes such a peer for the rest of the fetch.
	MetadataPeerBlacklist time.Duration

	// DHTQueryTimeout bounds how long a KRPC query waits for a reply.
	DHTQueryTimeout time.Duration

	// DHTAlpha is the Kademlia concurrency parameter for iterative lookups.
	DHTAlpha int

	// DHTBucketRefresh is how often stale buckets are refreshed.
	DHTBucketRefresh time.Duration

	// HandshakeTimeout bounds the TCP connect to a peer and each write of
	// an interested or request message; the BitTorrent handshake and
	// bitfield exchange are bounded by peerwire.HandshakeTimeout instead.
	HandshakeTimeout time.Duration
}

// Default returns the configuration the teacher's historical constants
// (5s dial timeout, 6881-6889 port range, maxRequests=5) generalize into.
func Default() Config {
	return Config{
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
		DHTPortLow:                 6881,
		DHTPortHigh:                6889,
		PeerPortLow:                6881,
		PeerPortHigh:               6889,
		OutputDir:                  ".",
		MaxPeerConnections:         50,
		PipelineWindow:             5,
		BlockSize:                  1 << 14,
		BlockDeadline:              20 * time.Second,
		EndgameThreshold:           8,
		MetadataMaxInFlightPerPeer: 2,
		MetadataPeerBlacklist:      10 * time.Second,
		DHTQueryTimeout:            5 * time.Second,
		DHTAlpha:                   3,
		DHTBucketRefresh:           15 * time.Minute,
		HandshakeTimeout:           5 * time.Second,
	}
}

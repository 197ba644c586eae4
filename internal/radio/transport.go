package radio

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultServiceUUID is the service identifier every Mosaic device advertises under.
const DefaultServiceUUID = "12345678-1234-5678-1234-56789abc0001"

// DefaultPeerPrefix is the naming convention that separates Mosaic peers
// from unrelated radio traffic.
const DefaultPeerPrefix = "User-"

// Identity is an opaque token naming a device to its peers.
type Identity string

// String returns the identity as a plain string.
func (id Identity) String() string {
	return string(id)
}

// NewIdentity generates a process-lifetime identity of the form
// <prefix><n> with n in [0,10000). An empty prefix means DefaultPeerPrefix.
func NewIdentity(prefix string) Identity {
	if prefix == "" {
		prefix = DefaultPeerPrefix
	}
	return Identity(fmt.Sprintf("%s%d", prefix, rand.IntN(10000)))
}

// Peer is a single qualifying observation returned by a scan.
type Peer struct {
	ID     Identity  `json:"id"`
	RSSI   int       `json:"rssi"`
	SeenAt time.Time `json:"seenAt"`
}

// Transport is the radio contract consumed by the match coordinator.
type Transport interface {
	// Advertise begins broadcasting id. Calling it while already
	// advertising is a no-op success.
	Advertise(ctx context.Context, id Identity) error

	// ScanOnce scans until one qualifying peer is observed, stops the scan
	// and returns the peer. A second call supersedes an outstanding scan.
	ScanOnce(ctx context.Context) (Peer, error)

	// StopScan cancels any active scan. Safe to call with no scan active.
	StopScan()

	// StopAll stops scanning and advertising.
	StopAll() error
}

// PeerFilter decides whether an observed advertisement name is a peer.
//
// A name qualifies when it carries Prefix with at least one character after
// it and is not the local identity.
type PeerFilter struct {
	Prefix string
	Self   Identity
}

// NewPeerFilter returns a filter for self using the default prefix when
// prefix is empty.
func NewPeerFilter(self Identity, prefix string) PeerFilter {
	if prefix == "" {
		prefix = DefaultPeerPrefix
	}
	return PeerFilter{Prefix: prefix, Self: self}
}

// Accept reports whether name is a qualifying peer.
func (f PeerFilter) Accept(name string) bool {
	if len(name) <= len(f.Prefix) || !strings.HasPrefix(name, f.Prefix) {
		return false
	}
	return Identity(name) != f.Self
}

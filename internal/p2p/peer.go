package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerSource records how a connection came about.
type PeerSource string

const (
	SourceSeed     PeerSource = "seed"
	SourceMDNS     PeerSource = "mdns"
	SourceDHT      PeerSource = "dht"
	SourceMixing   PeerSource = "mixing"
	SourceInbound  PeerSource = "inbound"
	SourceOutbound PeerSource = "outbound"
)

// Peer is a connected peer. Mixer is set once the peer has advertised a
// mixing queue while connected.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      PeerSource
	Mixer       bool
	LastQueue   time.Time
}

package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// connGater filters connections at the transport. Banned peers are
// refused in both directions. Once the node holds MaxPeers connections,
// new inbound peers are refused unless they are configured mixing peers.
type connGater struct {
	banMgr *BanManager
	node   *Node
}

func (g *connGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *connGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept runs before the remote identity is known.
func (g *connGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *connGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.banMgr.IsBanned(p) {
		return false
	}
	if dir != network.DirInbound || g.node == nil {
		return true
	}
	return !g.node.full() || g.node.isStaticMixer(p)
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

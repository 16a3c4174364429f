package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

var (
	_ mixing.Transport  = (*Node)(nil)
	_ mixing.PeerSource = (*Node)(nil)
)

// Send delivers msg to a mixing peer. Queue advertisements are gossiped
// instead and ignore to.
func (n *Node) Send(ctx context.Context, to mixing.PeerID, msg mixing.Message) error {
	if n.host == nil {
		return fmt.Errorf("p2p node not started")
	}
	if q, ok := msg.(*mixing.QueueAnnounce); ok {
		return n.publishQueue(ctx, q)
	}
	id, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", to, err)
	}
	return n.sendDirect(ctx, id, msg)
}

// IsConnected reports whether there is a live connection to id.
func (n *Node) IsConnected(id mixing.PeerID) bool {
	if n.host == nil {
		return false
	}
	pid, err := peer.Decode(string(id))
	if err != nil {
		return false
	}
	return n.host.Network().Connectedness(pid) == network.Connected
}

// Connect dials a mixing peer.
func (n *Node) Connect(ctx context.Context, p mixing.PeerInfo) error {
	if n.host == nil {
		return fmt.Errorf("p2p node not started")
	}
	info, err := addrInfo(p)
	if err != nil {
		return err
	}
	if n.BanManager.IsBanned(info.ID) {
		return fmt.Errorf("peer %s is banned", shortID(info.ID))
	}
	ctx, cancel := context.WithTimeout(ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("connect %s: %w", shortID(info.ID), err)
	}
	n.addPeer(info.ID, SourceMixing)
	return nil
}

// Candidates lists configured mixing peers first, then peers seen
// advertising queues, most recent first. Banned peers are left out.
func (n *Node) Candidates() []mixing.PeerInfo {
	seen := make(map[mixing.PeerID]bool)
	var out []mixing.PeerInfo
	add := func(p mixing.PeerInfo) {
		if seen[p.ID] {
			return
		}
		if id, err := peer.Decode(string(p.ID)); err == nil && n.BanManager.IsBanned(id) {
			return
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, p := range n.static {
		add(p)
	}
	if n.mixers != nil {
		recs, err := n.mixers.LoadAll()
		if err != nil {
			n.log.Warn().Err(err).Msg("Load known mixers")
		}
		for _, r := range recs {
			add(mixing.PeerInfo{ID: mixing.PeerID(r.ID), Addrs: r.Addrs})
		}
	}
	return out
}

func addrInfo(p mixing.PeerInfo) (peer.AddrInfo, error) {
	id, err := peer.Decode(string(p.ID))
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("bad peer id %q: %w", p.ID, err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range p.Addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("bad address %q: %w", s, err)
		}
		info.Addrs = append(info.Addrs, ma)
	}
	return info, nil
}

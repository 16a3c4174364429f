// Package p2p carries mixing protocol messages between wallets and mixing
// peers over libp2p: direct streams for round traffic and GossipSub for
// queue advertisements.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/storage"
)

const (
	dhtRendezvousFallback = "klingnet-mix"
	dhtDiscoveryInterval  = 30 * time.Second
	peerConnectTimeout    = 5 * time.Second
	seedRetryInterval     = 10 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr  string
	Port        int
	Seeds       []string
	MixingPeers []string // full multiaddrs with /p2p/<id>
	MaxPeers    int
	NoDiscover  bool
	DB          storage.DB // ban and mixer persistence (nil = disabled)
	DHTServer   bool
	NetworkID   string
	DataDir     string // holds node.key
}

// MessageHandler receives decoded mixing messages.
type MessageHandler func(from mixing.PeerID, msg mixing.Message)

// Node is a libp2p host speaking the mixing protocol.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	topicQueue *pubsub.Topic
	subQueue   *pubsub.Subscription

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	static     []mixing.PeerInfo
	BanManager *BanManager
	mixers     *MixerStore  // nil if Config.DB is nil
	dht        *dht.IpfsDHT // nil if NoDiscover
	connNotify *connNotifier
}

// New creates a node. Malformed static mixing peers are logged and skipped.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    klog.P2P,
		peers:  make(map[peer.ID]*Peer),
	}
	for _, s := range cfg.MixingPeers {
		info, err := ParsePeerInfo(s)
		if err != nil {
			n.log.Warn().Str("addr", s).Err(err).Msg("Bad mixing peer address")
			continue
		}
		n.static = append(n.static, info)
	}
	if cfg.DB != nil {
		n.mixers = NewMixerStore(cfg.DB)
		n.BanManager = NewBanManager(NewBanStore(cfg.DB), n)
	} else {
		n.BanManager = NewBanManager(nil, n)
	}
	return n
}

// ParsePeerInfo parses a multiaddr ending in /p2p/<id>.
func ParsePeerInfo(s string) (mixing.PeerInfo, error) {
	info, err := peer.AddrInfoFromString(s)
	if err != nil {
		return mixing.PeerInfo{}, err
	}
	p := mixing.PeerInfo{ID: mixing.PeerID(info.ID.String())}
	for _, a := range info.Addrs {
		p.Addrs = append(p.Addrs, a.String())
	}
	return p, nil
}

func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "klingnet-mix/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// SetMessageHandler registers the receiver of inbound mixing messages.
func (n *Node) SetMessageHandler(fn MessageHandler) {
	n.handlerMu.Lock()
	n.handler = fn
	n.handlerMu.Unlock()
}

func (n *Node) dispatch(from peer.ID, msg mixing.Message) {
	n.handlerMu.RLock()
	fn := n.handler
	n.handlerMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Str("kind", string(msg.Kind())).Msg("Mixing handler panicked")
		}
	}()
	fn(mixing.PeerID(from.String()), msg)
}

// Start creates the libp2p host, joins the queue topic and starts
// discovery.
func (n *Node) Start() error {
	if n.config.DB != nil {
		n.BanManager.LoadBans()
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)),
		libp2p.ConnectionGater(&connGater{banMgr: n.BanManager, node: n}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(MaxMessageSize))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinQueueTopic(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}
	h.SetStreamHandler(MixProtocol, n.handleStream)

	go n.readLoop(n.subQueue, n.handleQueueMessage)

	if len(n.config.Seeds) > 0 {
		n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
		n.connectSeedsOnce()
		go n.connectSeedsLoop()
	}
	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.mixers != nil {
		go n.runPruneLoop()
	}

	n.log.Info().
		Str("id", h.ID().String()).
		Int("mixing_peers", len(n.static)).
		Msg("P2P node started")
	return nil
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	n.cancel()
	if n.subQueue != nil {
		n.subQueue.Cancel()
	}
	if n.topicQueue != nil {
		n.topicQueue.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the node's full multiaddrs.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// DisconnectPeer closes every connection to id.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) addPeer(id peer.ID, source PeerSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		if p.Source == "" {
			p.Source = source
		}
		return
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now(), Source: source}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// markMixer flags a connected peer as advertising queues.
func (n *Node) markMixer(id peer.ID, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Mixer = true
		p.LastQueue = at
	}
}

// full reports whether the MaxPeers limit is reached. Zero means no limit.
func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) isStaticMixer(id peer.ID) bool {
	want := mixing.PeerID(id.String())
	for _, p := range n.static {
		if p.ID == want {
			return true
		}
	}
	return false
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		n.log.Debug().Err(err).Msg("mDNS unavailable")
	}
}

func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.log.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.log.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, SourceSeed)
		n.log.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

// runDHTDiscovery keeps the node connected to the mixing network. It only
// finds peers; mixing peer candidates still come from Candidates.
func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.full() {
			return
		}
		cctx, ccancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(cctx, p); err == nil {
			n.addPeer(p.ID, SourceDHT)
		}
		ccancel()
	}
}

func (n *Node) runPruneLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.mixers.PruneStale(staleThreshold); err != nil {
				n.log.Warn().Err(err).Msg("Prune known mixers")
			}
		}
	}
}

// loadOrCreateIdentity keeps the peer ID stable across restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

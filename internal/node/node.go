// Package node wires the wallet, the mixing client, the P2P transport and
// the RPC server into one daemon that can be embedded in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-mix/config"
	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/p2p"
	"github.com/Klingon-tech/klingnet-mix/internal/rpc"
	"github.com/Klingon-tech/klingnet-mix/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-mix/internal/storage"
	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
)

// ErrMixingNeedsP2P is returned when mixing is enabled with P2P disabled.
var ErrMixingNeedsP2P = errors.New("mixing requires p2p")

var (
	_ mixing.Wallet = (*wallet.Wallet)(nil)
	_ rpc.Wallet    = (*wallet.Wallet)(nil)
	_ rpc.Mixer     = (*mixing.Client)(nil)
	_ Syncer        = (*wallet.Wallet)(nil)
)

// Node is a fully-initialized mixing daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db       storage.DB
	chain    *rpcclient.Client
	keystore *wallet.Keystore
	wallet   *wallet.Wallet
	mixer    *mixing.Client // nil when P2P is disabled
	watcher  *ChainWatcher

	// Networking
	p2pNode *p2p.Node

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a Node: logger, wallet, storage, P2P, the
// mixing client and RPC. It does NOT start background goroutines (chain
// watcher, mixing loop). Call Start() for that.
func New(cfg *config.Config, password []byte) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "klingmix.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("chain_node", cfg.Node.RPC).
		Bool("mixing", cfg.Mixing.Enabled).
		Msg("Starting Klingmix daemon")

	if cfg.Mixing.Enabled && !cfg.P2P.Enabled {
		return nil, ErrMixingNeedsP2P
	}

	// ── 2. Wallet seed ──────────────────────────────────────────────
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	seed, err := ks.Load(cfg.Wallet.Name, password)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return nil, fmt.Errorf("%w (start with --create-wallet)", err)
		}
		return nil, err
	}
	defer clear(seed)

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.WalletDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.WalletDir(), err)
	}
	logger.Info().Str("path", cfg.WalletDir()).Msg("Database opened")

	// ── 4. Wallet ───────────────────────────────────────────────────
	chainClient := rpcclient.New(cfg.Node.RPC)
	w, err := wallet.Open(seed, storage.NewPrefixDB(db, []byte("wallet/")), chainClient, wallet.Options{
		Name:        cfg.Wallet.Name,
		Keystore:    ks,
		BackupDir:   cfg.BackupsDir(),
		KeyPoolSize: cfg.Wallet.KeyPoolSize,
		FeeRate:     cfg.Mixing.FeeRate,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open wallet: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		chain:    chainClient,
		keystore: ks,
		wallet:   w,
		ctx:      ctx,
		cancel:   cancel,
	}

	// ── 5. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr:  cfg.P2P.ListenAddr,
			Port:        cfg.P2P.Port,
			Seeds:       cfg.P2P.Seeds,
			MixingPeers: cfg.Mixing.Peers,
			MaxPeers:    cfg.P2P.MaxPeers,
			NoDiscover:  cfg.P2P.NoDiscover,
			DB:          storage.NewPrefixDB(db, []byte("p2p/")),
			DHTServer:   cfg.P2P.DHTServer,
			NetworkID:   string(cfg.Network),
			DataDir:     cfg.P2PDir(),
		})
		if err := n.p2pNode.Start(); err != nil {
			n.Stop()
			return nil, fmt.Errorf("start p2p: %w", err)
		}
		if cfg.P2P.ClearBans {
			n.clearBans()
		}
		for _, addr := range n.p2pNode.Addrs() {
			logger.Info().Str("addr", addr).Msg("P2P listening")
		}

		// ── 6. Mixing client ────────────────────────────────────────
		n.mixer = mixing.NewClient(cfg.Mixing.ClientConfig(), w, n.p2pNode, n.p2pNode)
		n.p2pNode.SetMessageHandler(func(from mixing.PeerID, msg mixing.Message) {
			n.mixer.HandleMessage(n.ctx, from, msg)
		})
	} else {
		logger.Warn().Msg("P2P disabled by config; mixing unavailable")
	}

	n.watcher = NewChainWatcher(w, time.Duration(cfg.Node.PollInterval)*time.Second)
	if n.mixer != nil {
		n.watcher.OnTip(n.mixer.UpdatedBlockTip)
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		var mixer rpc.Mixer
		if n.mixer != nil {
			mixer = n.mixer
		}
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, mixer, w, n.p2pNode, cfg.RPC)
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			n.Stop()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

func (n *Node) clearBans() {
	bm := n.p2pNode.BanManager
	cleared := 0
	for _, rec := range bm.BanList() {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		bm.Unban(id)
		cleared++
	}
	n.logger.Info().Int("count", cleared).Msg("Cleared peer bans")
}

// Start launches background goroutines: chain watcher and mixing loop.
func (n *Node) Start() error {
	// First sync so the mixing client starts with a height.
	done := klog.Benchmark("initial sync")
	n.watcher.Poll()
	done()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watcher.Run(n.ctx)
	}()

	if n.mixer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.mixer.Run(n.ctx)
		}()
	}

	n.logger.Info().
		Uint64("height", n.wallet.Height()).
		Bool("mixing", n.mixer != nil && n.mixer.IsEnabled()).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.mixer != nil {
		// Abort any round so locked coins are released.
		n.mixer.SetEnabled(false)
		n.mixer.UnlockCoins()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Wallet returns the loaded wallet.
func (n *Node) Wallet() *wallet.Wallet {
	return n.wallet
}

// Mixer returns the mixing client, or nil when P2P is disabled.
func (n *Node) Mixer() *mixing.Client {
	return n.mixer
}

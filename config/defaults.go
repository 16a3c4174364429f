package config

import "github.com/Klingon-tech/klingnet-mix/internal/mixing"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30403,
			MaxPeers:   50,
			// Format: "/ip4/203.0.113.1/tcp/30403/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Node: NodeConfig{
			RPC:          "http://127.0.0.1:8545",
			PollInterval: 5,
		},
		Wallet: WalletConfig{
			Name:        "default",
			KeyPoolSize: 1000,
		},
		Mixing: MixingConfig{
			Enabled:           false,
			Rounds:            mixing.DefaultRounds,
			Amount:            mixing.DefaultAmount,
			Liquidity:         mixing.DefaultLiquidity,
			MultiSession:      mixing.DefaultMultiSession,
			AutoBackup:        mixing.DefaultAutoBackup,
			MinBlocksToWait:   mixing.DefaultMinBlocksToWait,
			MaxProtocolErrors: mixing.DefaultMaxProtocolErrors,
			FeeRate:           mixing.DefaultFeeRate,
			MinConf:           mixing.DefaultMinConfirmations,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30404
	cfg.RPC.Port = 8655
	cfg.Node.RPC = "http://127.0.0.1:8645"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

// ClientConfig converts the mixing section for mixing.NewClient.
func (m MixingConfig) ClientConfig() mixing.Config {
	return mixing.Config{
		Enabled:           m.Enabled,
		Rounds:            m.Rounds,
		Amount:            m.Amount,
		LiquidityProvider: m.Liquidity,
		MultiSession:      m.MultiSession,
		AutoBackup:        m.AutoBackup,
		MinBlocksToWait:   m.MinBlocksToWait,
		MaxProtocolErrors: m.MaxProtocolErrors,
		MinConfirmations:  m.MinConf,
		FeeRate:           m.FeeRate,
	}
}

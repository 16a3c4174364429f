// Package config handles application configuration.
//
// Settings are layered: built-in defaults, then the klingmix.conf file in
// the data directory, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Daemon Configuration
// =============================================================================

// Config holds klingmixd runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking (mixing peers and queue gossip)
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Chain node the wallet syncs from and broadcasts to
	Node NodeConfig

	// Wallet
	Wallet WalletConfig

	// Mixing client
	Mixing MixingConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// NodeConfig points at the klingnetd JSON-RPC endpoint.
type NodeConfig struct {
	RPC          string `conf:"node.rpc"`
	PollInterval int    `conf:"node.poll"` // Seconds between height polls.
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	Name        string `conf:"wallet.name"`
	KeyPoolSize uint32 `conf:"wallet.keypool"`
	Create      bool   // Create the wallet if missing (not persisted in config file).
}

// MixingConfig holds mixing client settings.
type MixingConfig struct {
	Enabled           bool     `conf:"mixing.enabled"`
	Rounds            int      `conf:"mixing.rounds"`
	Amount            uint64   `conf:"mixing.amount"` // Whole coins to keep mixed.
	Liquidity         int      `conf:"mixing.liquidity"`
	MultiSession      bool     `conf:"mixing.multisession"`
	AutoBackup        bool     `conf:"mixing.autobackup"`
	MinBlocksToWait   uint64   `conf:"mixing.minblockstowait"`
	MaxProtocolErrors int      `conf:"mixing.maxprotocolerrors"`
	FeeRate           uint64   `conf:"mixing.feerate"`
	MinConf           uint64   `conf:"mixing.minconf"`
	Peers             []string `conf:"mixing.peers"` // Mixing peer multiaddrs with /p2p/<id>.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingmix
//	macOS:   ~/Library/Application Support/Klingmix
//	Windows: %APPDATA%\Klingmix
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingmix"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingmix")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingmix")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingmix")
	default:
		return filepath.Join(home, ".klingmix")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// WalletDir returns the wallet database directory.
func (c *Config) WalletDir() string {
	return filepath.Join(c.NetworkDataDir(), "wallet")
}

// KeystoreDir returns the encrypted seed directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// BackupsDir returns where automatic wallet backups are written.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.NetworkDataDir(), "backups")
}

// P2PDir holds the node identity key.
func (c *Config) P2PDir() string {
	return filepath.Join(c.NetworkDataDir(), "p2p")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingmix.conf")
}

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxPeers = n
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Chain node
	case "node.rpc":
		cfg.Node.RPC = value
	case "node.poll":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Node.PollInterval = n

	// Wallet
	case "wallet.name", "wallet":
		cfg.Wallet.Name = value
	case "wallet.keypool":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Wallet.KeyPoolSize = uint32(n)

	// Mixing
	case "mixing.enabled", "mixing":
		cfg.Mixing.Enabled = parseBool(value)
	case "mixing.rounds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mixing.Rounds = n
	case "mixing.amount":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Mixing.Amount = n
	case "mixing.liquidity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mixing.Liquidity = n
	case "mixing.multisession":
		cfg.Mixing.MultiSession = parseBool(value)
	case "mixing.autobackup":
		cfg.Mixing.AutoBackup = parseBool(value)
	case "mixing.minblockstowait":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Mixing.MinBlocksToWait = n
	case "mixing.maxprotocolerrors":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mixing.MaxProtocolErrors = n
	case "mixing.feerate":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Mixing.FeeRate = n
	case "mixing.minconf":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Mixing.MinConf = n
	case "mixing.peers":
		cfg.Mixing.Peers = parseStringList(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	cfg := Default(network)
	content := `# Klingmix Daemon Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingmix)
# datadir = ~/.klingmix

# ============================================================================
# Chain Node
# ============================================================================

# klingnetd JSON-RPC endpoint used for sync and broadcast
node.rpc = ` + cfg.Node.RPC + `
# Seconds between height polls
node.poll = ` + strconv.Itoa(cfg.Node.PollInterval) + `

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(cfg.P2P.Port) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/30403/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(cfg.RPC.Port) + `
rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Wallet
# ============================================================================

wallet.name = default
wallet.keypool = 1000

# ============================================================================
# Mixing
# ============================================================================

mixing.enabled = false
# Rounds each denominated output is mixed (2-16)
mixing.rounds = ` + strconv.Itoa(cfg.Mixing.Rounds) + `
# Coins to keep mixed
mixing.amount = ` + strconv.FormatUint(cfg.Mixing.Amount, 10) + `
# Liquidity provider mode: 0 off, 1 mixes most often, 100 least often
mixing.liquidity = 0
mixing.multisession = false
mixing.autobackup = true
mixing.minblockstowait = ` + strconv.FormatUint(cfg.Mixing.MinBlocksToWait, 10) + `
mixing.maxprotocolerrors = ` + strconv.Itoa(cfg.Mixing.MaxProtocolErrors) + `
mixing.feerate = ` + strconv.FormatUint(cfg.Mixing.FeeRate, 10) + `
mixing.minconf = ` + strconv.FormatUint(cfg.Mixing.MinConf, 10) + `

# Mixing peers (comma-separated multiaddrs ending in /p2p/<id>)
# mixing.peers =

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

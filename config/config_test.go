package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

func TestDefaults_Valid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet} {
		cfg := Default(n)
		if err := Validate(cfg); err != nil {
			t.Fatalf("%s defaults invalid: %v", n, err)
		}
	}
	if DefaultTestnet().P2P.Port == DefaultMainnet().P2P.Port {
		t.Error("testnet and mainnet share a p2p port")
	}
}

func TestValidate_MixingRanges(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*MixingConfig)
	}{
		{"rounds low", func(m *MixingConfig) { m.Rounds = mixing.MinRounds - 1 }},
		{"rounds high", func(m *MixingConfig) { m.Rounds = mixing.MaxRounds + 1 }},
		{"amount low", func(m *MixingConfig) { m.Amount = 1 }},
		{"amount high", func(m *MixingConfig) { m.Amount = mixing.MaxAmount + 1 }},
		{"liquidity", func(m *MixingConfig) { m.Liquidity = 101 }},
		{"protocol errors", func(m *MixingConfig) { m.MaxProtocolErrors = -1 }},
		{"fee rate", func(m *MixingConfig) { m.FeeRate = 0 }},
		{"minconf", func(m *MixingConfig) { m.MinConf = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mut(&cfg.Mixing)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate_NodeRPC(t *testing.T) {
	for _, bad := range []string{"", "127.0.0.1:8545", "ftp://host", "http://"} {
		cfg := DefaultMainnet()
		cfg.Node.RPC = bad
		if err := Validate(cfg); err == nil {
			t.Errorf("node.rpc %q accepted", bad)
		}
	}
}

func TestApplyFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klingmix.conf")
	content := `# comment
network = testnet
node.rpc = "http://10.0.0.5:8645"
mixing.enabled = yes
mixing.rounds = 8
mixing.amount = 250
mixing.liquidity = 40
mixing.peers = /ip4/1.2.3.4/tcp/1/p2p/a, /ip4/5.6.7.8/tcp/1/p2p/b
wallet.keypool = 200
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Testnet || cfg.Node.RPC != "http://10.0.0.5:8645" {
		t.Errorf("core = %s %s", cfg.Network, cfg.Node.RPC)
	}
	m := cfg.Mixing
	if !m.Enabled || m.Rounds != 8 || m.Amount != 250 || m.Liquidity != 40 {
		t.Errorf("mixing = %+v", m)
	}
	if len(m.Peers) != 2 || m.Peers[1] != "/ip4/5.6.7.8/tcp/1/p2p/b" {
		t.Errorf("peers = %v", m.Peers)
	}
	if cfg.Wallet.KeyPoolSize != 200 {
		t.Errorf("keypool = %d", cfg.Wallet.KeyPoolSize)
	}

	cc := m.ClientConfig()
	if cc.LiquidityProvider != 40 || cc.Rounds != 8 || !cc.Enabled {
		t.Errorf("client config = %+v", cc)
	}
}

func TestApplyFileConfig_BadNumber(t *testing.T) {
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, map[string]string{"mixing.rounds": "many"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("no equals sign\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("got %v", err)
	}
	values, err := LoadFile(filepath.Join(t.TempDir(), "missing.conf"))
	if err != nil || len(values) != 0 {
		t.Fatalf("missing file: %v %v", values, err)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"--testnet", "--mix", "--mix-rounds=4", "--liquidity=0", "--p2p=false", "--mixing-peers=a,b"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg := DefaultMainnet()
	cfg.Mixing.Liquidity = 50
	ApplyFlags(cfg, f)

	if cfg.Network != Testnet {
		t.Errorf("network = %s", cfg.Network)
	}
	if !cfg.Mixing.Enabled || cfg.Mixing.Rounds != 4 {
		t.Errorf("mixing = %+v", cfg.Mixing)
	}
	if cfg.Mixing.Liquidity != 0 {
		t.Errorf("explicit --liquidity=0 not applied: %d", cfg.Mixing.Liquidity)
	}
	if cfg.P2P.Enabled {
		t.Error("--p2p=false not applied")
	}
	if len(cfg.Mixing.Peers) != 2 {
		t.Errorf("peers = %v", cfg.Mixing.Peers)
	}
	// Unset flags leave the config alone.
	if cfg.RPC.Port != DefaultMainnet().RPC.Port {
		t.Errorf("rpc port changed to %d", cfg.RPC.Port)
	}
}

func TestParseFlags_PositionalStopsParsing(t *testing.T) {
	if _, err := parseFlags([]string{"--wallet", "main", "extra", "--mix"}, io.Discard); err == nil {
		t.Fatal("expected error for flag after positional argument")
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	f, err := parseFlags([]string{"--datadir=" + dir, "--mix-amount=50"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mixing.Amount != 50 {
		t.Errorf("amount = %d", cfg.Mixing.Amount)
	}
	for _, p := range []string{cfg.ConfigFile(), cfg.WalletDir(), cfg.KeystoreDir(), cfg.BackupsDir()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	// The written default config loads back cleanly.
	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	again := DefaultMainnet()
	if err := ApplyFileConfig(again, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(again); err != nil {
		t.Fatalf("default config file invalid: %v", err)
	}
}

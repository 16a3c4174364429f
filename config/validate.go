package config

import (
	"fmt"
	"net/url"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if u, err := url.Parse(cfg.Node.RPC); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("node.rpc must be an http(s) URL")
	}
	if cfg.Node.PollInterval <= 0 {
		return fmt.Errorf("node.poll must be positive")
	}
	if cfg.Wallet.Name == "" {
		return fmt.Errorf("wallet.name is empty")
	}
	return validateMixing(&cfg.Mixing)
}

func validateMixing(m *MixingConfig) error {
	if m.Rounds < mixing.MinRounds || m.Rounds > mixing.MaxRounds {
		return fmt.Errorf("mixing.rounds must be in range [%d, %d]", mixing.MinRounds, mixing.MaxRounds)
	}
	if m.Amount < mixing.MinAmount || m.Amount > mixing.MaxAmount {
		return fmt.Errorf("mixing.amount must be in range [%d, %d]", mixing.MinAmount, uint64(mixing.MaxAmount))
	}
	if m.Liquidity < mixing.MinLiquidity || m.Liquidity > mixing.MaxLiquidity {
		return fmt.Errorf("mixing.liquidity must be in range [%d, %d]", mixing.MinLiquidity, mixing.MaxLiquidity)
	}
	if m.MaxProtocolErrors < 0 {
		return fmt.Errorf("mixing.maxprotocolerrors must not be negative")
	}
	if m.FeeRate == 0 {
		return fmt.Errorf("mixing.feerate must be positive")
	}
	if m.MinConf == 0 {
		return fmt.Errorf("mixing.minconf must be at least 1")
	}
	return nil
}

package node

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mix/config"
	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
)

// WalletExists reports whether the configured wallet has been created.
func WalletExists(cfg *config.Config) bool {
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return false
	}
	return ks.Exists(cfg.Wallet.Name)
}

// CreateWallet generates a mnemonic, stores its seed encrypted under
// password and returns the mnemonic for the operator to write down.
func CreateWallet(cfg *config.Config, password []byte) (string, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	if err := ImportWallet(cfg, mnemonic, password); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ImportWallet stores the seed of an existing mnemonic.
func ImportWallet(cfg *config.Config, mnemonic string, password []byte) error {
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return fmt.Errorf("seed from mnemonic: %w", err)
	}
	defer clear(seed)
	if err := ks.Create(cfg.Wallet.Name, seed, password, wallet.DefaultParams()); err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

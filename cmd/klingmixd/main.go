// Klingmix mixing daemon.
//
// Usage:
//
//	klingmixd --create-wallet          Create a wallet, then run
//	klingmixd [--mix --mix-rounds=4]   Run daemon
//	klingmixd --help                   Show help
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-mix/config"
	"github.com/Klingon-tech/klingnet-mix/internal/node"
)

// passwordEnv lets service managers unlock the wallet without a TTY.
const passwordEnv = "KLINGMIX_PASSWORD"

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fatal("%v", err)
	}

	password, err := walletPassword(cfg, flags.CreateWallet)
	if err != nil {
		fatal("%v", err)
	}

	n, err := node.New(cfg, password)
	clear(password)
	if err != nil {
		fatal("%v", err)
	}

	if err := n.Start(); err != nil {
		n.Stop()
		fatal("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

// walletPassword returns the password unlocking the configured wallet,
// creating the wallet first when requested and missing.
func walletPassword(cfg *config.Config, create bool) ([]byte, error) {
	if create && !node.WalletExists(cfg) {
		password, err := newPassword()
		if err != nil {
			return nil, err
		}
		mnemonic, err := node.CreateWallet(cfg, password)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "\nWallet %q created. Write down this recovery phrase:\n\n  %s\n\n", cfg.Wallet.Name, mnemonic)
		return password, nil
	}

	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	return readPassword(fmt.Sprintf("Password for wallet %q: ", cfg.Wallet.Name))
}

func newPassword() ([]byte, error) {
	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	password, err := readPassword("New wallet password: ")
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	defer clear(confirm)
	if !bytes.Equal(password, confirm) {
		clear(password)
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

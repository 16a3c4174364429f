package wallet

import (
	"errors"

	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// Wallet errors.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNoUTXOs            = errors.New("no UTXOs available")
	ErrOutpointLocked     = errors.New("outpoint already locked")
	ErrUnknownOutpoint    = errors.New("outpoint not owned by wallet")
	ErrUnknownReservation = errors.New("unknown key reservation")
	ErrKeyPoolExhausted   = errors.New("key pool exhausted")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrWalletNotFound     = errors.New("wallet not found")
)

// UTXO is an unspent output owned by the wallet.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`          // 0 while unconfirmed
	Added    int64          `json:"added,omitempty"` // unix time an unconfirmed output was first seen

	// Filled in when listing, not persisted with the output.
	Confirmations uint64 `json:"-"`
	Rounds        int    `json:"-"`
}

// Reservation is a key handed out by the key pool. It must be resolved
// exactly once, by KeepScript or ReturnScript.
type Reservation struct {
	Index  uint32
	Script types.Script
}

// Balance summarises the wallet's outputs.
type Balance struct {
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed uint64 `json:"unconfirmed"`
	Locked      uint64 `json:"locked"`
}

package mixing

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// PeerID identifies a mixing-service peer on the transport.
type PeerID string

// PeerInfo is a candidate mixing peer as handed to the client. The client
// never ranks candidates; it takes them in the order given.
type PeerInfo struct {
	ID    PeerID   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

// KeySource hands out output scripts from the wallet key pool.
type KeySource interface {
	ReserveScript() (wallet.Reservation, error)
	KeepScript(r wallet.Reservation) error
	ReturnScript(r wallet.Reservation) error
}

// Wallet is the wallet collaborator of the mixing client.
type Wallet interface {
	KeySource

	// SpendableOutputs lists unspent, unlocked outputs with at least
	// minConf confirmations.
	SpendableOutputs(minConf uint64) ([]wallet.UTXO, error)

	// LockOutpoints excludes the outpoints from every selection until
	// unlocked. It fails without locking anything if one is already locked.
	LockOutpoints(ops []types.Outpoint) error
	UnlockOutpoints(ops []types.Outpoint)

	// SignInputs signs the inputs at the given indices in place.
	SignInputs(t *tx.Transaction, indices []int) error
	// Broadcast submits a fully signed transaction to the network.
	Broadcast(t *tx.Transaction) error

	// SetRounds records how many mixing rounds an output has been through.
	SetRounds(op types.Outpoint, rounds int) error

	KeysLeftSinceBackup() int
	Backup() (string, error)
}

// Transport is the peer transport collaborator. Send is fire-and-forget
// from the client's point of view: progress after a send is driven by the
// next inbound message or by the timeout check.
type Transport interface {
	Send(ctx context.Context, to PeerID, msg Message) error
	IsConnected(id PeerID) bool
	Connect(ctx context.Context, p PeerInfo) error
}

// PeerSource supplies candidate mixing peers.
type PeerSource interface {
	Candidates() []PeerInfo
}

// Clock returns the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

package mixing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

var testLog = zerolog.Nop()

func testScript(i uint32) types.Script {
	return types.P2PKHScript(types.Address{0xAA, byte(i >> 8), byte(i)})
}

func testOutpoint(n byte) types.Outpoint {
	return types.Outpoint{TxID: types.Hash{n, 0x55}, Index: uint32(n)}
}

// fakeWallet is an in-memory Wallet.
type fakeWallet struct {
	mu sync.Mutex

	utxos        []wallet.UTXO
	locked       map[types.Outpoint]bool
	unlockCalls  int
	nextKey      uint32
	reserved     map[uint32]bool
	kept         int
	returned     int
	keysLeft     int
	backups      int
	backupErr    error
	onBackup     func()
	signErr      error
	broadcastErr error
	broadcast    []*tx.Transaction
	rounds       map[types.Outpoint]int
}

func newFakeWallet(utxos ...wallet.UTXO) *fakeWallet {
	return &fakeWallet{
		utxos:    utxos,
		locked:   make(map[types.Outpoint]bool),
		reserved: make(map[uint32]bool),
		keysLeft: 1000,
		rounds:   make(map[types.Outpoint]int),
		nextKey:  1000,
	}
}

func (w *fakeWallet) ReserveScript() (wallet.Reservation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.nextKey
	w.nextKey++
	w.reserved[idx] = true
	return wallet.Reservation{Index: idx, Script: testScript(idx)}, nil
}

func (w *fakeWallet) KeepScript(r wallet.Reservation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.reserved[r.Index] {
		return wallet.ErrUnknownReservation
	}
	delete(w.reserved, r.Index)
	w.kept++
	return nil
}

func (w *fakeWallet) ReturnScript(r wallet.Reservation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.reserved[r.Index] {
		return wallet.ErrUnknownReservation
	}
	delete(w.reserved, r.Index)
	w.returned++
	return nil
}

func (w *fakeWallet) outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reserved)
}

func (w *fakeWallet) SpendableOutputs(minConf uint64) ([]wallet.UTXO, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []wallet.UTXO
	for _, u := range w.utxos {
		if w.locked[u.Outpoint] || u.Confirmations < minConf {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (w *fakeWallet) LockOutpoints(ops []types.Outpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		if w.locked[op] {
			return fmt.Errorf("%w: %s", wallet.ErrOutpointLocked, op)
		}
	}
	for _, op := range ops {
		w.locked[op] = true
	}
	return nil
}

func (w *fakeWallet) UnlockOutpoints(ops []types.Outpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unlockCalls++
	for _, op := range ops {
		delete(w.locked, op)
	}
}

func (w *fakeWallet) lockedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locked)
}

func (w *fakeWallet) SignInputs(t *tx.Transaction, indices []int) error {
	if w.signErr != nil {
		return w.signErr
	}
	for _, i := range indices {
		if i < 0 || i >= len(t.Inputs) {
			return fmt.Errorf("input index %d out of range", i)
		}
		t.Inputs[i].Signature = []byte{0x01, byte(i)}
		t.Inputs[i].PubKey = []byte{0x02}
	}
	return nil
}

func (w *fakeWallet) Broadcast(t *tx.Transaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broadcastErr != nil {
		return w.broadcastErr
	}
	w.broadcast = append(w.broadcast, t)
	spent := make(map[types.Outpoint]bool)
	for _, in := range t.Inputs {
		spent[in.PrevOut] = true
	}
	kept := w.utxos[:0]
	for _, u := range w.utxos {
		if !spent[u.Outpoint] {
			kept = append(kept, u)
		}
	}
	w.utxos = kept
	return nil
}

func (w *fakeWallet) SetRounds(op types.Outpoint, rounds int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rounds[op] = rounds
	return nil
}

func (w *fakeWallet) KeysLeftSinceBackup() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keysLeft
}

func (w *fakeWallet) Backup() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onBackup != nil {
		w.onBackup()
	}
	if w.backupErr != nil {
		return "", w.backupErr
	}
	w.backups++
	return "/tmp/backup.json", nil
}

// fakeTransport records sent messages. Peers become connected on Connect
// unless refuseConnect is set.
type fakeTransport struct {
	mu            sync.Mutex
	sent          []outbound
	connected     map[PeerID]bool
	connects      []PeerID
	refuseConnect bool
	sendErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[PeerID]bool)}
}

func (f *fakeTransport) Send(_ context.Context, to PeerID, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, outbound{to: to, msg: msg})
	return nil
}

func (f *fakeTransport) IsConnected(id PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeTransport) Connect(_ context.Context, p PeerInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p.ID)
	if f.refuseConnect {
		return errors.New("connection refused")
	}
	f.connected[p.ID] = true
	return nil
}

// sentOf returns the messages of kind sent so far.
func (f *fakeTransport) sentOf(kind MessageKind) []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbound
	for _, o := range f.sent {
		if o.msg.Kind() == kind {
			out = append(out, o)
		}
	}
	return out
}

type fakePeers []PeerInfo

func (p fakePeers) Candidates() []PeerInfo { return p }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeKeySource counts reservations for KeyReservationPool tests.
type fakeKeySource struct {
	next     uint32
	reserved map[uint32]bool
	kept     int
	returned int
}

func (f *fakeKeySource) ReserveScript() (wallet.Reservation, error) {
	if f.reserved == nil {
		f.reserved = make(map[uint32]bool)
	}
	f.next++
	f.reserved[f.next] = true
	return wallet.Reservation{Index: f.next, Script: testScript(f.next)}, nil
}

func (f *fakeKeySource) KeepScript(r wallet.Reservation) error {
	if !f.reserved[r.Index] {
		return wallet.ErrUnknownReservation
	}
	delete(f.reserved, r.Index)
	f.kept++
	return nil
}

func (f *fakeKeySource) ReturnScript(r wallet.Reservation) error {
	if !f.reserved[r.Index] {
		return wallet.ErrUnknownReservation
	}
	delete(f.reserved, r.Index)
	f.returned++
	return nil
}

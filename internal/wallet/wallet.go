package wallet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
	"github.com/Klingon-tech/klingnet-mix/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-mix/internal/storage"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// DefaultUnconfirmedExpiry is how long an unconfirmed output or spent
// marker survives without the chain confirming it.
const DefaultUnconfirmedExpiry = time.Hour

// Chain is the chain node the wallet syncs from and broadcasts to.
type Chain interface {
	Height() (uint64, error)
	UTXOsByAddress(addr types.Address) ([]rpcclient.UTXO, error)
	SubmitTx(t *tx.Transaction) (types.Hash, error)
}

// Options configure Open.
type Options struct {
	Name              string
	Keystore          *Keystore
	BackupDir         string
	KeyPoolSize       uint32
	FeeRate           uint64
	UnconfirmedExpiry time.Duration
}

// Wallet is an HD wallet tracking its outputs through a chain node.
type Wallet struct {
	opts     Options
	chain    Chain
	store    *Store
	pool     *KeyPool
	chainKey *HDKey
	now      func() time.Time
	log      zerolog.Logger

	mu     sync.Mutex
	keys   map[uint32]*HDKey
	addrs  map[types.Address]uint32
	locked map[types.Outpoint]struct{}
	height uint64
}

// Open builds the wallet for seed on db. Keys issued in earlier runs are
// re-derived so their outputs are recognised.
func Open(seed []byte, db storage.DB, chain Chain, opts Options) (*Wallet, error) {
	if opts.UnconfirmedExpiry <= 0 {
		opts.UnconfirmedExpiry = DefaultUnconfirmedExpiry
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	ck, err := master.chainKey()
	if err != nil {
		return nil, err
	}
	pool, err := OpenKeyPool(storage.NewPrefixDB(db, []byte("k/")), opts.KeyPoolSize)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		opts:     opts,
		chain:    chain,
		store:    NewStore(storage.NewPrefixDB(db, []byte("o/"))),
		pool:     pool,
		chainKey: ck,
		now:      time.Now,
		log:      klog.Wallet,
		keys:     make(map[uint32]*HDKey),
		addrs:    make(map[types.Address]uint32),
		locked:   make(map[types.Outpoint]struct{}),
	}
	for i := uint32(0); i < pool.Issued(); i++ {
		if _, err := w.derive(i); err != nil {
			return nil, err
		}
	}
	w.log.Info().Uint32("keys", pool.Issued()).Msg("Wallet opened")
	return w, nil
}

// derive returns the pool key at idx. Caller holds mu or owns w.
func (w *Wallet) derive(idx uint32) (*HDKey, error) {
	if k, ok := w.keys[idx]; ok {
		return k, nil
	}
	k, err := w.chainKey.DerivePath(idx)
	if err != nil {
		return nil, err
	}
	w.keys[idx] = k
	w.addrs[k.Address()] = idx
	return k, nil
}

// ReserveScript takes a key out of the pool and returns its P2PKH script.
func (w *Wallet) ReserveScript() (Reservation, error) {
	idx, err := w.pool.Reserve()
	if err != nil {
		return Reservation{}, err
	}
	w.mu.Lock()
	k, err := w.derive(idx)
	w.mu.Unlock()
	if err != nil {
		w.pool.Return(idx)
		return Reservation{}, err
	}
	return Reservation{Index: idx, Script: types.P2PKHScript(k.Address())}, nil
}

// KeepScript marks the reserved key as used for good.
func (w *Wallet) KeepScript(r Reservation) error {
	return w.pool.Keep(r.Index)
}

// ReturnScript hands the reserved key back to the pool.
func (w *Wallet) ReturnScript(r Reservation) error {
	return w.pool.Return(r.Index)
}

// NewAddress issues a receiving address.
func (w *Wallet) NewAddress() (types.Address, error) {
	r, err := w.ReserveScript()
	if err != nil {
		return types.Address{}, err
	}
	if err := w.KeepScript(r); err != nil {
		return types.Address{}, err
	}
	addr, _ := r.Script.Address()
	return addr, nil
}

// KeysLeftSinceBackup returns the unused keys covered by the last backup.
func (w *Wallet) KeysLeftSinceBackup() int {
	return w.pool.KeysLeftSinceBackup()
}

// Backup copies the keystore file into the backup directory.
func (w *Wallet) Backup() (string, error) {
	if w.opts.Keystore == nil {
		return "", errors.New("wallet has no keystore")
	}
	path, err := w.opts.Keystore.Backup(w.opts.Name, w.opts.BackupDir, w.now())
	if err != nil {
		return "", err
	}
	if err := w.pool.MarkBackup(); err != nil {
		return "", err
	}
	w.log.Info().Str("path", path).Msg("Wallet backup written")
	return path, nil
}

// Height returns the chain height seen at the last sync.
func (w *Wallet) Height() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.height
}

func (w *Wallet) confirmations(h uint64) uint64 {
	if h == 0 || h > w.height {
		return 0
	}
	return w.height - h + 1
}

// SpendableOutputs lists unlocked outputs with at least minConf
// confirmations, with their recorded mixing rounds.
func (w *Wallet) SpendableOutputs(minConf uint64) ([]UTXO, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []UTXO
	err := w.store.ForEach(func(u UTXO) error {
		if _, ok := w.locked[u.Outpoint]; ok {
			return nil
		}
		u.Confirmations = w.confirmations(u.Height)
		if u.Confirmations < minConf {
			return nil
		}
		rounds, err := w.store.Rounds(u.Outpoint)
		if err != nil {
			return err
		}
		u.Rounds = rounds
		out = append(out, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	return out, nil
}

// Balance sums the wallet's outputs.
func (w *Wallet) Balance() (Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b Balance
	err := w.store.ForEach(func(u UTXO) error {
		switch {
		case isLocked(w.locked, u.Outpoint):
			b.Locked += u.Value
		case w.confirmations(u.Height) == 0:
			b.Unconfirmed += u.Value
		default:
			b.Confirmed += u.Value
		}
		return nil
	})
	return b, err
}

func isLocked(m map[types.Outpoint]struct{}, op types.Outpoint) bool {
	_, ok := m[op]
	return ok
}

// LockOutpoints excludes ops from every selection. Nothing is locked if one
// of them already is.
func (w *Wallet) LockOutpoints(ops []types.Outpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		if isLocked(w.locked, op) {
			return fmt.Errorf("%w: %s", ErrOutpointLocked, op)
		}
	}
	for _, op := range ops {
		w.locked[op] = struct{}{}
	}
	return nil
}

// UnlockOutpoints releases ops. Unlocking an unlocked outpoint is a no-op.
func (w *Wallet) UnlockOutpoints(ops []types.Outpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		delete(w.locked, op)
	}
}

// LockedOutpoints returns the currently locked outpoints.
func (w *Wallet) LockedOutpoints() []types.Outpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	ops := make([]types.Outpoint, 0, len(w.locked))
	for op := range w.locked {
		ops = append(ops, op)
	}
	types.SortOutpoints(ops)
	return ops
}

// SetRounds records the mixing rounds of op.
func (w *Wallet) SetRounds(op types.Outpoint, rounds int) error {
	return w.store.SetRounds(op, rounds)
}

// SignInputs signs the inputs of t at indices. Each must spend an output
// of this wallet.
func (w *Wallet) SignInputs(t *tx.Transaction, indices []int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash := t.Hash()
	for _, i := range indices {
		if i < 0 || i >= len(t.Inputs) {
			return fmt.Errorf("input index %d out of range", i)
		}
		op := t.Inputs[i].PrevOut
		u, err := w.store.Get(op)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownOutpoint, op)
		}
		if err != nil {
			return err
		}
		addr, ok := u.Script.Address()
		if !ok {
			return fmt.Errorf("%w: %s has no address", ErrUnknownOutpoint, op)
		}
		idx, ok := w.addrs[addr]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOutpoint, op)
		}
		signer, err := w.keys[idx].Signer()
		if err != nil {
			return err
		}
		sig, err := signer.Sign(hash[:])
		pub := signer.PublicKey()
		signer.Zero()
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		t.Inputs[i].Signature = sig
		t.Inputs[i].PubKey = pub
	}
	return nil
}

// Broadcast submits t and applies it locally: spent inputs leave the
// output set, own outputs enter it unconfirmed.
func (w *Wallet) Broadcast(t *tx.Transaction) error {
	if _, err := w.chain.SubmitTx(t); err != nil {
		return fmt.Errorf("submit tx: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	txid := t.Hash()
	now := w.now()
	for _, in := range t.Inputs {
		has, err := w.store.Has(in.PrevOut)
		if err != nil || !has {
			continue
		}
		if err := w.store.Delete(in.PrevOut); err != nil {
			return err
		}
		if err := w.store.MarkSpent(in.PrevOut, now); err != nil {
			return err
		}
	}
	for j, out := range t.Outputs {
		addr, ok := out.Script.Address()
		if !ok {
			continue
		}
		if _, mine := w.addrs[addr]; !mine {
			continue
		}
		u := UTXO{
			Outpoint: types.Outpoint{TxID: txid, Index: uint32(j)},
			Value:    out.Value,
			Script:   out.Script,
			Added:    now.Unix(),
		}
		if err := w.store.Put(u); err != nil {
			return err
		}
	}
	w.log.Info().Str("txid", txid.String()).Int("inputs", len(t.Inputs)).Int("outputs", len(t.Outputs)).Msg("Transaction broadcast")
	return nil
}

// Send pays amount to addr from confirmed outputs and returns the txid.
func (w *Wallet) Send(to types.Address, amount uint64) (types.Hash, error) {
	utxos, err := w.SpendableOutputs(1)
	if err != nil {
		return types.Hash{}, err
	}
	sel, err := SelectCoins(utxos, amount, w.opts.FeeRate)
	if err != nil {
		return types.Hash{}, err
	}
	change, err := w.ReserveScript()
	if err != nil {
		return types.Hash{}, err
	}

	b := tx.NewBuilder()
	indices := make([]int, len(sel.Inputs))
	for i, u := range sel.Inputs {
		b.AddInput(u.Outpoint)
		indices[i] = i
	}
	b.AddOutput(amount, types.P2PKHScript(to))
	if sel.Change > 0 {
		b.AddOutput(sel.Change, change.Script)
	}
	t := b.Build()

	if err := w.SignInputs(t, indices); err != nil {
		w.ReturnScript(change)
		return types.Hash{}, err
	}
	if err := w.Broadcast(t); err != nil {
		w.ReturnScript(change)
		return types.Hash{}, err
	}
	if sel.Change > 0 {
		err = w.KeepScript(change)
	} else {
		err = w.ReturnScript(change)
	}
	if err != nil {
		w.log.Warn().Err(err).Msg("Resolve change key")
	}
	return t.Hash(), nil
}

// Sync refreshes the output set from the chain node and returns the tip
// height.
func (w *Wallet) Sync() (uint64, error) {
	height, err := w.chain.Height()
	if err != nil {
		return 0, fmt.Errorf("chain height: %w", err)
	}

	w.mu.Lock()
	addrs := make([]types.Address, 0, len(w.addrs))
	for a := range w.addrs {
		addrs = append(addrs, a)
	}
	w.mu.Unlock()

	seen := make(map[types.Outpoint]rpcclient.UTXO)
	for _, a := range addrs {
		utxos, err := w.chain.UTXOsByAddress(a)
		if err != nil {
			return 0, fmt.Errorf("utxos of %s: %w", a, err)
		}
		for _, u := range utxos {
			if u.LockedUntil > height {
				continue
			}
			seen[u.Outpoint] = u
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.height = height
	now := w.now()
	expiry := w.opts.UnconfirmedExpiry

	spent := make(map[types.Outpoint]struct{})
	var expired []types.Outpoint
	err = w.store.ForEachSpent(func(op types.Outpoint, at time.Time) error {
		if _, onChain := seen[op]; !onChain || now.Sub(at) > expiry {
			expired = append(expired, op)
		} else {
			spent[op] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, op := range expired {
		if err := w.store.ClearSpent(op); err != nil {
			return 0, err
		}
	}

	var stale []types.Outpoint
	err = w.store.ForEach(func(u UTXO) error {
		if _, onChain := seen[u.Outpoint]; onChain {
			return nil
		}
		if u.Height > 0 || now.Sub(time.Unix(u.Added, 0)) > expiry {
			stale = append(stale, u.Outpoint)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, op := range stale {
		if err := w.store.Delete(op); err != nil {
			return 0, err
		}
		delete(w.locked, op)
	}

	for op, u := range seen {
		if _, ok := spent[op]; ok {
			continue
		}
		if err := w.store.Put(UTXO{Outpoint: op, Value: u.Value, Script: u.Script, Height: u.Height}); err != nil {
			return 0, err
		}
	}
	w.log.Debug().Uint64("height", height).Int("outputs", len(seen)).Msg("Wallet synced")
	return height, nil
}

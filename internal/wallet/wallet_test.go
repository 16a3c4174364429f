package wallet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-mix/internal/storage"
	"github.com/Klingon-tech/klingnet-mix/pkg/crypto"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// fakeChain is an in-memory chain node.
type fakeChain struct {
	mu        sync.Mutex
	height    uint64
	utxos     map[types.Address][]rpcclient.UTXO
	submitted []*tx.Transaction
	submitErr error
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{height: height, utxos: make(map[types.Address][]rpcclient.UTXO)}
}

func (c *fakeChain) Height() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) UTXOsByAddress(addr types.Address) ([]rpcclient.UTXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rpcclient.UTXO(nil), c.utxos[addr]...), nil
}

func (c *fakeChain) SubmitTx(t *tx.Transaction) (types.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return types.Hash{}, c.submitErr
	}
	c.submitted = append(c.submitted, t)
	return t.Hash(), nil
}

func (c *fakeChain) pay(addr types.Address, txByte byte, value, height uint64) types.Outpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := types.Outpoint{TxID: types.Hash{txByte}, Index: 0}
	c.utxos[addr] = append(c.utxos[addr], rpcclient.UTXO{
		Outpoint: op,
		Value:    value,
		Script:   types.P2PKHScript(addr),
		Height:   height,
	})
	return op
}

func (c *fakeChain) spend(addr types.Address, op types.Outpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.utxos[addr][:0]
	for _, u := range c.utxos[addr] {
		if u.Outpoint != op {
			list = append(list, u)
		}
	}
	c.utxos[addr] = list
}

func testWallet(t *testing.T, chain *fakeChain) *Wallet {
	t.Helper()
	ks, err := NewKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	seed := testSeed(t)
	if err := ks.Create("test", seed, []byte("pw"), fastParams()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := Open(seed, storage.NewMemory(), chain, Options{
		Name:        "test",
		Keystore:    ks,
		BackupDir:   t.TempDir(),
		KeyPoolSize: 200,
		FeeRate:     1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func TestWallet_SyncAndSpendable(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)

	addr, err := w.NewAddress()
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	chain.pay(addr, 1, 5*types.Coin, 10)
	chain.pay(addr, 2, 3*types.Coin, 8)
	chain.pay(types.Address{0xee}, 3, 7*types.Coin, 8) // not ours

	if _, err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	all, err := w.SpendableOutputs(1)
	if err != nil {
		t.Fatalf("SpendableOutputs: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d outputs, want 2", len(all))
	}

	deep, _ := w.SpendableOutputs(3)
	if len(deep) != 1 || deep[0].Value != 3*types.Coin || deep[0].Confirmations != 3 {
		t.Fatalf("minConf=3 outputs: %+v", deep)
	}
}

func TestWallet_LockOutpoints(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	addr, _ := w.NewAddress()
	op1 := chain.pay(addr, 1, types.Coin, 5)
	op2 := chain.pay(addr, 2, types.Coin, 5)
	w.Sync()

	if err := w.LockOutpoints([]types.Outpoint{op1}); err != nil {
		t.Fatalf("LockOutpoints: %v", err)
	}
	if err := w.LockOutpoints([]types.Outpoint{op2, op1}); !errors.Is(err, ErrOutpointLocked) {
		t.Fatalf("double lock: got %v, want ErrOutpointLocked", err)
	}
	// The failed call must not have locked op2.
	utxos, _ := w.SpendableOutputs(1)
	if len(utxos) != 1 || utxos[0].Outpoint != op2 {
		t.Fatalf("spendable after lock: %+v", utxos)
	}

	w.UnlockOutpoints([]types.Outpoint{op1})
	w.UnlockOutpoints([]types.Outpoint{op1})
	utxos, _ = w.SpendableOutputs(1)
	if len(utxos) != 2 {
		t.Fatalf("spendable after unlock = %d, want 2", len(utxos))
	}
}

func TestWallet_SignInputs(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	addr, _ := w.NewAddress()
	op := chain.pay(addr, 1, types.Coin, 5)
	w.Sync()

	foreign := types.Outpoint{TxID: types.Hash{0x77}}
	transaction := tx.NewBuilder().
		AddInput(foreign).
		AddInput(op).
		AddOutput(types.Coin/2, types.P2PKHScript(types.Address{1})).
		Build()

	if err := w.SignInputs(transaction, []int{1}); err != nil {
		t.Fatalf("SignInputs: %v", err)
	}
	hash := transaction.Hash()
	in := transaction.Inputs[1]
	if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
		t.Fatal("signature does not verify")
	}
	if crypto.AddressFromPubKey(in.PubKey) != addr {
		t.Fatal("signed with the wrong key")
	}
	if transaction.Inputs[0].IsSigned() {
		t.Fatal("foreign input was signed")
	}

	if err := w.SignInputs(transaction, []int{0}); !errors.Is(err, ErrUnknownOutpoint) {
		t.Fatalf("signing foreign input: got %v, want ErrUnknownOutpoint", err)
	}
}

func TestWallet_BroadcastAndResync(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	addr, _ := w.NewAddress()
	op := chain.pay(addr, 1, types.Coin, 5)
	w.Sync()

	r, err := w.ReserveScript()
	if err != nil {
		t.Fatalf("ReserveScript: %v", err)
	}
	transaction := tx.NewBuilder().
		AddInput(op).
		AddOutput(types.Coin/2, r.Script).
		Build()
	if err := w.SignInputs(transaction, []int{0}); err != nil {
		t.Fatalf("SignInputs: %v", err)
	}
	if err := w.Broadcast(transaction); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	w.KeepScript(r)

	unconf, _ := w.SpendableOutputs(0)
	if len(unconf) != 1 || unconf[0].Outpoint.TxID != transaction.Hash() {
		t.Fatalf("after broadcast: %+v", unconf)
	}

	// The node still reports the spent input until the tx confirms.
	if _, err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	unconf, _ = w.SpendableOutputs(0)
	for _, u := range unconf {
		if u.Outpoint == op {
			t.Fatal("spent input resurrected by sync")
		}
	}

	bal, _ := w.Balance()
	if bal.Unconfirmed != types.Coin/2 || bal.Confirmed != 0 {
		t.Fatalf("balance = %+v", bal)
	}
}

func TestWallet_SyncDropsSpent(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	addr, _ := w.NewAddress()
	op := chain.pay(addr, 1, types.Coin, 5)
	w.Sync()

	chain.spend(addr, op)
	w.Sync()
	utxos, _ := w.SpendableOutputs(0)
	if len(utxos) != 0 {
		t.Fatalf("spent output still listed: %+v", utxos)
	}
}

func TestWallet_UnconfirmedExpiry(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }

	addr, _ := w.NewAddress()
	op := chain.pay(addr, 1, types.Coin, 5)
	w.Sync()

	transaction := tx.NewBuilder().AddInput(op).AddOutput(types.Coin/2, types.P2PKHScript(addr)).Build()
	w.SignInputs(transaction, []int{0})
	if err := w.Broadcast(transaction); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	now = now.Add(2 * DefaultUnconfirmedExpiry)
	w.Sync()

	utxos, _ := w.SpendableOutputs(0)
	if len(utxos) != 1 || utxos[0].Outpoint != op {
		t.Fatalf("never-confirmed tx should release its input: %+v", utxos)
	}
}

func TestWallet_Send(t *testing.T) {
	chain := newFakeChain(10)
	w := testWallet(t, chain)
	addr, _ := w.NewAddress()
	chain.pay(addr, 1, 5*types.Coin, 5)
	w.Sync()

	to := types.Address{0x42}
	if _, err := w.Send(to, 100*types.Coin); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overspend: got %v, want ErrInsufficientFunds", err)
	}
	if _, err := w.Send(to, 2*types.Coin); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(chain.submitted) != 1 {
		t.Fatalf("submitted %d txs, want 1", len(chain.submitted))
	}
	sent := chain.submitted[0]
	if sent.Outputs[0].Value != 2*types.Coin || !sent.Outputs[0].Script.Equal(types.P2PKHScript(to)) {
		t.Fatalf("payment output = %+v", sent.Outputs[0])
	}
	if len(sent.Outputs) != 2 {
		t.Fatalf("expected a change output, got %d outputs", len(sent.Outputs))
	}
	if w.pool.Reserved() != 0 {
		t.Fatalf("change key left unresolved")
	}

}

func TestWallet_ReservationsAndBackup(t *testing.T) {
	chain := newFakeChain(1)
	w := testWallet(t, chain)

	before := w.KeysLeftSinceBackup()
	r, err := w.ReserveScript()
	if err != nil {
		t.Fatalf("ReserveScript: %v", err)
	}
	if err := w.KeepScript(r); err != nil {
		t.Fatalf("KeepScript: %v", err)
	}
	if err := w.ReturnScript(r); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("ReturnScript after Keep: got %v, want ErrUnknownReservation", err)
	}
	if got := w.KeysLeftSinceBackup(); got != before-1 {
		t.Fatalf("keys left = %d, want %d", got, before-1)
	}

	if _, err := w.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if got := w.KeysLeftSinceBackup(); got != 200 {
		t.Fatalf("keys left after backup = %d, want 200", got)
	}
}

func TestSelectCoins(t *testing.T) {
	utxos := func(values ...uint64) []UTXO {
		out := make([]UTXO, len(values))
		for i, v := range values {
			out[i] = UTXO{Outpoint: types.Outpoint{TxID: types.Hash{byte(i + 1)}}, Value: v}
		}
		return out
	}
	fee1 := tx.EstimateTxFee(1, 2, 1)

	t.Run("single covers", func(t *testing.T) {
		sel, err := SelectCoins(utxos(1000, 10_000, 50_000), 5000, 1)
		if err != nil {
			t.Fatalf("SelectCoins: %v", err)
		}
		if len(sel.Inputs) != 1 || sel.Total != 10_000 {
			t.Fatalf("selection = %+v", sel)
		}
		if sel.Fee != fee1 || sel.Change != 10_000-5000-fee1 {
			t.Fatalf("fee=%d change=%d", sel.Fee, sel.Change)
		}
	})
	t.Run("accumulate", func(t *testing.T) {
		sel, err := SelectCoins(utxos(3000, 3000, 3000), 5000, 1)
		if err != nil {
			t.Fatalf("SelectCoins: %v", err)
		}
		if len(sel.Inputs) != 2 {
			t.Fatalf("inputs = %d, want 2", len(sel.Inputs))
		}
	})
	t.Run("insufficient", func(t *testing.T) {
		if _, err := SelectCoins(utxos(100), 5000, 1); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("got %v, want ErrInsufficientFunds", err)
		}
	})
	t.Run("empty", func(t *testing.T) {
		if _, err := SelectCoins(nil, 5000, 1); !errors.Is(err, ErrNoUTXOs) {
			t.Fatalf("got %v, want ErrNoUTXOs", err)
		}
	})
}

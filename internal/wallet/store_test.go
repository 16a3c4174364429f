package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/storage"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

func TestStore_Outputs(t *testing.T) {
	s := NewStore(storage.NewMemory())
	u := UTXO{
		Outpoint: types.Outpoint{TxID: types.Hash{1}, Index: 2},
		Value:    500,
		Script:   types.P2PKHScript(types.Address{3}),
		Height:   9,
	}
	if err := s.Put(u); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != 500 || got.Height != 9 || !got.Script.Equal(u.Script) {
		t.Fatalf("got %+v", got)
	}

	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(u.Outpoint); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestStore_Rounds(t *testing.T) {
	s := NewStore(storage.NewMemory())
	op := types.Outpoint{TxID: types.Hash{7}, Index: 1}

	if n, err := s.Rounds(op); err != nil || n != 0 {
		t.Fatalf("unrecorded rounds = %d, %v", n, err)
	}
	if err := s.SetRounds(op, 3); err != nil {
		t.Fatalf("SetRounds: %v", err)
	}
	if n, _ := s.Rounds(op); n != 3 {
		t.Fatalf("rounds = %d, want 3", n)
	}
	if err := s.SetRounds(op, -1); err == nil {
		t.Fatal("expected error for negative rounds")
	}
}

func TestStore_SpentMarkers(t *testing.T) {
	s := NewStore(storage.NewMemory())
	op := types.Outpoint{TxID: types.Hash{5}, Index: 4}
	at := time.Unix(1_700_000_000, 0)

	if err := s.MarkSpent(op, at); err != nil {
		t.Fatalf("MarkSpent: %v", err)
	}
	if spent, _ := s.IsSpent(op); !spent {
		t.Fatal("IsSpent = false after MarkSpent")
	}

	var seen int
	err := s.ForEachSpent(func(got types.Outpoint, when time.Time) error {
		seen++
		if got != op || !when.Equal(at) {
			t.Fatalf("marker %s at %v", got, when)
		}
		return nil
	})
	if err != nil || seen != 1 {
		t.Fatalf("ForEachSpent: seen=%d err=%v", seen, err)
	}

	if err := s.ClearSpent(op); err != nil {
		t.Fatalf("ClearSpent: %v", err)
	}
	if spent, _ := s.IsSpent(op); spent {
		t.Fatal("IsSpent = true after ClearSpent")
	}
}

package mixing

import (
	"testing"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

func utxo(n byte, value uint64, conf uint64, rounds int) wallet.UTXO {
	return wallet.UTXO{
		Outpoint:      testOutpoint(n),
		Value:         value,
		Script:        testScript(uint32(n)),
		Confirmations: conf,
		Rounds:        rounds,
	}
}

func TestComputeBalances(t *testing.T) {
	d := Denominations()[2]
	small := SmallestDenomination()
	utxos := []wallet.UTXO{
		utxo(1, d, 6, 2),                   // anonymized
		utxo(2, d, 6, 0),                   // denominated, needs mixing
		utxo(3, 5*types.Coin, 6, 0),        // plain funds
		utxo(4, MaxCollateralAmount, 6, 0), // collateral
		utxo(5, d, 0, 0),                   // unconfirmed denomination
		utxo(6, d, 6, 0),                   // locked
		utxo(7, small/20, 6, 0),            // dust
	}
	excl := Exclusions{Locked: map[types.Outpoint]struct{}{testOutpoint(6): {}}}

	b := ComputeBalances(utxos, 2, 1, excl)

	if want := 3*d + 5*types.Coin + MaxCollateralAmount + small/20; b.Total != want {
		t.Errorf("Total = %d, want %d", b.Total, want)
	}
	if b.Anonymized != d {
		t.Errorf("Anonymized = %d, want %d", b.Anonymized, d)
	}
	if want := d + 5*types.Coin; b.Anonymizable != want {
		t.Errorf("Anonymizable = %d, want %d", b.Anonymizable, want)
	}
	if b.AnonymizableNonDenom != 5*types.Coin {
		t.Errorf("AnonymizableNonDenom = %d", b.AnonymizableNonDenom)
	}
	if b.Denominated != 2*d || b.DenominatedUnconf != d {
		t.Errorf("Denominated = %d, DenominatedUnconf = %d", b.Denominated, b.DenominatedUnconf)
	}
	if !b.HasCollateral || b.HasCollateralUnconf {
		t.Errorf("HasCollateral = %v, HasCollateralUnconf = %v", b.HasCollateral, b.HasCollateralUnconf)
	}
}

func TestNeedsToBeAnonymized(t *testing.T) {
	minValue := SmallestDenomination()

	t.Run("below minimum", func(t *testing.T) {
		b := Balances{Anonymizable: minValue - 1}
		if got := b.NeedsToBeAnonymized(10*types.Coin, minValue); got != 0 {
			t.Fatalf("got %d, want 0", got)
		}
	})
	t.Run("capped by anonymizable", func(t *testing.T) {
		b := Balances{Anonymizable: 3 * types.Coin}
		if got := b.NeedsToBeAnonymized(1000*types.Coin, minValue); got != 3*types.Coin {
			t.Fatalf("got %d, want %d", got, 3*types.Coin)
		}
	})
	t.Run("target reached", func(t *testing.T) {
		b := Balances{Anonymized: 10 * types.Coin, Anonymizable: 3 * types.Coin}
		if got := b.NeedsToBeAnonymized(5*types.Coin, minValue); got != minValue {
			t.Fatalf("got %d, want %d", got, minValue)
		}
	})
	t.Run("capped by pool maximum", func(t *testing.T) {
		b := Balances{Anonymizable: 10_000 * types.Coin}
		if got := b.NeedsToBeAnonymized(1000*types.Coin, minValue); got != MaxPoolAmount() {
			t.Fatalf("got %d, want %d", got, MaxPoolAmount())
		}
	})
}

func TestGroupByScript(t *testing.T) {
	d := Denominations()[1]
	a := utxo(1, 2*types.Coin, 3, 0)
	b := utxo(2, 1*types.Coin, 3, 0)
	b.Script = a.Script
	c := utxo(3, 5*types.Coin, 3, 0)
	den := utxo(4, d, 3, 0)
	unconf := utxo(5, 9*types.Coin, 0, 0)

	items := groupByScript([]wallet.UTXO{a, b, c, den, unconf}, 1, false, Exclusions{})
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Amount != 5*types.Coin || items[1].Amount != 3*types.Coin {
		t.Fatalf("amounts = %d, %d", items[0].Amount, items[1].Amount)
	}
	if len(items[1].UTXOs) != 2 {
		t.Fatalf("grouped UTXOs = %d, want 2", len(items[1].UTXOs))
	}

	items = groupByScript([]wallet.UTXO{den}, 1, true, Exclusions{})
	if len(items) != 1 || items[0].Amount != d {
		t.Fatalf("with denominated: %+v", items)
	}
}

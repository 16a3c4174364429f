package mixing

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

func TestCreateDenominated_FromPlainFunds(t *testing.T) {
	coin := utxo(1, 5*types.Coin, 6, 0)
	w := newFakeWallet(coin)
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	got, err := p.CreateDenominated(1000*types.Coin, Exclusions{})
	if err != nil {
		t.Fatalf("CreateDenominated: %v", err)
	}
	if len(w.broadcast) != 1 || w.broadcast[0] != got {
		t.Fatalf("broadcast %d transactions", len(w.broadcast))
	}
	for i, in := range got.Inputs {
		if !in.IsSigned() {
			t.Fatalf("input %d not signed", i)
		}
	}

	total, err := got.TotalOutputValue()
	if err != nil {
		t.Fatalf("TotalOutputValue: %v", err)
	}
	if total >= coin.Value {
		t.Fatalf("outputs %d leave no fee from %d", total, coin.Value)
	}

	var denoms, collaterals int
	last := len(got.Outputs) - 1
	for i, o := range got.Outputs {
		switch {
		case IsDenominated(o.Value):
			denoms++
		case o.Value == MaxCollateralAmount:
			collaterals++
		case i == last && o.Script.Equal(coin.Script):
		default:
			t.Fatalf("output %d has value %d outside the catalog", i, o.Value)
		}
	}
	if denoms == 0 || denoms > DenomsCountMax {
		t.Fatalf("denominated outputs = %d", denoms)
	}
	if collaterals != 1 {
		t.Fatalf("collateral outputs = %d, want 1", collaterals)
	}
	if w.kept != denoms+collaterals || w.outstanding() != 0 {
		t.Fatalf("keys kept=%d outstanding=%d, want %d kept", w.kept, w.outstanding(), denoms+collaterals)
	}
}

func TestCreateDenominated_RespectsTargetAndSkipped(t *testing.T) {
	w := newFakeWallet(utxo(1, 5*types.Coin, 6, 0), utxo(2, MaxCollateralAmount, 6, 0))
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	skipped := Denominations()[0]
	target := types.Coin / 2
	got, err := p.CreateDenominated(target, Exclusions{Skipped: map[uint64]struct{}{skipped: {}}})
	if err != nil {
		t.Fatalf("CreateDenominated: %v", err)
	}

	var planned uint64
	for _, o := range got.Outputs {
		if o.Value == skipped {
			t.Fatal("skipped denomination was created")
		}
		if o.Value == MaxCollateralAmount {
			t.Fatal("collateral created although the wallet has one")
		}
		if IsDenominated(o.Value) {
			planned += o.Value
		}
	}
	// The last output may overshoot the target by at most one denomination.
	if planned < target || planned >= target+Denominations()[1] {
		t.Fatalf("planned %d for target %d", planned, target)
	}
}

func TestCreateDenominated_NothingToDo(t *testing.T) {
	w := newFakeWallet(utxo(1, SmallestDenomination(), 6, 0), utxo(2, 5*types.Coin, 0, 0))
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	if _, err := p.CreateDenominated(types.Coin, Exclusions{}); !errors.Is(err, ErrNothingToDenominate) {
		t.Fatalf("got %v, want ErrNothingToDenominate", err)
	}
	if len(w.broadcast) != 0 || w.outstanding() != 0 {
		t.Fatalf("broadcast=%d outstanding keys=%d", len(w.broadcast), w.outstanding())
	}
}

func TestCreateDenominated_BroadcastFailureReturnsKeys(t *testing.T) {
	w := newFakeWallet(utxo(1, 5*types.Coin, 6, 0))
	w.broadcastErr = errors.New("rejected")
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	if _, err := p.CreateDenominated(types.Coin, Exclusions{}); err == nil {
		t.Fatal("expected error")
	}
	if w.kept != 0 || w.returned == 0 || w.outstanding() != 0 {
		t.Fatalf("kept=%d returned=%d outstanding=%d", w.kept, w.returned, w.outstanding())
	}
}

func TestMakeCollateralAmounts(t *testing.T) {
	coin := utxo(1, MaxCollateralAmount+CollateralAmount/2, 6, 0)
	w := newFakeWallet(coin)
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	got, err := p.MakeCollateralAmounts(0, Exclusions{})
	if err != nil {
		t.Fatalf("MakeCollateralAmounts: %v", err)
	}
	if len(got.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(got.Outputs))
	}
	if got.Outputs[0].Value != MaxCollateralAmount {
		t.Fatalf("collateral output = %d, want %d", got.Outputs[0].Value, MaxCollateralAmount)
	}
	if !got.Outputs[1].Script.Equal(coin.Script) {
		t.Fatal("change does not return to the funding script")
	}
	if w.kept != 1 {
		t.Fatalf("kept = %d, want 1", w.kept)
	}
}

func TestMakeCollateralAmounts_BreaksDenomination(t *testing.T) {
	d := Denominations()[1]
	w := newFakeWallet(utxo(1, d, 6, 0))
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	got, err := p.MakeCollateralAmounts(0, Exclusions{})
	if err != nil {
		t.Fatalf("MakeCollateralAmounts: %v", err)
	}
	if got.Outputs[0].Value != MaxCollateralAmount {
		t.Fatalf("collateral output = %d", got.Outputs[0].Value)
	}
}

func TestMakeCollateralAmounts_NoInputs(t *testing.T) {
	w := newFakeWallet(utxo(1, MaxCollateralAmount, 6, 0))
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	if _, err := p.MakeCollateralAmounts(0, Exclusions{}); !errors.Is(err, ErrNoCollateralInputs) {
		t.Fatalf("got %v, want ErrNoCollateralInputs", err)
	}
}

func TestMakeCollateralAmounts_PrefersPlainFundsWhenTargetMet(t *testing.T) {
	plain := utxo(1, types.Coin, 6, 0)
	denom := utxo(2, Denominations()[3], 6, 0)
	w := newFakeWallet(plain, denom)
	p := NewDenominationPlanner(w, 1, DefaultFeeRate, testLog)

	got, err := p.MakeCollateralAmounts(0, Exclusions{})
	if err != nil {
		t.Fatalf("MakeCollateralAmounts: %v", err)
	}
	if len(got.Inputs) != 1 || got.Inputs[0].PrevOut != plain.Outpoint {
		t.Fatalf("spent %v, want only the plain output %s", got.Inputs, plain.Outpoint)
	}
	if got.Outputs[0].Value != MaxCollateralAmount {
		t.Fatalf("collateral output = %d, want %d", got.Outputs[0].Value, MaxCollateralAmount)
	}
}

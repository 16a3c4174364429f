package mixing

import (
	"testing"

	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

func TestDenominations(t *testing.T) {
	ds := Denominations()
	if len(ds) != 4 {
		t.Fatalf("catalog size = %d, want 4", len(ds))
	}
	for i, d := range ds {
		if !IsDenominated(d) {
			t.Fatalf("IsDenominated(%d) = false", d)
		}
		if i > 0 && ds[i-1] >= d {
			t.Fatalf("catalog not ascending at %d", i)
		}
	}
	if ds[0] != SmallestDenomination() {
		t.Fatalf("smallest = %d, want %d", SmallestDenomination(), ds[0])
	}

	ds[0] = 1
	if Denominations()[0] == 1 {
		t.Fatal("Denominations returned the shared catalog")
	}
}

func TestIsDenominated(t *testing.T) {
	for _, v := range []uint64{0, types.Coin, types.Coin + 1, CollateralAmount} {
		if IsDenominated(v) {
			t.Fatalf("IsDenominated(%d) = true", v)
		}
	}
	if !IsDenominated(types.Coin + types.Coin/100_000) {
		t.Fatal("1.00001 coin should be a denomination")
	}
}

func TestIsCollateralAmount(t *testing.T) {
	if !IsCollateralAmount(CollateralAmount) || !IsCollateralAmount(MaxCollateralAmount) {
		t.Fatal("range bounds should be collateral amounts")
	}
	if IsCollateralAmount(CollateralAmount-1) || IsCollateralAmount(MaxCollateralAmount+1) {
		t.Fatal("values outside the range accepted")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		v    uint64
		want string
	}{
		{0, "0"},
		{5 * types.Coin, "5"},
		{types.Coin + types.Coin/100_000, "1.00001"},
		{types.Coin / 100, "0.01"},
		{1, "0.000000000001"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.v); got != tt.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestMaxPoolAmount(t *testing.T) {
	want := (10*types.Coin + 10*types.Coin/100_000) * EntryMaxSize
	if got := MaxPoolAmount(); got != want {
		t.Fatalf("MaxPoolAmount = %d, want %d", got, want)
	}
}

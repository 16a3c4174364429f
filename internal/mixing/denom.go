package mixing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// DenomsCountMax caps the number of denominated outputs one planning
// transaction may create.
const DenomsCountMax = 100

// EntryMaxSize is the maximum number of inputs submitted in one entry.
const EntryMaxSize = 9

// denomOutputsPerPass limits how many outputs of a single denomination are
// added before moving on to the next one.
const denomOutputsPerPass = 11

// Collateral amounts. A collateral transaction pays CollateralAmount as a
// fee if the mixing peer has to charge it.
const (
	CollateralAmount    = types.MilliCoin
	MaxCollateralAmount = 4 * CollateralAmount
)

// standardDenominations is the ascending catalog. Each value is a power of
// ten of the base unit with a 1/100000 tail, so mixed outputs stand apart
// from round user payments.
var standardDenominations = []uint64{
	types.Coin/100 + types.Coin/100/100_000,
	types.Coin/10 + types.Coin/10/100_000,
	types.Coin + types.Coin/100_000,
	10*types.Coin + 10*types.Coin/100_000,
}

// Denominations returns a copy of the ascending denomination catalog.
func Denominations() []uint64 {
	return append([]uint64(nil), standardDenominations...)
}

// SmallestDenomination returns the lowest catalog value.
func SmallestDenomination() uint64 {
	return standardDenominations[0]
}

// IsDenominated reports whether v is exactly one catalog value.
func IsDenominated(v uint64) bool {
	for _, d := range standardDenominations {
		if v == d {
			return true
		}
	}
	return false
}

// IsCollateralAmount reports whether v lies in the collateral range.
func IsCollateralAmount(v uint64) bool {
	return v >= CollateralAmount && v <= MaxCollateralAmount
}

// MaxPoolAmount is the largest value one entry can carry.
func MaxPoolAmount() uint64 {
	return standardDenominations[len(standardDenominations)-1] * EntryMaxSize
}

// FormatAmount renders base units as a decimal coin string.
func FormatAmount(v uint64) string {
	whole := strconv.FormatUint(v/types.Coin, 10)
	frac := v % types.Coin
	if frac == 0 {
		return whole
	}
	return whole + "." + strings.TrimRight(fmt.Sprintf("%012d", frac), "0")
}

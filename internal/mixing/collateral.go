package mixing

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// NewCollateralTx builds a fresh, unsigned collateral transaction spending
// coin. It pays CollateralAmount in fees and returns the rest to change;
// when the rest would be smaller than a collateral it is burned.
func NewCollateralTx(coin wallet.UTXO, change types.Script) (*tx.Transaction, error) {
	if coin.Value < CollateralAmount {
		return nil, fmt.Errorf("collateral input %s too small: %s", coin.Outpoint, FormatAmount(coin.Value))
	}
	b := tx.NewBuilder().AddInput(coin.Outpoint)
	rest := coin.Value - CollateralAmount
	if rest >= CollateralAmount {
		b.AddOutput(rest, change)
	} else {
		b.AddOutput(0, types.Script{Type: types.ScriptTypeBurn})
	}
	return b.Build(), nil
}

// IsCollateralValid checks the shape of a collateral transaction whose
// single input is worth inputValue.
func IsCollateralValid(t *tx.Transaction, inputValue uint64) bool {
	if t == nil || len(t.Inputs) != 1 || len(t.Outputs) == 0 {
		return false
	}
	out, err := t.TotalOutputValue()
	if err != nil || out > inputValue {
		return false
	}
	for _, o := range t.Outputs {
		if o.Script.Type != types.ScriptTypeP2PKH && o.Script.Type != types.ScriptTypeBurn {
			return false
		}
	}
	return inputValue-out >= CollateralAmount
}

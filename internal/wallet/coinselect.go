package wallet

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
)

// CoinSelection is the result of SelectCoins.
type CoinSelection struct {
	Inputs []UTXO
	Total  uint64
	Fee    uint64
	Change uint64
}

// SelectCoins funds a payment of target plus fees at feeRate, assuming one
// payment and one change output. It compares the smallest single output
// that covers the payment with largest-first accumulation and keeps the
// one wasting less change.
func SelectCoins(utxos []UTXO, target, feeRate uint64) (*CoinSelection, error) {
	if target == 0 {
		return nil, fmt.Errorf("target must be positive")
	}
	candidates := make([]UTXO, 0, len(utxos))
	var available uint64
	for _, u := range utxos {
		if u.Value > 0 {
			candidates = append(candidates, u)
			available += u.Value
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Value < candidates[j].Value })

	need := func(nIn int) uint64 { return target + tx.EstimateTxFee(nIn, 2, feeRate) }
	result := func(in []UTXO, total uint64) *CoinSelection {
		fee := tx.EstimateTxFee(len(in), 2, feeRate)
		return &CoinSelection{Inputs: in, Total: total, Fee: fee, Change: total - target - fee}
	}

	var single *CoinSelection
	for _, u := range candidates {
		if u.Value >= need(1) {
			single = result([]UTXO{u}, u.Value)
			break
		}
	}

	var accum *CoinSelection
	var picked []UTXO
	var total uint64
	for i := len(candidates) - 1; i >= 0; i-- {
		picked = append(picked, candidates[i])
		total += candidates[i].Value
		if total >= need(len(picked)) {
			accum = result(picked, total)
			break
		}
	}

	switch {
	case single != nil && accum != nil:
		if single.Change <= accum.Change {
			return single, nil
		}
		return accum, nil
	case single != nil:
		return single, nil
	case accum != nil:
		return accum, nil
	}
	return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, available, need(len(candidates)))
}

package mixing

import (
	"sort"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// Exclusions is a snapshot of the outputs and denominations a planning
// pass must not touch.
type Exclusions struct {
	Locked  map[types.Outpoint]struct{}
	Skipped map[uint64]struct{}
}

func (e Exclusions) isLocked(op types.Outpoint) bool {
	_, ok := e.Locked[op]
	return ok
}

func (e Exclusions) isSkipped(denom uint64) bool {
	_, ok := e.Skipped[denom]
	return ok
}

// Balances summarises the wallet from the mixing point of view.
type Balances struct {
	Total                uint64 `json:"total"`
	Anonymized           uint64 `json:"anonymized"`
	Anonymizable         uint64 `json:"anonymizable"`
	AnonymizableNonDenom uint64 `json:"anonymizable_non_denom"`
	Denominated          uint64 `json:"denominated"`
	DenominatedUnconf    uint64 `json:"denominated_unconfirmed"`
	HasCollateral        bool   `json:"has_collateral"`
	HasCollateralUnconf  bool   `json:"has_collateral_unconfirmed"`
}

// ComputeBalances classifies utxos against the target round count.
func ComputeBalances(utxos []wallet.UTXO, rounds int, minConf uint64, excl Exclusions) Balances {
	var b Balances
	smallest := SmallestDenomination()
	for _, u := range utxos {
		if excl.isLocked(u.Outpoint) {
			continue
		}
		b.Total += u.Value
		confirmed := u.Confirmations >= minConf && u.Confirmations > 0
		denominated := IsDenominated(u.Value)

		if IsCollateralAmount(u.Value) {
			if confirmed {
				b.HasCollateral = true
			} else {
				b.HasCollateralUnconf = true
			}
			continue
		}
		if denominated {
			if confirmed {
				b.Denominated += u.Value
			} else {
				b.DenominatedUnconf += u.Value
			}
		}
		if !confirmed {
			continue
		}
		if denominated && u.Rounds >= rounds {
			b.Anonymized += u.Value
			continue
		}
		if u.Value <= smallest/10 {
			continue
		}
		b.Anonymizable += u.Value
		if !denominated {
			b.AnonymizableNonDenom += u.Value
		}
	}
	return b
}

// NeedsToBeAnonymized returns how much more should be mixed to reach
// target, overshooting by minValue and capped by what is anonymizable and
// by the pool maximum.
func (b Balances) NeedsToBeAnonymized(target, minValue uint64) uint64 {
	if b.Anonymizable < minValue {
		return 0
	}
	var needs uint64
	if target > b.Anonymized {
		needs = target - b.Anonymized
	}
	needs += minValue
	if needs > b.Anonymizable {
		needs = b.Anonymizable
	}
	if poolMax := MaxPoolAmount(); needs > poolMax {
		needs = poolMax
	}
	return needs
}

// TallyItem groups spendable outputs paying the same script.
type TallyItem struct {
	Script types.Script
	Amount uint64
	UTXOs  []wallet.UTXO
}

// groupByScript builds tally items sorted by amount, largest first.
// Collateral-sized outputs are never included; denominated outputs only
// when includeDenominated is set.
func groupByScript(utxos []wallet.UTXO, minConf uint64, includeDenominated bool, excl Exclusions) []TallyItem {
	index := make(map[string]int)
	var items []TallyItem
	for _, u := range utxos {
		if excl.isLocked(u.Outpoint) || u.Confirmations < minConf || u.Confirmations == 0 {
			continue
		}
		if IsCollateralAmount(u.Value) {
			continue
		}
		if !includeDenominated && IsDenominated(u.Value) {
			continue
		}
		key := u.Script.Key()
		i, ok := index[key]
		if !ok {
			i = len(items)
			index[key] = i
			items = append(items, TallyItem{Script: u.Script})
		}
		items[i].Amount += u.Value
		items[i].UTXOs = append(items[i].UTXOs, u)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Amount > items[j].Amount })
	return items
}

func hasConfirmedCollateral(utxos []wallet.UTXO, minConf uint64, excl Exclusions) bool {
	for _, u := range utxos {
		if IsCollateralAmount(u.Value) && u.Confirmations >= minConf && u.Confirmations > 0 && !excl.isLocked(u.Outpoint) {
			return true
		}
	}
	return false
}

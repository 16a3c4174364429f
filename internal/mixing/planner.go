package mixing

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
)

// DenominationPlanner turns arbitrary wallet outputs into denominated and
// collateral-sized outputs ahead of mixing rounds.
type DenominationPlanner struct {
	wallet  Wallet
	minConf uint64
	feeRate uint64
	log     zerolog.Logger
}

// NewDenominationPlanner creates a planner spending outputs with at least
// minConf confirmations and paying feeRate per byte.
func NewDenominationPlanner(w Wallet, minConf, feeRate uint64, log zerolog.Logger) *DenominationPlanner {
	return &DenominationPlanner{wallet: w, minConf: minConf, feeRate: feeRate, log: log}
}

// CreateDenominated converts one tally item into denominated outputs worth
// up to target, adding a collateral output when the wallet has none. The
// broadcast transaction is returned.
func (p *DenominationPlanner) CreateDenominated(target uint64, excl Exclusions) (*tx.Transaction, error) {
	utxos, err := p.wallet.SpendableOutputs(p.minConf)
	if err != nil {
		return nil, fmt.Errorf("list spendable outputs: %w", err)
	}
	withCollateral := !hasConfirmedCollateral(utxos, p.minConf, excl)

	for _, item := range groupByScript(utxos, p.minConf, false, excl) {
		t, err := p.denominateItem(item, target, withCollateral, excl)
		if errors.Is(err, ErrNothingToDenominate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		denominateTxs.WithLabelValues("denominate").Inc()
		return t, nil
	}
	return nil, ErrNothingToDenominate
}

// MakeCollateralAmounts creates a collateral-sized output. Non-denominated
// funds are tried first, denominating whatever is left over when the item
// is large enough; denominated outputs are broken up only as a last resort.
func (p *DenominationPlanner) MakeCollateralAmounts(target uint64, excl Exclusions) (*tx.Transaction, error) {
	utxos, err := p.wallet.SpendableOutputs(p.minConf)
	if err != nil {
		return nil, fmt.Errorf("list spendable outputs: %w", err)
	}

	for _, item := range groupByScript(utxos, p.minConf, false, excl) {
		t, err := p.collateralFromItem(item, target, true, excl)
		if err == nil {
			denominateTxs.WithLabelValues("collateral").Inc()
			return t, nil
		}
		p.log.Debug().Err(err).Str("amount", FormatAmount(item.Amount)).Msg("Tally item unusable for collateral")
	}
	for _, item := range groupByScript(utxos, p.minConf, true, excl) {
		t, err := p.collateralFromItem(item, target, false, excl)
		if err == nil {
			denominateTxs.WithLabelValues("collateral").Inc()
			return t, nil
		}
	}
	return nil, ErrNoCollateralInputs
}

func (p *DenominationPlanner) collateralFromItem(item TallyItem, target uint64, tryDenominate bool, excl Exclusions) (*tx.Transaction, error) {
	if len(item.UTXOs) == 1 && IsCollateralAmount(item.Amount) {
		return nil, fmt.Errorf("already a collateral")
	}
	if tryDenominate && target > 0 && item.Amount >= MaxCollateralAmount+CollateralAmount+SmallestDenomination() {
		t, err := p.denominateItem(item, target, true, excl)
		if !errors.Is(err, ErrNothingToDenominate) {
			return t, err
		}
		// Nothing left to denominate: split a plain collateral instead.
	}

	fee := tx.EstimateTxFee(len(item.UTXOs), 2, p.feeRate)
	piece := MaxCollateralAmount
	if item.Amount < piece+fee {
		piece = CollateralAmount
	}
	if item.Amount < piece+fee {
		return nil, fmt.Errorf("%w: %s", ErrNoCollateralInputs, FormatAmount(item.Amount))
	}

	keys := NewKeyReservationPool(p.log)
	script, err := keys.Reserve(p.wallet)
	if err != nil {
		return nil, fmt.Errorf("reserve collateral script: %w", err)
	}
	b := tx.NewBuilder()
	for _, u := range item.UTXOs {
		b.AddInput(u.Outpoint)
	}
	b.AddOutput(piece, script)
	if change := item.Amount - piece - fee; change > 0 {
		b.AddOutput(change, item.Script)
	}
	t := b.Build()
	if err := p.signAndBroadcast(t); err != nil {
		keys.ReturnAll()
		return nil, err
	}
	keys.KeepAll()
	p.log.Info().
		Str("txid", t.Hash().String()).
		Str("collateral", FormatAmount(piece)).
		Msg("Created collateral output")
	return t, nil
}

// denominateItem plans denominations smallest first, up to
// denomOutputsPerPass per value per pass, until the target is planned,
// DenomsCountMax outputs exist or nothing more fits.
func (p *DenominationPlanner) denominateItem(item TallyItem, target uint64, withCollateral bool, excl Exclusions) (*tx.Transaction, error) {
	// One collateral amount of headroom pays the fee.
	if item.Amount <= CollateralAmount+SmallestDenomination() {
		return nil, ErrNothingToDenominate
	}
	left := item.Amount - CollateralAmount

	keys := NewKeyReservationPool(p.log)
	b := tx.NewBuilder()
	for _, u := range item.UTXOs {
		b.AddInput(u.Outpoint)
	}

	if withCollateral && left >= MaxCollateralAmount+SmallestDenomination() {
		script, err := keys.Reserve(p.wallet)
		if err != nil {
			return nil, fmt.Errorf("reserve collateral script: %w", err)
		}
		b.AddOutput(MaxCollateralAmount, script)
		left -= MaxCollateralAmount
	}

	var planned uint64
	outputs := 0
	for left >= SmallestDenomination() && outputs < DenomsCountMax && planned < target {
		added := false
		for _, d := range standardDenominations {
			if excl.isSkipped(d) {
				continue
			}
			for n := 0; n < denomOutputsPerPass && left >= d && outputs < DenomsCountMax && planned < target; n++ {
				script, err := keys.Reserve(p.wallet)
				if err != nil {
					keys.ReturnAll()
					return nil, fmt.Errorf("reserve denomination script: %w", err)
				}
				b.AddOutput(d, script)
				left -= d
				planned += d
				outputs++
				added = true
			}
		}
		if !added {
			break
		}
	}
	if outputs == 0 {
		keys.ReturnAll()
		return nil, ErrNothingToDenominate
	}

	spent := item.Amount - CollateralAmount - left
	fee := tx.EstimateTxFee(len(item.UTXOs), b.NumOutputs()+1, p.feeRate)
	if spent > math.MaxUint64-fee || spent+fee > item.Amount {
		keys.ReturnAll()
		return nil, fmt.Errorf("denominate: fee %d exceeds headroom", fee)
	}
	if change := item.Amount - spent - fee; change > 0 {
		b.AddOutput(change, item.Script)
	}

	t := b.Build()
	if err := p.signAndBroadcast(t); err != nil {
		keys.ReturnAll()
		return nil, err
	}
	keys.KeepAll()
	p.log.Info().
		Str("txid", t.Hash().String()).
		Int("outputs", outputs).
		Str("denominated", FormatAmount(planned)).
		Msg("Created denominated outputs")
	return t, nil
}

func (p *DenominationPlanner) signAndBroadcast(t *tx.Transaction) error {
	indices := make([]int, len(t.Inputs))
	for i := range indices {
		indices[i] = i
	}
	if err := p.wallet.SignInputs(t, indices); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := p.wallet.Broadcast(t); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

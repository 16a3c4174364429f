package mixing

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// HandleMessage processes one inbound message from a peer. Replies are
// sent after the client lock is released.
func (c *Client) HandleMessage(ctx context.Context, from PeerID, msg Message) {
	c.mu.Lock()
	outs := c.processMessage(from, msg)
	round := c.round
	c.mu.Unlock()
	c.flush(ctx, round, outs)
}

func (c *Client) processMessage(from PeerID, msg Message) []outbound {
	switch m := msg.(type) {
	case *QueueAnnounce:
		return c.handleQueue(from, m)
	case *StatusUpdate:
		c.handleStatusUpdate(from, m)
	case *FinalTx:
		return c.handleFinalTx(from, m)
	case *Complete:
		c.handleComplete(from, m)
	default:
		c.protocolError(from, fmt.Sprintf("unexpected %s message", msg.Kind()))
	}
	return nil
}

func (c *Client) isMixingPeer(id PeerID) bool {
	return c.mixingPeer != nil && c.mixingPeer.ID == id
}

func (c *Client) handleQueue(from PeerID, q *QueueAnnounce) []outbound {
	if q.Ready {
		if !c.isMixingPeer(q.Peer) {
			return nil
		}
		if c.state != StateQueue || c.sessionID == 0 {
			c.protocolError(from, fmt.Sprintf("ready queue in state %s", c.state))
			return nil
		}
		if q.Denom != c.sessionDenom {
			c.protocolError(from, "ready queue for another denomination")
			return nil
		}
		c.log.Info().Uint32("session", c.sessionID).Msg("Queue is ready, submitting entry")
		return c.submitDenominate()
	}

	now := c.clock.Now()
	if q.IsExpired(now) || !IsDenominated(q.Denom) {
		return nil
	}
	kept := c.queues[:0]
	for _, known := range c.queues {
		if known.Equal(q) {
			return nil
		}
		if !known.IsExpired(now) {
			kept = append(kept, known)
		}
	}
	c.queues = kept
	if len(c.queues) >= maxKnownQueues {
		c.queues = c.queues[1:]
	}
	c.queues = append(c.queues, *q)
	c.log.Debug().
		Str("peer", string(q.Peer)).
		Str("denom", FormatAmount(q.Denom)).
		Msg("New queue advertisement")
	return nil
}

func (c *Client) handleStatusUpdate(from PeerID, su *StatusUpdate) {
	if !c.isMixingPeer(from) {
		c.log.Debug().Str("peer", string(from)).Msg("Status update from unexpected peer")
		return
	}
	if !su.State.IsValid() {
		c.protocolError(from, fmt.Sprintf("invalid state %d", uint8(su.State)))
		return
	}
	if su.SessionID != 0 && c.sessionID != 0 && su.SessionID != c.sessionID {
		c.log.Debug().Uint32("session", su.SessionID).Msg("Status update for stale session")
		return
	}
	if su.Status == StatusAccepted && su.State == c.state {
		repeat := (su.State == StateQueue && su.SessionID == c.sessionID) ||
			(su.State == StateAcceptingEntries && su.EntriesCount == c.entriesCount)
		if repeat {
			return
		}
	}
	if !c.checkPoolStateUpdate(su) {
		c.protocolError(from, fmt.Sprintf("unexpected status update %s/%s", su.State, su.Status))
	}
}

// checkPoolStateUpdate applies a peer status update. It returns false when
// the update is not allowed in the current state.
func (c *Client) checkPoolStateUpdate(su *StatusUpdate) bool {
	if !c.state.isActive() {
		return false
	}
	c.autoDenomResult = "Mixing peer: " + su.MessageID.String()

	if su.Status == StatusRejected {
		c.log.Warn().
			Str("state", c.state.String()).
			Str("reason", su.MessageID.String()).
			Msg("Rejected by mixing peer")
		if su.MessageID.isDenominationSpecific() && c.sessionDenom != 0 {
			c.skipped[c.sessionDenom] = struct{}{}
		}
		c.failRound(su.MessageID)
		return true
	}

	if su.Status == StatusAccepted && su.State == c.state {
		switch {
		case su.State == StateQueue && c.sessionID == 0 && su.SessionID != 0:
			c.sessionID = su.SessionID
			c.lastStep = c.clock.Now()
			c.log.Info().Uint32("session", c.sessionID).Msg("Round accepted by mixing peer")
			return true
		case su.State == StateAcceptingEntries && c.entriesCount != su.EntriesCount:
			c.entriesCount = su.EntriesCount
			c.lastStep = c.clock.Now()
			// The first count change after our entry is its acceptance;
			// later ones are other participants joining.
			c.lastEntryAccepted = c.entryAwaitingAck
			if c.entryAwaitingAck {
				c.entryAwaitingAck = false
				c.log.Info().Int("entries", c.entriesCount).Msg("Entry accepted")
			} else {
				c.log.Debug().Int("entries", c.entriesCount).Msg("Entries count changed")
			}
			return true
		}
	}
	return false
}

func (c *Client) handleFinalTx(from PeerID, ft *FinalTx) []outbound {
	if !c.isMixingPeer(from) {
		c.log.Debug().Str("peer", string(from)).Msg("Final transaction from unexpected peer")
		return nil
	}
	if ft.SessionID != c.sessionID {
		c.log.Debug().Uint32("session", ft.SessionID).Msg("Final transaction for stale session")
		return nil
	}
	if c.state != StateAcceptingEntries {
		c.protocolError(from, fmt.Sprintf("final transaction in state %s", c.state))
		return nil
	}
	if ft.Tx == nil {
		c.protocolError(from, "empty final transaction")
		return nil
	}
	return c.signFinalTransaction(ft.Tx)
}

// signFinalTransaction checks that every input and output of this wallet's
// entries appears unmodified in final, then signs only its own inputs.
func (c *Client) signFinalTransaction(final *tx.Transaction) []outbound {
	inputs, outputs, err := c.verifyFinalTx(final)
	if err != nil {
		c.log.Error().Err(err).Uint32("session", c.sessionID).Msg("Final transaction failed verification")
		c.failRound(msgVerifyFailed)
		return nil
	}

	signed := final.Clone()
	if err := c.wallet.SignInputs(signed, inputs); err != nil {
		c.log.Error().Err(err).Msg("Sign final transaction")
		c.failRound(ErrInvalidTx)
		return nil
	}
	sigs := make([]SignedInput, len(inputs))
	for i, idx := range inputs {
		sigs[i] = SignedInput{Index: idx, Input: signed.Inputs[idx]}
	}

	if err := c.setState(StateSigning); err != nil {
		c.failRound(msgProtocol)
		return nil
	}
	c.finalTx = signed
	c.finalOutputs = outputs
	c.lastStep = c.clock.Now()
	c.log.Info().
		Uint32("session", c.sessionID).
		Str("txid", signed.Hash().String()).
		Int("inputs", len(inputs)).
		Msg("Signed final transaction")

	return []outbound{{
		to:  c.mixingPeer.ID,
		msg: &Signatures{SessionID: c.sessionID, Inputs: sigs},
	}}
}

// verifyFinalTx returns the indices of this wallet's inputs and outputs in
// final. Each submitted output must match a distinct final output.
func (c *Client) verifyFinalTx(final *tx.Transaction) ([]int, []int, error) {
	if len(c.entries) == 0 {
		return nil, nil, errors.New("no entry submitted")
	}
	var inputs, outputs []int
	used := make([]bool, len(final.Outputs))
	for _, e := range c.entries {
		for _, coin := range e.coins {
			i := final.InputIndex(coin.Outpoint)
			if i < 0 {
				return nil, nil, fmt.Errorf("%w: input %s missing", ErrFinalTxMismatch, coin.Outpoint)
			}
			inputs = append(inputs, i)
		}
		for _, want := range e.outputs {
			j := constantTimeOutputSearch(final.Outputs, want, used)
			if j < 0 {
				return nil, nil, fmt.Errorf("%w: output of %s missing", ErrFinalTxMismatch, FormatAmount(want.Value))
			}
			used[j] = true
			outputs = append(outputs, j)
		}
	}
	return inputs, outputs, nil
}

func outputBytes(o tx.Output) []byte {
	b := binary.LittleEndian.AppendUint64(nil, o.Value)
	b = append(b, byte(o.Script.Type))
	return append(b, o.Script.Data...)
}

// constantTimeOutputSearch finds the first unused output equal to want,
// comparing against every candidate regardless of where it matches.
func constantTimeOutputSearch(outs []tx.Output, want tx.Output, used []bool) int {
	wantBytes := outputBytes(want)
	found := -1
	for i := range outs {
		eq := subtle.ConstantTimeCompare(outputBytes(outs[i]), wantBytes)
		if eq == 1 && !used[i] && found < 0 {
			found = i
		}
	}
	return found
}

func (c *Client) handleComplete(from PeerID, m *Complete) {
	if !c.isMixingPeer(from) {
		return
	}
	if m.SessionID != c.sessionID {
		c.log.Debug().Uint32("session", m.SessionID).Msg("Completion for stale session")
		return
	}
	if c.state != StateSigning {
		c.protocolError(from, fmt.Sprintf("completion in state %s", c.state))
		return
	}
	c.completedTransaction(m.MessageID)
}

func (c *Client) completedTransaction(msgID PoolMessage) {
	if msgID != MsgSuccess {
		c.failRound(msgID)
		return
	}
	c.recordMixedRounds()
	c.releaseRound(true)
	c.lastSuccessBlock = c.blockHeight
	c.markUsed(c.mixingPeer.ID)
	_ = c.setState(StateSuccess)
	c.lastMessage = msgID.String()
	c.autoDenomResult = msgID.String()
	c.lastStep = c.clock.Now()
	roundsFinished.WithLabelValues("success").Inc()
	c.log.Info().
		Uint32("session", c.sessionID).
		Uint64("height", c.blockHeight).
		Msg("Mixing round completed")
}

// recordMixedRounds credits this wallet's outputs of the joint transaction
// with one more round than the least mixed input.
func (c *Client) recordMixedRounds() {
	if c.finalTx == nil {
		return
	}
	rounds := -1
	for _, e := range c.entries {
		for _, coin := range e.coins {
			if rounds < 0 || coin.Rounds < rounds {
				rounds = coin.Rounds
			}
		}
	}
	txid := c.finalTx.Hash()
	for _, idx := range c.finalOutputs {
		op := types.Outpoint{TxID: txid, Index: uint32(idx)}
		if err := c.wallet.SetRounds(op, rounds+1); err != nil {
			c.log.Warn().Err(err).Str("outpoint", op.String()).Msg("Record mix rounds")
		}
	}
}

// submitDenominate prepares and sends this wallet's entry once the queue
// is ready.
func (c *Client) submitDenominate() []outbound {
	if err := c.prepareDenominate(0, c.targetRounds()); err != nil {
		c.log.Warn().Err(err).Msg("Prepare entry")
		c.failRound(ErrDenom)
		return nil
	}
	return c.sendDenominate()
}

// prepareDenominate selects inputs of the session denomination with a
// round count in [minRounds, maxRounds), locks them and reserves one fresh
// output script per input.
func (c *Client) prepareDenominate(minRounds, maxRounds int) error {
	utxos, err := c.wallet.SpendableOutputs(c.cfg.MinConfirmations)
	if err != nil {
		return fmt.Errorf("list spendable outputs: %w", err)
	}
	coins := c.mixableCoins(utxos, c.sessionDenom, minRounds, maxRounds, c.exclusions())
	if len(coins) == 0 {
		return fmt.Errorf("no inputs of %s ready to mix", FormatAmount(c.sessionDenom))
	}
	if err := c.lockCoins(coins); err != nil {
		return err
	}
	outputs := make([]tx.Output, 0, len(coins))
	for range coins {
		script, err := c.keys.Reserve(c.wallet)
		if err != nil {
			c.keys.ReturnAll()
			c.unlockCoins()
			return fmt.Errorf("reserve output script: %w", err)
		}
		outputs = append(outputs, tx.Output{Value: c.sessionDenom, Script: script})
	}
	c.entries = append(c.entries, roundEntry{coins: coins, outputs: outputs})
	return nil
}

func (c *Client) sendDenominate() []outbound {
	if err := c.setState(StateAcceptingEntries); err != nil {
		c.failRound(msgProtocol)
		return nil
	}
	e := c.entries[len(c.entries)-1]
	ops := make([]types.Outpoint, len(e.coins))
	for i, coin := range e.coins {
		ops[i] = coin.Outpoint
	}
	c.lastStep = c.clock.Now()
	c.lastEntryAccepted = false
	c.entryAwaitingAck = true
	c.log.Info().
		Uint32("session", c.sessionID).
		Int("inputs", len(ops)).
		Str("denom", FormatAmount(c.sessionDenom)).
		Msg("Submitting entry")

	return []outbound{{
		to: c.mixingPeer.ID,
		msg: &Entry{
			SessionID:  c.sessionID,
			Inputs:     ops,
			Outputs:    e.outputs,
			Collateral: c.collateral,
		},
	}}
}

// protocolError records a malformed or out-of-state message. Past the
// configured budget the round is aborted.
func (c *Client) protocolError(from PeerID, reason string) {
	protocolErrors.Inc()
	if !c.state.isActive() || !c.isMixingPeer(from) {
		c.log.Debug().Str("peer", string(from)).Str("reason", reason).Msg("Discarded mixing message")
		return
	}
	c.protocolErrCount++
	c.log.Warn().
		Str("peer", string(from)).
		Str("reason", reason).
		Int("count", c.protocolErrCount).
		Msg("Discarded mixing message")
	if c.protocolErrCount > c.cfg.MaxProtocolErrors {
		c.failRound(msgProtocol)
	}
}

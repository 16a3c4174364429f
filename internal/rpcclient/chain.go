package rpcclient

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// UTXO is an unspent output as reported by a chain node.
type UTXO struct {
	Outpoint    types.Outpoint `json:"outpoint"`
	Value       uint64         `json:"value"`
	Script      types.Script   `json:"script"`
	Height      uint64         `json:"height"`
	Coinbase    bool           `json:"coinbase"`
	LockedUntil uint64         `json:"locked_until,omitempty"`
}

type chainInfo struct {
	ChainID string `json:"chain_id"`
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

type addressParam struct {
	Address string `json:"address"`
}

type utxoList struct {
	Address string  `json:"address"`
	UTXOs   []*UTXO `json:"utxos"`
}

type txSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

type txSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// Height returns the chain tip height of the node.
func (c *Client) Height() (uint64, error) {
	var info chainInfo
	if err := c.Call("chain_getInfo", nil, &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

// UTXOsByAddress lists the confirmed unspent outputs paying addr.
func (c *Client) UTXOsByAddress(addr types.Address) ([]UTXO, error) {
	var res utxoList
	if err := c.Call("utxo_getByAddress", addressParam{Address: addr.String()}, &res); err != nil {
		return nil, err
	}
	out := make([]UTXO, 0, len(res.UTXOs))
	for _, u := range res.UTXOs {
		if u != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

// SubmitTx hands a signed transaction to the node's mempool.
func (c *Client) SubmitTx(t *tx.Transaction) (types.Hash, error) {
	var res txSubmitResult
	if err := c.Call("tx_submit", txSubmitParam{Transaction: t}, &res); err != nil {
		return types.Hash{}, err
	}
	h, err := types.HexToHash(res.TxHash)
	if err != nil {
		return types.Hash{}, fmt.Errorf("decode tx hash: %w", err)
	}
	return h, nil
}

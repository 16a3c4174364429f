package rpc

import (
	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SendParam is used by wallet_send.
type SendParam struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// ── Mixing result types ─────────────────────────────────────────────────

// MixingStatusResult is returned by mixing_getStatus.
type MixingStatusResult struct {
	mixing.Status
	Message  string          `json:"message"`
	Balances mixing.Balances `json:"balances"`
	KeysLeft int             `json:"keys_left"`
}

// MixingConfigResult is returned by mixing_getConfig.
type MixingConfigResult struct {
	Enabled           bool   `json:"enabled"`
	Rounds            int    `json:"rounds"`
	Amount            uint64 `json:"amount"`
	LiquidityProvider int    `json:"liquidity_provider"`
	MultiSession      bool   `json:"multi_session"`
	AutoBackup        bool   `json:"auto_backup"`
	MinBlocksToWait   uint64 `json:"min_blocks_to_wait"`
	MaxProtocolErrors int    `json:"max_protocol_errors"`
}

// DenominateOnceResult is returned by mixing_denominateOnce.
type DenominateOnceResult struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// ToggleResult is returned by mixing_start and mixing_stop.
type ToggleResult struct {
	Enabled bool `json:"enabled"`
}

// ── Wallet result types ─────────────────────────────────────────────────

// WalletBalanceResult is returned by wallet_getBalance.
type WalletBalanceResult struct {
	wallet.Balance
	Height uint64 `json:"height"`
}

// AddressResult is returned by wallet_newAddress.
type AddressResult struct {
	Address string `json:"address"`
}

// SendResult is returned by wallet_send.
type SendResult struct {
	TxHash string `json:"tx_hash"`
}

// BackupResult is returned by wallet_backup.
type BackupResult struct {
	Path string `json:"path"`
}

// ── Network result types ────────────────────────────────────────────────

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	Mixing      bool   `json:"mixing,omitempty"`
	Mixer       bool   `json:"mixer,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

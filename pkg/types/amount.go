package types

// Coin denominations in base units.
const (
	Coin      uint64 = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin uint64 = 1_000_000_000     // 10^9
	MicroCoin uint64 = 1_000_000         // 10^6
)

// MaxMoney is the largest amount any single wallet balance may hold.
const MaxMoney = 10_000_000 * Coin

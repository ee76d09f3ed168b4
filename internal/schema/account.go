package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance describes holdings of one asset. Total always equals Free + Locked;
// construct values through NewBalance to keep the invariant.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// NewBalance builds a balance with Total derived from Free and Locked.
func NewBalance(asset string, free, locked decimal.Decimal) Balance {
	return Balance{
		Asset:  asset,
		Free:   free,
		Locked: locked,
		Total:  free.Add(locked),
	}
}

// Add merges another balance of the same asset, used when folding separate
// spot and futures ledgers into one view.
func (b Balance) Add(other Balance) Balance {
	return NewBalance(b.Asset, b.Free.Add(other.Free), b.Locked.Add(other.Locked))
}

// MergeBalances sums per-asset free/locked/total across ledgers, returning a
// deterministic, asset-keyed merge of the inputs.
func MergeBalances(ledgers ...[]Balance) []Balance {
	byAsset := make(map[string]Balance)
	order := make([]string, 0)
	for _, ledger := range ledgers {
		for _, bal := range ledger {
			if bal.Asset == "" {
				continue
			}
			if existing, ok := byAsset[bal.Asset]; ok {
				byAsset[bal.Asset] = existing.Add(bal)
				continue
			}
			byAsset[bal.Asset] = NewBalance(bal.Asset, bal.Free, bal.Locked)
			order = append(order, bal.Asset)
		}
	}
	out := make([]Balance, 0, len(order))
	for _, asset := range order {
		out = append(out, byAsset[asset])
	}
	return out
}

// PositionSide captures the direction of a futures position.
type PositionSide string

const (
	// PositionLong marks long positions.
	PositionLong PositionSide = "long"
	// PositionShort marks short positions.
	PositionShort PositionSide = "short"
)

// Position is the unified representation of a futures position. Quantity is a
// non-negative magnitude; direction lives in Side.
type Position struct {
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AccountInfo aggregates balances and account-level permissions.
type AccountInfo struct {
	Exchange    string    `json:"exchange"`
	Balances    []Balance `json:"balances"`
	CanTrade    bool      `json:"can_trade"`
	CanWithdraw bool      `json:"can_withdraw"`
	CanDeposit  bool      `json:"can_deposit"`
	UpdateTime  time.Time `json:"update_time"`
}

// Package model defines the core domain types shared across the broker engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Lot is a single simulated share held (or formerly held) by a user.
// A lot is open while ClosedAt is nil and historical once the closing
// trade sets it. For LONG lots PurchaseCost is set at open and SellCost
// at close; for SHORT lots SellCost is set at open (sell-to-open) and
// PurchaseCost at close (buy-to-cover).
type Lot struct {
	ID           string              `json:"id" db:"id"`
	UserID       string              `json:"user_id" db:"user_id"`
	Side         string              `json:"side" db:"side"` // "LONG" or "SHORT"
	Symbol       string              `json:"symbol" db:"symbol"`
	PurchaseCost decimal.NullDecimal `json:"purchase_cost" db:"purchase_cost"`
	SellCost     decimal.NullDecimal `json:"sell_cost" db:"sell_cost"`
	OpenedAt     time.Time           `json:"opened_at" db:"opened_at"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
}

// Position is an aggregate of lots sharing side, symbol, purchase cost,
// and sell cost. The full tuple is the aggregation key — two lots in the
// same symbol bought at different prices stay separate entries.
type Position struct {
	Side         string              `json:"side"`
	Symbol       string              `json:"symbol"`
	PurchaseCost decimal.NullDecimal `json:"purchase_cost"`
	SellCost     decimal.NullDecimal `json:"sell_cost"`
	Count        int64               `json:"count"`
}

// Watch is a price snapshot for a symbol a user tracks, independent of
// any position. WatchCost is the price at the time the watch was last set.
type Watch struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	WatchCost decimal.Decimal `json:"watch_cost" db:"watch_cost"`
}

// User is a ledger account: identity plus financial state. Position maps
// are keyed by ticker symbol; each symbol holds the aggregate entries for
// that symbol.
type User struct {
	ID               string                `json:"id" db:"id"`
	DisplayName      string                `json:"display_name" db:"display_name"`
	CreatedAt        time.Time             `json:"created_at" db:"created_at"`
	Balance          decimal.Decimal       `json:"balance" db:"balance"`
	Longs            map[string][]Position `json:"longs"`
	HistoricalLongs  map[string][]Position `json:"historical_longs"`
	Shorts           map[string][]Position `json:"shorts"`
	HistoricalShorts map[string][]Position `json:"historical_shorts"`
	Watches          map[string]Watch      `json:"watches"`
}

// OpenCount returns the number of open lots the user holds for symbol on
// the given side.
func (u *User) OpenCount(side, symbol string) int64 {
	group := u.Longs
	if side == SideShort {
		group = u.Shorts
	}
	var n int64
	for _, p := range group[symbol] {
		n += p.Count
	}
	return n
}

// APIUser identifies a caller authorized to perform privileged operations
// (registration, money movement, watch management, mode toggling).
type APIUser struct {
	ID          string `json:"id" db:"id"`
	APIKey      string `json:"-" db:"api_key"`
	DisplayName string `json:"display_name" db:"display_name"`
}

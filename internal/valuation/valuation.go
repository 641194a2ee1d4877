// Package valuation computes net worth from open positions and live
// prices, and enforces the liabilities-to-assets margin cap.
//
// All monetary values use shopspring/decimal — never float64 for money.
package valuation

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/quote"
)

// SymbolView is the per-symbol breakdown for one position group. Open
// groups additionally carry the current per-unit price and the group's
// mark-to-market value; historical groups only show static cost data.
type SymbolView struct {
	Name         string              `json:"name"`
	Lots         []model.Position    `json:"lots"`
	TotalCount   int64               `json:"total_count"`
	PerUnitPrice decimal.NullDecimal `json:"per_unit_price,omitempty"`
	TotalValue   decimal.NullDecimal `json:"total_value,omitempty"`
}

// Summary is the complete valuation of one user: aggregate assets and
// liabilities plus per-symbol views for all four position groups.
type Summary struct {
	Assets           decimal.Decimal       `json:"assets"`
	Liabilities      decimal.Decimal       `json:"liabilities"`
	Longs            map[string]SymbolView `json:"longs"`
	HistoricalLongs  map[string]SymbolView `json:"historical_longs"`
	Shorts           map[string]SymbolView `json:"shorts"`
	HistoricalShorts map[string]SymbolView `json:"historical_shorts"`
}

// Engine values users against a quote source.
type Engine struct {
	quotes quote.Source
}

// NewEngine creates a valuation engine.
func NewEngine(quotes quote.Source) *Engine {
	return &Engine{quotes: quotes}
}

// Value computes the user's assets, liabilities, and per-symbol views.
//
// Assets start at the cash balance; each open long symbol adds
// price * count with the running total re-rounded to 2 decimal places
// (half-up) after every addition. Liabilities accumulate open shorts the
// same way. Historical symbols join the price lookup so their views can
// be built without a second fetch, but never count toward the totals.
//
// A missing price for any required symbol fails the whole valuation;
// a missing price is never treated as zero.
func (e *Engine) Value(ctx context.Context, user *model.User) (*Summary, error) {
	symbols := unionSymbols(user.Longs, user.HistoricalLongs, user.Shorts, user.HistoricalShorts)

	quotes := make(map[string]quote.Result)
	if len(symbols) > 0 {
		var err error
		quotes, err = e.quotes.Fetch(ctx, symbols)
		if err != nil {
			return nil, fmt.Errorf("valuation: %w", err)
		}
		for _, symbol := range symbols {
			q, ok := quotes[symbol]
			if !ok {
				return nil, fmt.Errorf("valuation: no quote returned for %s", symbol)
			}
			if q.Err != nil {
				return nil, fmt.Errorf("valuation: price lookup for %s: %w", symbol, q.Err)
			}
		}
	}

	sum := &Summary{
		Assets:           user.Balance,
		Liabilities:      decimal.Zero,
		Longs:            viewGroup(user.Longs, quotes, true),
		HistoricalLongs:  viewGroup(user.HistoricalLongs, quotes, false),
		Shorts:           viewGroup(user.Shorts, quotes, true),
		HistoricalShorts: viewGroup(user.HistoricalShorts, quotes, false),
	}

	// Accumulate in sorted symbol order so the per-step rounding is
	// deterministic.
	for _, symbol := range sortedKeys(user.Longs) {
		value := quotes[symbol].Price.Mul(decimal.NewFromInt(groupCount(user.Longs[symbol])))
		sum.Assets = sum.Assets.Add(value).Round(2)
	}
	for _, symbol := range sortedKeys(user.Shorts) {
		value := quotes[symbol].Price.Mul(decimal.NewFromInt(groupCount(user.Shorts[symbol])))
		sum.Liabilities = sum.Liabilities.Add(value).Round(2)
	}

	return sum, nil
}

// viewGroup builds per-symbol views for one position group. Open groups
// carry price and mark-to-market value; the group total value is the raw
// product, deliberately not re-rounded.
func viewGroup(group map[string][]model.Position, quotes map[string]quote.Result, open bool) map[string]SymbolView {
	views := make(map[string]SymbolView, len(group))
	for symbol, positions := range group {
		view := SymbolView{
			Name:       quotes[symbol].Name,
			Lots:       positions,
			TotalCount: groupCount(positions),
		}
		if open {
			price := quotes[symbol].Price
			view.PerUnitPrice = decimal.NewNullDecimal(price)
			view.TotalValue = decimal.NewNullDecimal(price.Mul(decimal.NewFromInt(view.TotalCount)))
		}
		views[symbol] = view
	}
	return views
}

func groupCount(positions []model.Position) int64 {
	var n int64
	for _, p := range positions {
		n += p.Count
	}
	return n
}

func unionSymbols(groups ...map[string][]model.Position) []string {
	seen := make(map[string]bool)
	for _, group := range groups {
		for symbol := range group {
			seen[symbol] = true
		}
	}
	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func sortedKeys(group map[string][]model.Position) []string {
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

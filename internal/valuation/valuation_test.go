package valuation_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/quote"
	"github.com/papertrade/broker-engine/internal/valuation"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubQuotes serves fixed prices; symbols without one map to
// ErrUnknownSymbol like the real client does.
type stubQuotes struct {
	prices map[string]decimal.Decimal
	calls  int
}

func (s *stubQuotes) Fetch(_ context.Context, symbols []string) (map[string]quote.Result, error) {
	s.calls++
	out := make(map[string]quote.Result, len(symbols))
	for _, symbol := range symbols {
		price, ok := s.prices[symbol]
		if !ok {
			out[symbol] = quote.Result{Err: quote.ErrUnknownSymbol}
			continue
		}
		out[symbol] = quote.Result{Price: price, Name: symbol + " Inc"}
	}
	return out, nil
}

func openGroup(side, symbol, price string, count int64) []model.Position {
	p := model.Position{Side: side, Symbol: symbol, Count: count}
	if side == model.SideLong {
		p.PurchaseCost = decimal.NewNullDecimal(d(price))
	} else {
		p.SellCost = decimal.NewNullDecimal(d(price))
	}
	return []model.Position{p}
}

func TestValue_AssetsAndLiabilities(t *testing.T) {
	quotes := &stubQuotes{prices: map[string]decimal.Decimal{
		"AAPL": d("50"),
		"TSLA": d("200"),
	}}
	engine := valuation.NewEngine(quotes)

	user := &model.User{
		ID:      "u1",
		Balance: d("100"),
		Longs:   map[string][]model.Position{"AAPL": openGroup(model.SideLong, "AAPL", "40", 3)},
		Shorts:  map[string][]model.Position{"TSLA": openGroup(model.SideShort, "TSLA", "210", 2)},
	}

	sum, err := engine.Value(context.Background(), user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 cash + 3 * 50 long value.
	if !sum.Assets.Equal(d("250")) {
		t.Errorf("expected assets 250, got %s", sum.Assets)
	}
	// 2 * 200 open short notional at the current price, not the open price.
	if !sum.Liabilities.Equal(d("400")) {
		t.Errorf("expected liabilities 400, got %s", sum.Liabilities)
	}
	if quotes.calls != 1 {
		t.Errorf("expected a single batched fetch, got %d", quotes.calls)
	}

	view := sum.Longs["AAPL"]
	if view.TotalCount != 3 {
		t.Errorf("expected total_count 3, got %d", view.TotalCount)
	}
	if !view.PerUnitPrice.Valid || !view.PerUnitPrice.Decimal.Equal(d("50")) {
		t.Errorf("expected per-unit price 50, got %+v", view.PerUnitPrice)
	}
	if !view.TotalValue.Valid || !view.TotalValue.Decimal.Equal(d("150")) {
		t.Errorf("expected total value 150, got %+v", view.TotalValue)
	}
}

func TestValue_RoundsAfterEverySymbol(t *testing.T) {
	quotes := &stubQuotes{prices: map[string]decimal.Decimal{
		"AAA": d("10.005"),
		"BBB": d("10.005"),
	}}
	engine := valuation.NewEngine(quotes)

	user := &model.User{
		ID:      "u1",
		Balance: decimal.Zero,
		Longs: map[string][]model.Position{
			"AAA": openGroup(model.SideLong, "AAA", "10", 1),
			"BBB": openGroup(model.SideLong, "BBB", "10", 1),
		},
	}

	sum, err := engine.Value(context.Background(), user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Each step rounds half-up: 10.005 -> 10.01, then 20.015 -> 20.02.
	// A single final rounding would give 20.01 instead.
	if !sum.Assets.Equal(d("20.02")) {
		t.Errorf("expected assets 20.02, got %s", sum.Assets)
	}
}

func TestValue_MissingPriceFails(t *testing.T) {
	quotes := &stubQuotes{prices: map[string]decimal.Decimal{"AAPL": d("50")}}
	engine := valuation.NewEngine(quotes)

	user := &model.User{
		ID:      "u1",
		Balance: d("100"),
		Longs: map[string][]model.Position{
			"AAPL": openGroup(model.SideLong, "AAPL", "40", 1),
			"GONE": openGroup(model.SideLong, "GONE", "40", 1),
		},
	}

	if _, err := engine.Value(context.Background(), user); err == nil {
		t.Fatal("expected valuation to fail when a price is missing")
	}
}

func TestValue_HistoricalSymbolsDoNotCount(t *testing.T) {
	quotes := &stubQuotes{prices: map[string]decimal.Decimal{
		"AAPL": d("50"),
		"OLD":  d("999"),
	}}
	engine := valuation.NewEngine(quotes)

	closed := openGroup(model.SideLong, "OLD", "10", 5)
	closed[0].SellCost = decimal.NewNullDecimal(d("12"))

	user := &model.User{
		ID:              "u1",
		Balance:         d("100"),
		Longs:           map[string][]model.Position{"AAPL": openGroup(model.SideLong, "AAPL", "40", 1)},
		HistoricalLongs: map[string][]model.Position{"OLD": closed},
	}

	sum, err := engine.Value(context.Background(), user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.Assets.Equal(d("150")) {
		t.Errorf("closed positions must not count toward assets, got %s", sum.Assets)
	}
	view := sum.HistoricalLongs["OLD"]
	if view.TotalCount != 5 {
		t.Errorf("expected historical total_count 5, got %d", view.TotalCount)
	}
	if view.PerUnitPrice.Valid || view.TotalValue.Valid {
		t.Error("historical views must not carry a mark-to-market value")
	}
}

func TestPolicy_BoundaryIsAllowed(t *testing.T) {
	policy := valuation.NewPolicy(valuation.NewEngine(&stubQuotes{}), d("2"))
	sum := &valuation.Summary{Assets: d("100"), Liabilities: decimal.Zero}

	// (0 + 50) * 2 == 100 is exactly at the cap and allowed.
	if policy.Exceeds(sum, d("50")) {
		t.Error("liabilities exactly at the cap must be allowed")
	}
	// One cent past the boundary breaches.
	if !policy.Exceeds(sum, d("50.01")) {
		t.Error("liabilities past the cap must breach")
	}
}

func TestPolicy_ExistingLiabilitiesCount(t *testing.T) {
	policy := valuation.NewPolicy(valuation.NewEngine(&stubQuotes{}), d("2"))
	sum := &valuation.Summary{Assets: d("100"), Liabilities: d("40")}

	if policy.Exceeds(sum, d("10")) {
		t.Error("(40 + 10) * 2 = 100 is at the cap and allowed")
	}
	if !policy.Exceeds(sum, d("11")) {
		t.Error("(40 + 11) * 2 = 102 exceeds assets of 100")
	}
}

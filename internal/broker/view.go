package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/store"
	"github.com/papertrade/broker-engine/internal/valuation"
)

// UserView is the caller-facing projection of a user, annotated with a
// fresh valuation. Shallow views omit the position groups and the
// valuation; views without historical depth omit the closed groups.
type UserView struct {
	ID               string                          `json:"id"`
	DisplayName      string                          `json:"display_name"`
	CreatedAt        time.Time                       `json:"created_date"`
	Balance          decimal.Decimal                 `json:"balance"`
	Assets           *decimal.Decimal                `json:"assets,omitempty"`
	Liabilities      *decimal.Decimal                `json:"liabilities,omitempty"`
	NetWorth         *decimal.Decimal                `json:"net_worth,omitempty"`
	Longs            map[string]valuation.SymbolView `json:"longs,omitempty"`
	HistoricalLongs  map[string]valuation.SymbolView `json:"historical_longs,omitempty"`
	Shorts           map[string]valuation.SymbolView `json:"shorts,omitempty"`
	HistoricalShorts map[string]valuation.SymbolView `json:"historical_shorts,omitempty"`
	Watches          map[string]decimal.Decimal      `json:"watches"`
}

// loadUser assembles a full user from the store: identity and balance
// plus position aggregates grouped by symbol and the watch map. This is
// always a fresh read; the engine never caches user state.
func loadUser(ctx context.Context, st store.Store, id string) (*model.User, error) {
	user, err := st.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	open, err := st.OpenPositions(ctx, id)
	if err != nil {
		return nil, err
	}
	closed, err := st.HistoricalPositions(ctx, id)
	if err != nil {
		return nil, err
	}
	watches, err := st.Watches(ctx, id)
	if err != nil {
		return nil, err
	}

	user.Longs, user.Shorts = splitBySide(open)
	user.HistoricalLongs, user.HistoricalShorts = splitBySide(closed)
	user.Watches = make(map[string]model.Watch, len(watches))
	for _, w := range watches {
		user.Watches[w.Symbol] = w
	}
	return user, nil
}

// splitBySide groups aggregate positions by symbol, longs and shorts
// separately.
func splitBySide(positions []model.Position) (longs, shorts map[string][]model.Position) {
	longs = make(map[string][]model.Position)
	shorts = make(map[string][]model.Position)
	for _, p := range positions {
		if p.Side == model.SideShort {
			shorts[p.Symbol] = append(shorts[p.Symbol], p)
		} else {
			longs[p.Symbol] = append(longs[p.Symbol], p)
		}
	}
	return longs, shorts
}

// buildView projects a user and its valuation into a UserView. sum may
// be nil only for shallow views, which skip the valuation entirely.
func buildView(user *model.User, sum *valuation.Summary, shallow, historical bool) *UserView {
	view := &UserView{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
		Balance:     user.Balance,
		Watches:     make(map[string]decimal.Decimal, len(user.Watches)),
	}
	for symbol, w := range user.Watches {
		view.Watches[symbol] = w.WatchCost
	}

	if shallow || sum == nil {
		return view
	}

	assets := sum.Assets
	liabilities := sum.Liabilities
	netWorth := assets.Sub(liabilities)
	view.Assets = &assets
	view.Liabilities = &liabilities
	view.NetWorth = &netWorth
	view.Longs = sum.Longs
	view.Shorts = sum.Shorts
	if historical {
		view.HistoricalLongs = sum.HistoricalLongs
		view.HistoricalShorts = sum.HistoricalShorts
	}
	return view
}

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/metrics"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/quote"
	"github.com/papertrade/broker-engine/internal/store"
	"github.com/papertrade/broker-engine/internal/valuation"
)

// Service is the trade engine. It owns no persisted state: every
// operation reads the acting user fresh from the ledger store, validates
// against that request-scoped view, calls one atomic store mutation, and
// re-reads before answering so responses reflect exactly what was
// persisted.
//
// Live and test trading are disjoint universes backed by separate
// stores. The selector is snapshotted once at the start of each
// operation, so a concurrent toggle is never observed mid-flight.
type Service struct {
	live   store.Store
	test   store.Store
	quotes quote.Source
	engine *valuation.Engine
	policy *valuation.Policy
	wsHub  *WSHub // optional, nil disables broadcasts
	now    func() time.Time

	mu       sync.Mutex
	testMode bool
}

// NewService creates a trade engine over the live and test stores.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(live, test store.Store, quotes quote.Source, maxLiabilitiesRatio decimal.Decimal, hub *WSHub) *Service {
	engine := valuation.NewEngine(quotes)
	return &Service{
		live:   live,
		test:   test,
		quotes: quotes,
		engine: engine,
		policy: valuation.NewPolicy(engine, maxLiabilitiesRatio),
		wsHub:  hub,
		now:    time.Now,
	}
}

// SetNow overrides the engine clock. Test hook for the market-hours gate.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// snapshot returns the store routing for this operation. Read once per
// operation so the selector cannot change mid-flight.
func (s *Service) snapshot() (store.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.testMode {
		return s.test, true
	}
	return s.live, false
}

// --- Results ---

// TradeResult is the success envelope for the four trade operations.
type TradeResult struct {
	Status        string          `json:"status"`
	User          *UserView       `json:"user"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PerUnitAmount decimal.Decimal `json:"per_unit_amount"`
	Quantity      int64           `json:"quantity"`
	Symbol        string          `json:"symbol"`
}

// UserResult is the success envelope for operations returning one user.
type UserResult struct {
	Status string    `json:"status"`
	User   *UserView `json:"user"`
}

// UsersResult is the success envelope for the user listing.
type UsersResult struct {
	Status string      `json:"status"`
	Users  []*UserView `json:"user_list"`
}

// TestModeResult reports the universe selector after a toggle or query.
type TestModeResult struct {
	Status   string `json:"status"`
	TestMode bool   `json:"test_mode"`
}

// QuoteEntry is the per-symbol payload of a quote passthrough request.
type QuoteEntry struct {
	Status  string           `json:"status"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Name    string           `json:"name,omitempty"`
	Message string           `json:"message,omitempty"`
}

// QuotesResult is the success envelope for the quote passthrough.
type QuotesResult struct {
	Status string                `json:"status"`
	Quotes map[string]QuoteEntry `json:"quotes"`
}

const statusSuccess = "success"

// --- Trades ---

// BuyLong opens qty long lots of symbol at the current price, debiting
// the balance. Rejected when the market is closed, funds are short, or
// the margin cap is already breached.
func (s *Service) BuyLong(ctx context.Context, symbol string, qty int64, userID, apiKey string) (*TradeResult, error) {
	st, testMode := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, errValidation("quantity must be at least 1, got %d", qty)
	}
	if !testMode && !marketOpen(s.now()) {
		metrics.TradeRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, errRejected("no trading after hours", nil)
	}

	price, rej := s.fetchPrice(ctx, symbol)
	if rej != nil {
		return nil, rej
	}
	total := price.Mul(decimal.NewFromInt(qty)).Round(2)

	if user.Balance.LessThan(total) {
		metrics.TradeRejectionsTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, errRejected("insufficient funds", map[string]any{
			"user":            user,
			"per_unit_amount": price,
			"total_amount":    total,
			"quantity":        qty,
			"symbol":          symbol,
		})
	}

	breach, verr := s.policy.TooMuchLiability(ctx, user, decimal.Zero)
	if verr != nil {
		return nil, errUpstream("failed to value portfolio", verr)
	}
	if breach {
		metrics.TradeRejectionsTotal.WithLabelValues("margin").Inc()
		return nil, errRejected("liabilities exceed the margin cap", map[string]any{"user": user})
	}

	if err := st.BuyLong(ctx, userID, symbol, price, qty, apiKey); err != nil {
		return nil, s.storeFailure("buying stocks", err)
	}
	return s.tradeResult(ctx, st, "buy_long", userID, symbol, price, total, qty)
}

// SellLong closes qty open long lots of symbol at the current price,
// crediting the balance. Closing trades are never margin-checked.
func (s *Service) SellLong(ctx context.Context, symbol string, qty int64, userID, apiKey string) (*TradeResult, error) {
	st, testMode := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, errValidation("quantity must be at least 1, got %d", qty)
	}
	if !testMode && !marketOpen(s.now()) {
		metrics.TradeRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, errRejected("no trading after hours", nil)
	}

	price, rej := s.fetchPrice(ctx, symbol)
	if rej != nil {
		return nil, rej
	}
	total := price.Mul(decimal.NewFromInt(qty)).Round(2)

	if user.OpenCount(model.SideLong, symbol) < qty {
		metrics.TradeRejectionsTotal.WithLabelValues("insufficient_position").Inc()
		return nil, errRejected("insufficient stocks", map[string]any{
			"user":     user,
			"quantity": qty,
			"symbol":   symbol,
		})
	}

	if err := st.SellLong(ctx, userID, symbol, price, qty, apiKey); err != nil {
		return nil, s.storeFailure("selling stocks", err)
	}
	return s.tradeResult(ctx, st, "sell_long", userID, symbol, price, total, qty)
}

// SellShort opens qty short lots of symbol at the current price. The
// prospective notional counts as additional liability for the margin
// check before the position exists.
func (s *Service) SellShort(ctx context.Context, symbol string, qty int64, userID, apiKey string) (*TradeResult, error) {
	st, testMode := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, errValidation("quantity must be at least 1, got %d", qty)
	}
	if !testMode && !marketOpen(s.now()) {
		metrics.TradeRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, errRejected("no trading after hours", nil)
	}

	price, rej := s.fetchPrice(ctx, symbol)
	if rej != nil {
		return nil, rej
	}
	total := price.Mul(decimal.NewFromInt(qty)).Round(2)

	breach, verr := s.policy.TooMuchLiability(ctx, user, total)
	if verr != nil {
		return nil, errUpstream("failed to value portfolio", verr)
	}
	if breach {
		metrics.TradeRejectionsTotal.WithLabelValues("margin").Inc()
		return nil, errRejected("short would exceed the margin cap", map[string]any{
			"user":         user,
			"total_amount": total,
			"quantity":     qty,
			"symbol":       symbol,
		})
	}

	if err := st.SellShort(ctx, userID, symbol, price, qty, apiKey); err != nil {
		return nil, s.storeFailure("shorting stocks", err)
	}
	return s.tradeResult(ctx, st, "sell_short", userID, symbol, price, total, qty)
}

// BuyShort covers qty open short lots of symbol at the current price,
// debiting the balance by the cover cost.
func (s *Service) BuyShort(ctx context.Context, symbol string, qty int64, userID, apiKey string) (*TradeResult, error) {
	st, testMode := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, errValidation("quantity must be at least 1, got %d", qty)
	}
	if !testMode && !marketOpen(s.now()) {
		metrics.TradeRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, errRejected("no trading after hours", nil)
	}

	price, rej := s.fetchPrice(ctx, symbol)
	if rej != nil {
		return nil, rej
	}
	total := price.Mul(decimal.NewFromInt(qty)).Round(2)

	if user.Balance.LessThan(total) {
		metrics.TradeRejectionsTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, errRejected("insufficient funds to cover", map[string]any{
			"user":            user,
			"per_unit_amount": price,
			"total_amount":    total,
			"quantity":        qty,
			"symbol":          symbol,
		})
	}
	if user.OpenCount(model.SideShort, symbol) < qty {
		metrics.TradeRejectionsTotal.WithLabelValues("insufficient_position").Inc()
		return nil, errRejected("insufficient open shorts", map[string]any{
			"user":     user,
			"quantity": qty,
			"symbol":   symbol,
		})
	}

	if err := st.BuyShort(ctx, userID, symbol, price, qty, apiKey); err != nil {
		return nil, s.storeFailure("covering shorts", err)
	}
	return s.tradeResult(ctx, st, "buy_short", userID, symbol, price, total, qty)
}

// --- Money movement ---

// Deposit credits the user's balance with an audit reason.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reason, apiKey string) (*UserResult, error) {
	st, _ := s.snapshot()

	if _, err := s.resolveUser(ctx, st, userID); err != nil {
		return nil, err
	}
	if err := st.GiveMoney(ctx, userID, amount, reason, apiKey); err != nil {
		return nil, s.storeFailure("deposit", err)
	}

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}
	slog.Info("deposit", "user", userID, "amount", amount.String(), "reason", reason)
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// Withdraw debits the user's balance with an audit reason. Rejected when
// the balance cannot cover the amount.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reason, apiKey string) (*UserResult, error) {
	st, _ := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(amount) {
		return nil, errRejected("insufficient cash to withdraw", map[string]any{"user": user})
	}
	if err := st.GiveMoney(ctx, userID, amount.Neg(), reason, apiKey); err != nil {
		return nil, s.storeFailure("withdraw", err)
	}

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}
	slog.Info("withdraw", "user", userID, "amount", amount.String(), "reason", reason)
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// --- Registration and queries ---

// RegisterUser creates a new user with a zero balance. The only
// operation that requires the user to not already exist.
func (s *Service) RegisterUser(ctx context.Context, userID, displayName, apiKey string) (*UserResult, error) {
	st, _ := s.snapshot()

	switch _, err := st.GetUser(ctx, userID); {
	case err == nil:
		return nil, errRejected("user with id "+userID+" already exists", nil)
	case !errors.Is(err, store.ErrNotFound):
		return nil, errUpstream("failed to check existing user", err)
	}

	if err := st.CreateUser(ctx, userID, displayName, apiKey); err != nil {
		return nil, s.storeFailure("user creation", err)
	}

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}
	slog.Info("user registered", "user", userID, "display_name", displayName)
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// GetUserInfo returns one user's view. Shallow views skip positions and
// valuation; historical controls whether closed groups are included.
func (s *Service) GetUserInfo(ctx context.Context, userID string, shallow, historical bool) (*UserResult, error) {
	st, _ := s.snapshot()

	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	view, verr := s.viewOf(ctx, user, shallow, historical)
	if verr != nil {
		return nil, verr
	}
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// ListUsers returns views for every user in the current universe.
func (s *Service) ListUsers(ctx context.Context, shallow, historical bool) (*UsersResult, error) {
	st, _ := s.snapshot()

	ids, err := st.ListUserIDs(ctx)
	if err != nil {
		return nil, errUpstream("failed to list users", err)
	}

	views := make([]*UserView, 0, len(ids))
	for _, id := range ids {
		user, err := loadUser(ctx, st, id)
		if err != nil {
			return nil, errUpstream("failed to load user "+id, err)
		}
		view, verr := s.viewOf(ctx, user, shallow, historical)
		if verr != nil {
			return nil, verr
		}
		views = append(views, view)
	}
	return &UsersResult{Status: statusSuccess, Users: views}, nil
}

// StockInfo is the quote passthrough: per-symbol price/name or error.
func (s *Service) StockInfo(ctx context.Context, symbols []string) (*QuotesResult, error) {
	results, err := s.quotes.Fetch(ctx, symbols)
	if err != nil {
		return nil, errUpstream("failed to fetch quotes", err)
	}

	entries := make(map[string]QuoteEntry, len(results))
	for symbol, r := range results {
		if r.Err != nil {
			entries[symbol] = QuoteEntry{Status: "error", Message: r.Err.Error()}
			continue
		}
		price := r.Price
		entries[symbol] = QuoteEntry{Status: statusSuccess, Price: &price, Name: r.Name}
	}
	return &QuotesResult{Status: statusSuccess, Quotes: entries}, nil
}

// --- Watches ---

// SetWatch upserts a watch for symbol at the current price.
func (s *Service) SetWatch(ctx context.Context, userID, symbol, apiKey string) (*UserResult, error) {
	st, _ := s.snapshot()

	if aerr := s.checkAPIKey(ctx, apiKey); aerr != nil {
		return nil, aerr
	}
	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	price, rej := s.fetchPrice(ctx, symbol)
	if rej != nil {
		return nil, rej
	}

	var werr error
	if _, ok := user.Watches[symbol]; ok {
		werr = st.UpdateWatch(ctx, userID, symbol, price)
	} else {
		werr = st.CreateWatch(ctx, userID, symbol, price)
	}
	if werr != nil {
		return nil, s.storeFailure("watch update", werr)
	}

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:   "watch_updated",
			UserID: userID,
			Symbol: symbol,
			Price:  price.String(),
		})
	}
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// RemoveWatch deletes the user's watch for symbol.
func (s *Service) RemoveWatch(ctx context.Context, userID, symbol, apiKey string) (*UserResult, error) {
	st, _ := s.snapshot()

	if aerr := s.checkAPIKey(ctx, apiKey); aerr != nil {
		return nil, aerr
	}
	user, err := s.resolveUser(ctx, st, userID)
	if err != nil {
		return nil, err
	}
	if _, ok := user.Watches[symbol]; !ok {
		return nil, errRejected("no watch for symbol "+symbol, map[string]any{"user": user})
	}
	if err := st.RemoveWatch(ctx, userID, symbol); err != nil {
		return nil, s.storeFailure("watch removal", err)
	}

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}
	return &UserResult{Status: statusSuccess, User: view}, nil
}

// --- Test mode ---

// ToggleTestMode flips routing between the live and test universes.
// Process-wide: every subsequent operation observes the new mode.
func (s *Service) ToggleTestMode(ctx context.Context, apiKey string) (*TestModeResult, error) {
	if aerr := s.checkAPIKey(ctx, apiKey); aerr != nil {
		return nil, aerr
	}

	s.mu.Lock()
	s.testMode = !s.testMode
	mode := s.testMode
	s.mu.Unlock()

	slog.Info("test mode toggled", "test_mode", mode)
	return &TestModeResult{Status: statusSuccess, TestMode: mode}, nil
}

// TestMode reports the current universe selector.
func (s *Service) TestMode() *TestModeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &TestModeResult{Status: statusSuccess, TestMode: s.testMode}
}

// --- Helpers ---

// resolveUser loads the acting user's full fresh state, mapping a
// missing id to the terminal invalid-user failure.
func (s *Service) resolveUser(ctx context.Context, st store.Store, userID string) (*model.User, *Error) {
	user, err := loadUser(ctx, st, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound("invalid user_id: %s", userID)
	}
	if err != nil {
		return nil, errUpstream("failed to load user", err)
	}
	return user, nil
}

// fetchPrice looks up one symbol. A batch failure is an upstream error;
// an unknown symbol is a rejection for just this request.
func (s *Service) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, *Error) {
	results, err := s.quotes.Fetch(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, errUpstream("failed getting stock value", err)
	}
	r, ok := results[symbol]
	if !ok {
		return decimal.Zero, errUpstream("symbol "+symbol+" missing from quote response", nil)
	}
	if r.Err != nil {
		if errors.Is(r.Err, quote.ErrUnknownSymbol) {
			return decimal.Zero, errRejected("unknown symbol: "+symbol, nil)
		}
		return decimal.Zero, errUpstream("failed getting stock value for "+symbol, r.Err)
	}
	return r.Price, nil
}

// checkAPIKey validates the caller's key against the live store, where
// API users are registered. An invalid key is a rejection, not a server
// error.
func (s *Service) checkAPIKey(ctx context.Context, apiKey string) *Error {
	_, err := s.live.GetAPIUser(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return errAuth("invalid api_key")
	}
	if err != nil {
		return errUpstream("failed to check api key", err)
	}
	return nil
}

// storeFailure maps a store mutation error to the failure taxonomy. The
// unauthorized case means the backend rejected the mutation outright.
func (s *Service) storeFailure(op string, err error) *Error {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return errAuth(op + " failed, ensure you have a valid API key")
	case errors.Is(err, store.ErrNotFound):
		return errNotFound("%s failed: unknown user", op)
	case errors.Is(err, store.ErrExists):
		return errRejected(op+" failed: already exists", nil)
	case errors.Is(err, store.ErrInsufficientFunds):
		return errRejected("insufficient funds", nil)
	case errors.Is(err, store.ErrInsufficientPosition):
		return errRejected("insufficient open position", nil)
	default:
		slog.Error("store mutation failed", "op", op, "err", err)
		return errUpstream(op+" failed", err)
	}
}

// refreshedView re-reads and re-values the user after a successful
// mutation. A failure here means persisted state and the returned view
// may have diverged, so it is logged distinctly from pre-mutation
// failures.
func (s *Service) refreshedView(ctx context.Context, st store.Store, userID string) (*UserView, *Error) {
	user, err := loadUser(ctx, st, userID)
	if err != nil {
		slog.Error("post-mutation user reload failed, state may have diverged",
			"user", userID, "err", err)
		return nil, errUpstream("failed to reload user after update", err)
	}
	sum, err := s.engine.Value(ctx, user)
	if err != nil {
		slog.Error("post-mutation valuation failed, state may have diverged",
			"user", userID, "err", err)
		return nil, errUpstream("failed to value user after update", err)
	}
	return buildView(user, sum, false, true), nil
}

// viewOf builds a read-only view, skipping valuation for shallow views.
func (s *Service) viewOf(ctx context.Context, user *model.User, shallow, historical bool) (*UserView, *Error) {
	if shallow {
		return buildView(user, nil, true, historical), nil
	}
	sum, err := s.engine.Value(ctx, user)
	if err != nil {
		return nil, errUpstream("failed to value portfolio", err)
	}
	return buildView(user, sum, false, historical), nil
}

// tradeResult finishes a successful trade: metrics, fresh view, log,
// broadcast, envelope.
func (s *Service) tradeResult(ctx context.Context, st store.Store, action, userID, symbol string, price, total decimal.Decimal, qty int64) (*TradeResult, error) {
	metrics.TradesTotal.WithLabelValues(action).Inc()

	view, rerr := s.refreshedView(ctx, st, userID)
	if rerr != nil {
		return nil, rerr
	}

	slog.Info("trade executed",
		"action", action,
		"user", userID,
		"symbol", symbol,
		"qty", qty,
		"per_unit", price.String(),
		"total", total.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			UserID:   userID,
			Symbol:   symbol,
			Action:   action,
			Quantity: qty,
			Price:    price.String(),
		})
	}

	return &TradeResult{
		Status:        statusSuccess,
		User:          view,
		TotalAmount:   total,
		PerUnitAmount: price,
		Quantity:      qty,
		Symbol:        symbol,
	}, nil
}

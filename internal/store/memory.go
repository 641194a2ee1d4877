package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// as the sandbox (test-universe) store. Not suitable for production
// (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*memUser
	apiUsers map[string]model.APIUser // keyed by api key
	cashLog  []cashEvent
}

type memUser struct {
	user    model.User
	lots    []*model.Lot
	watches map[string]model.Watch
}

type cashEvent struct {
	UserID    string
	Amount    decimal.Decimal
	Reason    string
	APIUserID string
	At        time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*memUser),
		apiUsers: make(map[string]model.APIUser),
	}
}

// PutAPIUser registers an API user directly. Seeding helper for tests
// and for the sandbox universe; not part of the Store interface.
func (s *MemoryStore) PutAPIUser(u model.APIUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiUsers[u.APIKey] = u
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mu, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := mu.user
	return &u, nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetAPIUser(_ context.Context, apiKey string) (*model.APIUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.apiUsers[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, id, displayName, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiUsers[apiKey]; !ok {
		return ErrUnauthorized
	}
	if _, ok := s.users[id]; ok {
		return ErrExists
	}
	s.users[id] = &memUser{
		user: model.User{
			ID:          id,
			DisplayName: displayName,
			CreatedAt:   time.Now().UTC(),
			Balance:     decimal.Zero,
		},
		watches: make(map[string]model.Watch),
	}
	return nil
}

func (s *MemoryStore) GiveMoney(_ context.Context, userID string, amount decimal.Decimal, reason, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	api, ok := s.apiUsers[apiKey]
	if !ok {
		return ErrUnauthorized
	}
	mu, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	next := mu.user.Balance.Add(amount)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	mu.user.Balance = next
	s.cashLog = append(s.cashLog, cashEvent{
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		APIUserID: api.ID,
		At:        time.Now().UTC(),
	})
	return nil
}

// --- Trades ---

func (s *MemoryStore) BuyLong(_ context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, err := s.checkMutation(userID, apiKey)
	if err != nil {
		return err
	}
	cost := price.Mul(decimal.NewFromInt(qty)).Round(2)
	if mu.user.Balance.LessThan(cost) {
		return ErrInsufficientFunds
	}

	now := time.Now().UTC()
	for i := int64(0); i < qty; i++ {
		mu.lots = append(mu.lots, &model.Lot{
			ID:           uuid.New().String(),
			UserID:       userID,
			Side:         model.SideLong,
			Symbol:       symbol,
			PurchaseCost: decimal.NewNullDecimal(price),
			OpenedAt:     now,
		})
	}
	mu.user.Balance = mu.user.Balance.Sub(cost)
	return nil
}

func (s *MemoryStore) SellLong(_ context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, err := s.checkMutation(userID, apiKey)
	if err != nil {
		return err
	}
	open := openLots(mu.lots, model.SideLong, symbol)
	if int64(len(open)) < qty {
		return ErrInsufficientPosition
	}

	now := time.Now().UTC()
	for _, lot := range open[:qty] {
		lot.SellCost = decimal.NewNullDecimal(price)
		lot.ClosedAt = &now
	}
	proceeds := price.Mul(decimal.NewFromInt(qty)).Round(2)
	mu.user.Balance = mu.user.Balance.Add(proceeds)
	return nil
}

func (s *MemoryStore) SellShort(_ context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, err := s.checkMutation(userID, apiKey)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := int64(0); i < qty; i++ {
		mu.lots = append(mu.lots, &model.Lot{
			ID:       uuid.New().String(),
			UserID:   userID,
			Side:     model.SideShort,
			Symbol:   symbol,
			SellCost: decimal.NewNullDecimal(price),
			OpenedAt: now,
		})
	}
	return nil
}

func (s *MemoryStore) BuyShort(_ context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, err := s.checkMutation(userID, apiKey)
	if err != nil {
		return err
	}
	open := openLots(mu.lots, model.SideShort, symbol)
	if int64(len(open)) < qty {
		return ErrInsufficientPosition
	}
	cost := price.Mul(decimal.NewFromInt(qty)).Round(2)
	if mu.user.Balance.LessThan(cost) {
		return ErrInsufficientFunds
	}

	now := time.Now().UTC()
	for _, lot := range open[:qty] {
		lot.PurchaseCost = decimal.NewNullDecimal(price)
		lot.ClosedAt = &now
	}
	mu.user.Balance = mu.user.Balance.Sub(cost)
	return nil
}

// --- Aggregate position queries ---

func (s *MemoryStore) OpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.positions(userID, false)
}

func (s *MemoryStore) HistoricalPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.positions(userID, true)
}

func (s *MemoryStore) positions(userID string, historical bool) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mu, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}

	type aggKey struct {
		side, symbol, purchase, sell string
	}
	agg := make(map[aggKey]*model.Position)
	var order []aggKey

	for _, lot := range mu.lots {
		if (lot.ClosedAt != nil) != historical {
			continue
		}
		key := aggKey{
			side:     lot.Side,
			symbol:   lot.Symbol,
			purchase: nullDecimalKey(lot.PurchaseCost),
			sell:     nullDecimalKey(lot.SellCost),
		}
		p, ok := agg[key]
		if !ok {
			p = &model.Position{
				Side:         lot.Side,
				Symbol:       lot.Symbol,
				PurchaseCost: lot.PurchaseCost,
				SellCost:     lot.SellCost,
			}
			agg[key] = p
			order = append(order, key)
		}
		p.Count++
	}

	positions := make([]model.Position, 0, len(order))
	for _, key := range order {
		positions = append(positions, *agg[key])
	}
	return positions, nil
}

// --- Watches ---

func (s *MemoryStore) Watches(_ context.Context, userID string) ([]model.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mu, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	watches := make([]model.Watch, 0, len(mu.watches))
	for _, w := range mu.watches {
		watches = append(watches, w)
	}
	sort.Slice(watches, func(i, j int) bool { return watches[i].Symbol < watches[j].Symbol })
	return watches, nil
}

func (s *MemoryStore) CreateWatch(_ context.Context, userID, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := mu.watches[symbol]; ok {
		return ErrExists
	}
	mu.watches[symbol] = model.Watch{
		ID:        uuid.New().String(),
		UserID:    userID,
		Symbol:    symbol,
		WatchCost: price,
	}
	return nil
}

func (s *MemoryStore) UpdateWatch(_ context.Context, userID, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	w, ok := mu.watches[symbol]
	if !ok {
		return ErrNotFound
	}
	w.WatchCost = price
	mu.watches[symbol] = w
	return nil
}

func (s *MemoryStore) RemoveWatch(_ context.Context, userID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := mu.watches[symbol]; !ok {
		return ErrNotFound
	}
	delete(mu.watches, symbol)
	return nil
}

// --- Helpers ---

func (s *MemoryStore) checkMutation(userID, apiKey string) (*memUser, error) {
	if _, ok := s.apiUsers[apiKey]; !ok {
		return nil, ErrUnauthorized
	}
	mu, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return mu, nil
}

// openLots returns the open lots for side+symbol, oldest first.
func openLots(lots []*model.Lot, side, symbol string) []*model.Lot {
	var open []*model.Lot
	for _, lot := range lots {
		if lot.ClosedAt == nil && lot.Side == side && lot.Symbol == symbol {
			open = append(open, lot)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].OpenedAt.Before(open[j].OpenedAt) })
	return open
}

func nullDecimalKey(d decimal.NullDecimal) string {
	if !d.Valid {
		return "<nil>"
	}
	return d.Decimal.String()
}

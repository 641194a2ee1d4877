// Package store defines the ledger persistence interface for the broker
// engine. Implementations include PostgreSQL (source of truth) and
// in-memory (testing and the sandbox trading universe).
//
// Every mutation is atomic: it validates its own preconditions against
// current state inside the same transaction (or lock) that applies the
// change, so two concurrent calls can never both pass a balance or
// position check against stale reads.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

var (
	// ErrNotFound is returned when a user, API user, or watch does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnauthorized is returned by mutations when the supplied API key
	// is not a registered API user. Distinct from a validation failure.
	ErrUnauthorized = errors.New("store: api key rejected")

	// ErrExists is returned when creating a user or watch that already exists.
	ErrExists = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a debit would overdraw the balance.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInsufficientPosition is returned when a closing trade asks for
	// more open lots than the user holds.
	ErrInsufficientPosition = errors.New("store: insufficient open position")
)

// Store is the ledger persistence interface. All mutating calls take the
// acting API key and fail with ErrUnauthorized when it is unknown.
type Store interface {
	// --- Users ---

	// GetUser retrieves a user's identity and balance. Position and
	// watch maps are left empty; callers assemble them from the
	// aggregate queries below.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUserIDs returns every user id in this universe.
	ListUserIDs(ctx context.Context) ([]string, error)

	// GetAPIUser resolves an API key to its API user.
	GetAPIUser(ctx context.Context, apiKey string) (*model.APIUser, error)

	// CreateUser creates a user with a zero balance.
	CreateUser(ctx context.Context, id, displayName, apiKey string) error

	// GiveMoney credits (or, with a negative amount, debits) a user's
	// balance and records the audit reason.
	GiveMoney(ctx context.Context, userID string, amount decimal.Decimal, reason, apiKey string) error

	// --- Trades ---
	// All trade amounts debit or credit price*qty rounded to 2 decimal
	// places.

	// BuyLong opens qty long lots at price and debits the balance.
	BuyLong(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error

	// SellLong closes qty open long lots at price and credits the balance.
	SellLong(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error

	// SellShort opens qty short lots at price. No cash moves until cover.
	SellShort(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error

	// BuyShort closes (covers) qty open short lots at price and debits
	// the balance by the cover cost.
	BuyShort(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error

	// --- Aggregate position queries ---
	// Positions are grouped by (side, symbol, purchase cost, sell cost)
	// with a count, split open vs. historical by the closing timestamp.

	// OpenPositions returns the user's open aggregates, both sides.
	OpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// HistoricalPositions returns the user's closed aggregates, both sides.
	HistoricalPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Watches ---

	// Watches returns the user's watches.
	Watches(ctx context.Context, userID string) ([]model.Watch, error)

	// CreateWatch records a new watch at the given price.
	CreateWatch(ctx context.Context, userID, symbol string, price decimal.Decimal) error

	// UpdateWatch re-snapshots an existing watch at the given price.
	UpdateWatch(ctx context.Context, userID, symbol string, price decimal.Decimal) error

	// RemoveWatch deletes a watch.
	RemoveWatch(ctx context.Context, userID, symbol string) error
}

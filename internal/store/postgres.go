package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Every mutation runs in one transaction that locks the user row with
// SELECT ... FOR UPDATE, so balance and position checks are re-evaluated
// atomically with the change they guard.
//
// Tables: broker_users, broker_api_users, broker_lots, broker_watches,
// broker_cash_events. Lots are one row per share; closed_at IS NULL marks
// an open lot.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at, balance::TEXT
		 FROM broker_users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM broker_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetAPIUser(ctx context.Context, apiKey string) (*model.APIUser, error) {
	var u model.APIUser
	err := s.pool.QueryRow(ctx,
		`SELECT id, api_key, display_name FROM broker_api_users WHERE api_key = $1`, apiKey).
		Scan(&u.ID, &u.APIKey, &u.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, id, displayName, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, _ string) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM broker_users WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrExists
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO broker_users (id, display_name, created_at, balance)
			 VALUES ($1, $2, NOW(), 0::NUMERIC)`, id, displayName)
		return err
	})
}

func (s *PostgresStore) GiveMoney(ctx context.Context, userID string, amount decimal.Decimal, reason, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, apiUserID string) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		next := balance.Add(amount)
		if next.IsNegative() {
			return ErrInsufficientFunds
		}
		if err := setBalance(ctx, tx, userID, next); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO broker_cash_events (id, user_id, amount, reason, api_user_id, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, NOW())`,
			uuid.New().String(), userID, amount.String(), reason, apiUserID)
		return err
	})
}

// --- Trades ---

func (s *PostgresStore) BuyLong(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, _ string) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		cost := price.Mul(decimal.NewFromInt(qty)).Round(2)
		if balance.LessThan(cost) {
			return ErrInsufficientFunds
		}
		if err := insertLots(ctx, tx, userID, model.SideLong, symbol, price, qty); err != nil {
			return err
		}
		return setBalance(ctx, tx, userID, balance.Sub(cost))
	})
}

func (s *PostgresStore) SellLong(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, _ string) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		closed, err := closeLots(ctx, tx, userID, model.SideLong, symbol, price, qty)
		if err != nil {
			return err
		}
		if closed < qty {
			return ErrInsufficientPosition
		}
		proceeds := price.Mul(decimal.NewFromInt(qty)).Round(2)
		return setBalance(ctx, tx, userID, balance.Add(proceeds))
	})
}

func (s *PostgresStore) SellShort(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, _ string) error {
		if _, err := lockBalance(ctx, tx, userID); err != nil {
			return err
		}
		return insertLots(ctx, tx, userID, model.SideShort, symbol, price, qty)
	})
}

func (s *PostgresStore) BuyShort(ctx context.Context, userID, symbol string, price decimal.Decimal, qty int64, apiKey string) error {
	return s.mutate(ctx, apiKey, func(tx pgx.Tx, _ string) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		cost := price.Mul(decimal.NewFromInt(qty)).Round(2)
		if balance.LessThan(cost) {
			return ErrInsufficientFunds
		}
		closed, err := closeLots(ctx, tx, userID, model.SideShort, symbol, price, qty)
		if err != nil {
			return err
		}
		if closed < qty {
			return ErrInsufficientPosition
		}
		return setBalance(ctx, tx, userID, balance.Sub(cost))
	})
}

// --- Aggregate position queries ---

func (s *PostgresStore) OpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.positions(ctx, userID, false)
}

func (s *PostgresStore) HistoricalPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.positions(ctx, userID, true)
}

func (s *PostgresStore) positions(ctx context.Context, userID string, historical bool) ([]model.Position, error) {
	cond := "closed_at IS NULL"
	if historical {
		cond = "closed_at IS NOT NULL"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT side, symbol, purchase_cost::TEXT, sell_cost::TEXT, COUNT(*)
		 FROM broker_lots
		 WHERE user_id = $1 AND `+cond+`
		 GROUP BY side, symbol, purchase_cost, sell_cost
		 ORDER BY symbol, side`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var purchase, sell *string
		if err := rows.Scan(&p.Side, &p.Symbol, &purchase, &sell, &p.Count); err != nil {
			return nil, err
		}
		p.PurchaseCost = scanNullDecimal(purchase)
		p.SellCost = scanNullDecimal(sell)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Watches ---

func (s *PostgresStore) Watches(ctx context.Context, userID string) ([]model.Watch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, watch_cost::TEXT
		 FROM broker_watches WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var watches []model.Watch
	for rows.Next() {
		var w model.Watch
		var cost string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Symbol, &cost); err != nil {
			return nil, err
		}
		w.WatchCost, _ = decimal.NewFromString(cost)
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

func (s *PostgresStore) CreateWatch(ctx context.Context, userID, symbol string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO broker_watches (id, user_id, symbol, watch_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, symbol) DO NOTHING`,
		uuid.New().String(), userID, symbol, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) UpdateWatch(ctx context.Context, userID, symbol string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broker_watches SET watch_cost = $3::NUMERIC
		 WHERE user_id = $1 AND symbol = $2`,
		userID, symbol, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RemoveWatch(ctx context.Context, userID, symbol string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM broker_watches WHERE user_id = $1 AND symbol = $2`,
		userID, symbol)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Transaction helpers ---

// mutate runs fn in a transaction after resolving the API key. A missing
// key aborts with ErrUnauthorized before any change is attempted.
func (s *PostgresStore) mutate(ctx context.Context, apiKey string, fn func(tx pgx.Tx, apiUserID string) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var apiUserID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM broker_api_users WHERE api_key = $1`, apiKey).Scan(&apiUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("check api key: %w", err)
	}

	if err := fn(tx, apiUserID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockBalance locks the user row for the rest of the transaction and
// returns the current balance.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM broker_users WHERE id = $1 FOR UPDATE`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock user %s: %w", userID, err)
	}
	balance, _ := decimal.NewFromString(raw)
	return balance, nil
}

func setBalance(ctx context.Context, tx pgx.Tx, userID string, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE broker_users SET balance = $2::NUMERIC WHERE id = $1`,
		userID, balance.String())
	return err
}

// insertLots opens qty lots, one row per share. The open-side cost column
// depends on the side: purchase for longs, sell for shorts.
func insertLots(ctx context.Context, tx pgx.Tx, userID, side, symbol string, price decimal.Decimal, qty int64) error {
	col := "purchase_cost"
	if side == model.SideShort {
		col = "sell_cost"
	}
	for i := int64(0); i < qty; i++ {
		_, err := tx.Exec(ctx,
			`INSERT INTO broker_lots (id, user_id, side, symbol, `+col+`, opened_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, NOW())`,
			uuid.New().String(), userID, side, symbol, price.String())
		if err != nil {
			return err
		}
	}
	return nil
}

// closeLots closes up to qty open lots oldest-first and returns how many
// it actually closed. Callers treat closed < qty as insufficient position
// and roll back.
func closeLots(ctx context.Context, tx pgx.Tx, userID, side, symbol string, price decimal.Decimal, qty int64) (int64, error) {
	col := "sell_cost"
	if side == model.SideShort {
		col = "purchase_cost"
	}
	tag, err := tx.Exec(ctx,
		`UPDATE broker_lots SET `+col+` = $4::NUMERIC, closed_at = NOW()
		 WHERE id IN (
			SELECT id FROM broker_lots
			WHERE user_id = $1 AND side = $2 AND symbol = $3 AND closed_at IS NULL
			ORDER BY opened_at
			LIMIT $5
		 )`,
		userID, side, symbol, price.String(), qty)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanNullDecimal(raw *string) decimal.NullDecimal {
	if raw == nil {
		return decimal.NullDecimal{}
	}
	d, _ := decimal.NewFromString(*raw)
	return decimal.NewNullDecimal(d)
}

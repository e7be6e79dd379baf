package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies a schema file. The statements are idempotent.
func (db *DB) Migrate(ctx context.Context, path string) error {
	schema, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", path, err)
	}
	return nil
}

// CreateAccount stores the bcrypt hash of an owner's API key.
func (db *DB) CreateAccount(ctx context.Context, owner, keyHash string) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO accounts (owner, key_hash) VALUES ($1, $2)", owner, keyHash)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("account %s: %w", owner, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// AccountKeyHash returns the stored key hash for owner.
func (db *DB) AccountKeyHash(ctx context.Context, owner string) (string, error) {
	var hash string
	err := db.Pool.QueryRow(ctx, "SELECT key_hash FROM accounts WHERE owner = $1", owner).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("account %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account: %w", err)
	}
	return hash, nil
}

type OrderRow struct {
	ID        models.OrderID `json:"id"`
	Currency  string         `json:"currency"`
	Maturity  time.Time      `json:"maturity"`
	Owner     string         `json:"owner"`
	Side      string         `json:"side"`
	Rate      int64          `json:"rate"`
	Amount    int64          `json:"amount"`
	Remaining int64          `json:"remaining"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// OwnerOrders returns an owner's orders, newest first.
func (db *DB) OwnerOrders(ctx context.Context, owner string, limit int) ([]OrderRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, currency, maturity, owner, side, rate, amount, remaining, status, created_at
		FROM orders
		WHERE owner = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(&o.ID, &o.Currency, &o.Maturity, &o.Owner, &o.Side,
			&o.Rate, &o.Amount, &o.Remaining, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type TradeRow struct {
	Seq          uint64          `json:"seq"`
	Currency     string          `json:"currency"`
	Maturity     time.Time       `json:"maturity"`
	MakerOrderID models.OrderID  `json:"maker_order_id"`
	Lender       string          `json:"lender"`
	Borrower     string          `json:"borrower"`
	Rate         int64           `json:"rate"`
	Amount       int64           `json:"amount"`
	FutureValue  decimal.Decimal `json:"future_value"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// OwnerTrades returns the trades an owner was on either side of, newest first.
func (db *DB) OwnerTrades(ctx context.Context, owner string, limit int) ([]TradeRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT seq, currency, maturity, maker_order_id, lender, borrower, rate, amount,
		       future_value::text, executed_at
		FROM trades
		WHERE lender = $1 OR borrower = $1
		ORDER BY seq DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRow
	for rows.Next() {
		var (
			t  TradeRow
			fv string
		)
		if err := rows.Scan(&t.Seq, &t.Currency, &t.Maturity, &t.MakerOrderID, &t.Lender,
			&t.Borrower, &t.Rate, &t.Amount, &fv, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.FutureValue, err = decimal.NewFromString(fv); err != nil {
			return nil, fmt.Errorf("failed to parse future value %q: %w", fv, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type FactorRow struct {
	Maturity       time.Time       `json:"maturity"`
	CompoundFactor decimal.Decimal `json:"compound_factor"`
	Rate           int64           `json:"rate"`
	TenorDays      int64           `json:"tenor_days"`
}

// CompoundFactors returns the projected factor chain of a currency, oldest first.
func (db *DB) CompoundFactors(ctx context.Context, currency string) ([]FactorRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT maturity, compound_factor::text, rate, tenor_days
		FROM compound_factors
		WHERE currency = $1
		ORDER BY maturity
	`, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to get compound factors: %w", err)
	}
	defer rows.Close()

	var out []FactorRow
	for rows.Next() {
		var (
			f      FactorRow
			factor string
		)
		if err := rows.Scan(&f.Maturity, &factor, &f.Rate, &f.TenorDays); err != nil {
			return nil, fmt.Errorf("failed to scan compound factor: %w", err)
		}
		if f.CompoundFactor, err = decimal.NewFromString(factor); err != nil {
			return nil, fmt.Errorf("failed to parse compound factor %q: %w", factor, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GenesisValue returns the projected genesis value of one owner.
func (db *DB) GenesisValue(ctx context.Context, currency, owner string) (decimal.Decimal, error) {
	var gv string
	err := db.Pool.QueryRow(ctx,
		"SELECT genesis_value::text FROM genesis_balances WHERE currency = $1 AND owner = $2",
		currency, owner).Scan(&gv)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get genesis value: %w", err)
	}
	return decimal.NewFromString(gv)
}

// LastSeq returns the highest projected event sequence, zero when empty.
func (db *DB) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	return uint64(seq), nil
}

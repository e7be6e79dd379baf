package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/models"
)

// Name keys the projection's cursor in the event journal.
func (db *DB) Name() string { return "postgres" }

// Publish projects a batch of events in one transaction. Events already
// stored are skipped, so a batch retried after a lost cursor write is applied
// once.
func (db *DB) Publish(ctx context.Context, evs []models.Event) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", e.Seq, err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO events (seq, id, type, currency, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (seq) DO NOTHING
		`, int64(e.Seq), e.ID, string(e.Type), e.Currency, e.Time, payload)
		if err != nil {
			return fmt.Errorf("failed to store event %d: %w", e.Seq, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := project(ctx, tx, e); err != nil {
			return fmt.Errorf("failed to project %s seq=%d: %w", e.Type, e.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func project(ctx context.Context, tx pgx.Tx, e models.Event) error {
	var err error
	switch e.Type {
	case models.EventCurrencyInitialized, models.EventMarketRotated:
		err = insertFactor(ctx, tx, e)
	case models.EventOrderPlaced:
		_, err = tx.Exec(ctx, `
			INSERT INTO orders (id, currency, maturity, owner, side, rate, amount, remaining, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 'open', $8)
		`, int64(e.OrderID), e.Currency, e.Maturity, e.Owner, e.Side.String(), e.Rate, e.Amount, e.Time)
	case models.EventOrderFilled:
		lender, borrower := e.Owner, e.Counterparty
		if e.Side == models.Borrow {
			lender, borrower = e.Counterparty, e.Owner
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO trades (seq, currency, maturity, maker_order_id, lender, borrower, rate, amount, future_value, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)
		`, int64(e.Seq), e.Currency, e.Maturity, int64(e.MakerOrderID), lender, borrower,
			e.Rate, e.Amount, e.FutureValue.String(), e.Time)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET remaining = remaining - $2,
			    status = CASE WHEN remaining - $2 = 0 THEN 'filled' ELSE status END
			WHERE id = $1
		`, int64(e.MakerOrderID), e.Amount)
	case models.EventOrderCancelled:
		_, err = tx.Exec(ctx,
			"UPDATE orders SET status = 'cancelled', remaining = 0 WHERE id = $1", int64(e.OrderID))
	case models.EventValueConverted:
		err = addGenesisValue(ctx, tx, e.Currency, e.Owner, e.GenesisValue)
	case models.EventValueTransferred:
		if err = addGenesisValue(ctx, tx, e.Currency, e.Owner, e.GenesisValue.Neg()); err != nil {
			return err
		}
		err = addGenesisValue(ctx, tx, e.Currency, e.Counterparty, e.GenesisValue)
	}
	return err
}

// insertFactor records a fixed chain node. The initial node sits at the basis
// date with no rate.
func insertFactor(ctx context.Context, tx pgx.Tx, e models.Event) error {
	maturity := e.Maturity
	if e.Type == models.EventCurrencyInitialized {
		maturity = e.BasisDate
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO compound_factors (currency, maturity, compound_factor, rate, tenor_days)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (currency, maturity) DO NOTHING
	`, e.Currency, maturity, e.CompoundFactor.String(), e.Rate, e.TenorDays)
	return err
}

func addGenesisValue(ctx context.Context, tx pgx.Tx, currency, owner string, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO genesis_balances (currency, owner, genesis_value)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (currency, owner)
		DO UPDATE SET genesis_value = genesis_balances.genesis_value + EXCLUDED.genesis_value
	`, currency, owner, delta.String())
	return err
}

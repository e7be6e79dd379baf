package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/ratemarket/internal/events"
	"github.com/xtrntr/ratemarket/internal/models"
)

var at = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("RATEMARKET_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RATEMARKET_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx, "../../migrations/001_init.sql"))
	_, err = db.Pool.Exec(ctx,
		"TRUNCATE TABLE accounts, trades, orders, compound_factors, genesis_balances, events")
	require.NoError(t, err)
	return db
}

func TestDB_Accounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateAccount(ctx, "alice", "hash"))
	assert.ErrorIs(t, db.CreateAccount(ctx, "alice", "other"), ErrDuplicate)

	hash, err := db.AccountKeyHash(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", hash)

	_, err = db.AccountKeyHash(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func stamp(evs []models.Event) []models.Event {
	for i := range evs {
		evs[i].Seq = uint64(i + 1)
	}
	return evs
}

func TestDB_Publish(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	maturity := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	fv := decimal.RequireFromString("101.972602739726027397")

	initialized := models.NewEvent(models.EventCurrencyInitialized, "USDC", at)
	initialized.BasisDate = at
	initialized.CompoundFactor = decimal.NewFromInt(1)

	placed := models.NewEvent(models.EventOrderPlaced, "USDC", at)
	placed.Maturity = maturity
	placed.OrderID = 1
	placed.Owner = "alice"
	placed.Side = models.Lend
	placed.Rate = 800
	placed.Amount = 100

	filled := models.NewEvent(models.EventOrderFilled, "USDC", at)
	filled.Maturity = maturity
	filled.Owner = "bob"
	filled.Side = models.Borrow
	filled.Counterparty = "alice"
	filled.MakerOrderID = 1
	filled.Rate = 800
	filled.Amount = 100
	filled.FutureValue = fv

	rotated := models.NewEvent(models.EventMarketRotated, "USDC", maturity)
	rotated.Maturity = maturity
	rotated.CompoundFactor = decimal.RequireFromString("1.019726027397260274")
	rotated.Rate = 800
	rotated.TenorDays = 90

	converted := models.NewEvent(models.EventValueConverted, "USDC", maturity)
	converted.Maturity = maturity
	converted.Owner = "alice"
	converted.GenesisValue = decimal.NewFromInt(100)

	transferred := models.NewEvent(models.EventValueTransferred, "USDC", maturity)
	transferred.Owner = "alice"
	transferred.Counterparty = "carol"
	transferred.GenesisValue = decimal.NewFromInt(40)

	evs := stamp([]models.Event{initialized, placed, filled, rotated, converted, transferred})
	require.NoError(t, db.Publish(ctx, evs))
	// a retried batch is applied once
	require.NoError(t, db.Publish(ctx, evs))

	seq, err := db.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)

	orders, err := db.OwnerOrders(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "filled", orders[0].Status)
	assert.Equal(t, int64(0), orders[0].Remaining)

	trades, err := db.OwnerTrades(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "alice", trades[0].Lender)
	assert.Equal(t, "bob", trades[0].Borrower)
	assert.True(t, fv.Equal(trades[0].FutureValue))

	factors, err := db.CompoundFactors(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.True(t, rotated.CompoundFactor.Equal(factors[1].CompoundFactor))

	for owner, want := range map[string]int64{"alice": 60, "carol": 40, "dave": 0} {
		gv, err := db.GenesisValue(ctx, "USDC", owner)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(want).Equal(gv), owner)
	}
}

func TestDB_IsPublisher(t *testing.T) {
	var p events.Publisher = &DB{}
	assert.Equal(t, "postgres", p.Name())
}

package reference

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_ConvertToReference(t *testing.T) {
	table := NewTable(map[string]decimal.Decimal{
		"USDC": decimal.NewFromInt(1),
		"ETH":  decimal.NewFromInt(2500),
	})

	tests := []struct {
		name     string
		currency string
		amount   decimal.Decimal
		want     decimal.Decimal
		err      error
	}{
		{name: "Identity", currency: "USDC", amount: decimal.NewFromInt(42), want: decimal.NewFromInt(42)},
		{name: "Priced", currency: "ETH", amount: decimal.RequireFromString("0.5"), want: decimal.NewFromInt(1250)},
		{name: "Negative", currency: "ETH", amount: decimal.NewFromInt(-2), want: decimal.NewFromInt(-5000)},
		{name: "Unknown", currency: "BTC", amount: decimal.NewFromInt(1), err: ErrUnknownCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.ConvertToReference(tt.currency, tt.amount)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	table.Set("BTC", decimal.NewFromInt(60000))
	got, err := table.ConvertToReference("BTC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60000).Equal(got))
}

package daycount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAddMonths(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{
			name:   "MidMonth",
			start:  time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			months: 3,
			want:   time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "EndOfMonthClamped",
			start:  time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "CrossesYear",
			start:  time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC),
			months: 3,
			want:   time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(AddMonths(tt.start, tt.months)), "got %s", AddMonths(tt.start, tt.months))
		})
	}
}

func TestGrowth(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, YearDays)

	assert.True(t, decimal.RequireFromString("1.08").Equal(Growth(800, start, end)))
	assert.True(t, decimal.NewFromInt(1).Equal(Growth(800, end, start)))
	assert.True(t, decimal.RequireFromString("1.02").Equal(TenorGrowth(1000, 73)))
	assert.True(t, decimal.RequireFromString("1.05").Equal(TenorGrowth(500, YearDays)))
}

func TestDays(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(90), Days(start, start.Add(90*24*time.Hour+time.Hour)))
	assert.Equal(t, int64(0), Days(start, start))
}

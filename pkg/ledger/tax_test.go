package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTax(t *testing.T) {
	cases := []struct {
		amount int64
		rate   float64
		want   int64
	}{
		{20, 0.01, 1},
		{100, 0.01, 1},
		{101, 0.01, 2},
		{50, 0.30, 15},
		{51, 0.30, 16},
		{20, 0.05, 1},
		{40, 0.05, 2},
		{10, 0, 0},
		{0, 0.5, 0},
		{7, 1, 7},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Tax(tc.amount, tc.rate), "amount=%d rate=%v", tc.amount, tc.rate)
	}
}

func TestDailyTaxFor(t *testing.T) {
	assert.Equal(t, int64(1), DailyTaxFor(999, 1000))
	assert.Equal(t, int64(1), DailyTaxFor(1000, 1000))
	assert.Equal(t, int64(2), DailyTaxFor(1001, 1000))
	assert.Equal(t, int64(0), DailyTaxFor(0, 1000))
	assert.Equal(t, int64(1), DailyTaxFor(1, 1000))
}

package ledger

import (
	"github.com/shopspring/decimal"
)

// Tax returns ceil(amount * rate) computed in exact decimal arithmetic, so 20 at 1% is 1 and
// 50 at 30% is 15 with no float rounding drift.
func Tax(amount int64, rate float64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	tax := decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(rate)).Ceil().IntPart()
	if tax > amount {
		return amount
	}
	return tax
}

// DailyTaxFor returns ceil(balance / divisor); zero for an empty balance.
func DailyTaxFor(balance, divisor int64) int64 {
	if balance <= 0 || divisor <= 0 {
		return 0
	}
	return decimal.NewFromInt(balance).Div(decimal.NewFromInt(divisor)).Ceil().IntPart()
}

package match

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PercentChange returns (current - reference) / reference * 100.
// A zero reference yields zero.
func PercentChange(reference, current decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return current.Sub(reference).Div(reference).Mul(hundred)
}

// Outcome is the result of scoring both legs of a match
type Outcome struct {
	CreatorChange  decimal.Decimal
	OpponentChange decimal.Decimal
	CreatorWins    bool
}

// Score compares both percent changes. An exact tie goes to the creator.
func Score(creatorStart, creatorEnd, opponentStart, opponentEnd decimal.Decimal) Outcome {
	cc := PercentChange(creatorStart, creatorEnd)
	oc := PercentChange(opponentStart, opponentEnd)
	return Outcome{
		CreatorChange:  cc,
		OpponentChange: oc,
		CreatorWins:    cc.GreaterThanOrEqual(oc),
	}
}

// Package risk enforces hard position limits on order submissions.
//
// The only limit the core carries is the optional per-market position cap:
// a user's total shares across both outcomes of one market may not exceed
// it. The check runs inside the submission transaction so it can never be
// raced past.
package risk

import (
	"github.com/shopspring/decimal"

	"prediction-exchange/pkg/types"
)

// Checker evaluates risk limits. A zero cap disables the check.
type Checker struct {
	positionCap decimal.Decimal
}

// NewChecker creates a checker with the given per-market position cap.
// Pass decimal.Zero to disable.
func NewChecker(positionCap decimal.Decimal) *Checker {
	return &Checker{positionCap: positionCap}
}

// HasCap reports whether a position cap is configured.
func (c *Checker) HasCap() bool { return c.positionCap.Sign() > 0 }

// CheckPositionCap rejects a buy that would push the user's total holding
// in one market past the cap. current is the user's combined YES+NO
// quantity; incoming is the full quantity of the submitted buy.
func (c *Checker) CheckPositionCap(current, incoming decimal.Decimal) error {
	if !c.HasCap() {
		return nil
	}
	if current.Add(incoming).GreaterThan(c.positionCap) {
		return types.Ef(types.CodePositionCapExceeded,
			"position %s + order %s exceeds per-market cap %s",
			current, incoming, c.positionCap).
			WithHint("cap=%s", c.positionCap)
	}
	return nil
}

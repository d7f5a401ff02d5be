package ledger

import (
	"github.com/shopspring/decimal"

	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// SettledPosition is one position's outcome at resolution time.
type SettledPosition struct {
	Position types.Position  // post-settlement row (quantity zeroed)
	Won      bool            `json:"won"`
	Payout   decimal.Decimal `json:"payout"`
}

// SettlementEffects reports everything a resolution or market cancel
// changed, for post-commit fan-out.
type SettlementEffects struct {
	Market          types.Market
	CancelledOrders []types.Order
	Settled         []SettledPosition
	Balances        map[string]types.Balance
	TotalPayout     decimal.Decimal
}

// ResolveMarket settles a CLOSED market with the declared outcome, in one
// transaction: every open order is cancelled with its escrow released,
// every winning share pays exactly 1, every losing share pays 0, and all
// position quantities go to zero (rows retained, averagePrice frozen).
// The caller must hold the market's critical section so no submission
// interleaves.
func (l *Ledger) ResolveMarket(slug string, outcome types.Outcome) (*SettlementEffects, error) {
	return l.settle(slug, func(m types.Market) error {
		if m.Status == types.MarketResolved || m.Status == types.MarketCancelled {
			return types.Ef(types.CodeAlreadyResolved, "market %s is %s", slug, m.Status)
		}
		if m.Status != types.MarketClosed {
			return types.Ef(types.CodeNotClosed, "market %s is %s, close it first", slug, m.Status)
		}
		return nil
	}, func(pos types.Position) (decimal.Decimal, bool) {
		if pos.Outcome == outcome {
			return pos.Quantity, true // quantity x 1
		}
		return decimal.Zero, false
	}, func(m *types.Market) {
		m.Status = types.MarketResolved
		m.Outcome = &outcome
	})
}

// CancelMarket voids an OPEN or CLOSED market: open orders are cancelled
// and every position is refunded at its volume-weighted average
// acquisition price, preserving conservation of funding.
func (l *Ledger) CancelMarket(slug string) (*SettlementEffects, error) {
	return l.settle(slug, func(m types.Market) error {
		if m.Status != types.MarketOpen && m.Status != types.MarketClosed {
			return types.Ef(types.CodeNotOpenOrClosed, "market %s is %s", slug, m.Status)
		}
		return nil
	}, func(pos types.Position) (decimal.Decimal, bool) {
		return Cost(pos.Quantity, pos.AveragePrice), false
	}, func(m *types.Market) {
		m.Status = types.MarketCancelled
	})
}

func (l *Ledger) settle(
	slug string,
	check func(types.Market) error,
	payout func(types.Position) (decimal.Decimal, bool),
	finalize func(*types.Market),
) (*SettlementEffects, error) {
	eff := &SettlementEffects{
		Balances:    make(map[string]types.Balance),
		TotalPayout: decimal.Zero,
	}
	err := l.store.Update(func(tx *store.Tx) error {
		m, err := tx.GetMarketBySlug(slug)
		if err != nil {
			return err
		}
		if err := check(m); err != nil {
			return err
		}
		now := l.clk.Now()

		// 1. Cancel all open orders, releasing residual escrow.
		open, err := tx.OpenOrdersByMarket(m.ID)
		if err != nil {
			return err
		}
		for _, o := range open {
			cancelled, err := l.cancelInTx(tx, o.ID, now)
			if err != nil {
				return err
			}
			eff.CancelledOrders = append(eff.CancelledOrders, cancelled)
			bal, err := tx.GetBalance(cancelled.UserID)
			if err != nil {
				return err
			}
			eff.Balances[cancelled.UserID] = bal
		}

		// 2. Pay out every live position, then zero it. Users are visited
		// in stable key order (the positions bucket iterates sorted by
		// userID) so concurrent settlements cannot deadlock on balances.
		positions, err := tx.PositionsByMarket(m.ID)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if pos.Quantity.Sign() == 0 {
				continue
			}
			amount, won := payout(pos)
			if amount.Sign() > 0 {
				bal, err := tx.GetBalance(pos.UserID)
				if err != nil {
					return err
				}
				bal.Available = bal.Available.Add(amount)
				if err := tx.PutBalance(bal); err != nil {
					return err
				}
				eff.Balances[pos.UserID] = bal
				eff.TotalPayout = eff.TotalPayout.Add(amount)
			}
			pos.Quantity = decimal.Zero // averagePrice frozen for audit
			pos.UpdatedAt = now
			if err := tx.PutPosition(pos); err != nil {
				return err
			}
			eff.Settled = append(eff.Settled, SettledPosition{
				Position: pos,
				Won:      won,
				Payout:   amount,
			})
		}

		// 3. Terminal market state.
		finalize(&m)
		m.ResolveTime = &now
		eff.Market = m
		return tx.PutMarket(m)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("market settled",
		"slug", slug, "status", eff.Market.Status,
		"positions", len(eff.Settled), "payout", eff.TotalPayout)
	return eff, nil
}

package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// OpenOrders returns the OPEN/PARTIAL orders of a market for book rebuild.
func (l *Ledger) OpenOrders(marketID string) ([]types.Order, error) {
	var out []types.Order
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.OpenOrdersByMarket(marketID)
		return err
	})
	return out, err
}

// AuditMarket asserts the derived invariants of one market's durable
// state before its book is allowed to serve traffic:
//
//   - every open order has filled < quantity and, for LIMIT, a price in (0,1)
//   - no position is negative
//   - no user's open SELL remainders exceed their position (naked short)
//
// Any violation quarantines the market (the engine refuses submissions);
// one bad market must not take the exchange down.
func (l *Ledger) AuditMarket(marketID string) error {
	return l.store.View(func(tx *store.Tx) error {
		open, err := tx.OpenOrdersByMarket(marketID)
		if err != nil {
			return err
		}
		one := decimal.NewFromInt(1)
		sellCommit := map[string]decimal.Decimal{} // userID/outcome -> promised shares
		for _, o := range open {
			if !o.Filled.LessThan(o.Quantity) {
				return fmt.Errorf("order %s: filled %s >= quantity %s yet still open",
					o.ID, o.Filled, o.Quantity)
			}
			if o.Type == types.LIMIT && (o.Price.Sign() <= 0 || !o.Price.LessThan(one)) {
				return fmt.Errorf("order %s: limit price %s outside (0,1)", o.ID, o.Price)
			}
			if o.Side == types.SELL {
				k := o.UserID + "/" + string(o.Outcome)
				sellCommit[k] = sellCommit[k].Add(o.Remaining())
			}
		}

		positions, err := tx.PositionsByMarket(marketID)
		if err != nil {
			return err
		}
		held := map[string]decimal.Decimal{}
		for _, p := range positions {
			if p.Quantity.Sign() < 0 {
				return fmt.Errorf("position (%s, %s): negative quantity %s",
					p.UserID, p.Outcome, p.Quantity)
			}
			held[p.UserID+"/"+string(p.Outcome)] = p.Quantity
		}
		for k, committed := range sellCommit {
			if committed.GreaterThan(held[k]) {
				return fmt.Errorf("naked short: %s commits %s shares but holds %s",
					k, committed, held[k])
			}
		}
		return nil
	})
}

// AuditGlobal asserts the cross-market monetary invariants: no negative
// balance component, and every user's locked cash equals the residual
// reservations of their open BUY orders.
func (l *Ledger) AuditGlobal() error {
	return l.store.View(func(tx *store.Tx) error {
		expected := map[string]decimal.Decimal{}
		markets, err := tx.Markets()
		if err != nil {
			return err
		}
		for _, m := range markets {
			open, err := tx.OpenOrdersByMarket(m.ID)
			if err != nil {
				return err
			}
			for _, o := range open {
				if o.Side == types.BUY {
					expected[o.UserID] = expected[o.UserID].Add(Cost(o.Remaining(), o.Price))
				}
			}
		}

		balances, err := tx.Balances()
		if err != nil {
			return err
		}
		for _, b := range balances {
			if b.Available.Sign() < 0 || b.Locked.Sign() < 0 {
				return fmt.Errorf("user %s: negative balance component (available=%s locked=%s)",
					b.UserID, b.Available, b.Locked)
			}
			if !b.Locked.Equal(expected[b.UserID]) {
				return fmt.Errorf("user %s: locked %s does not match open BUY escrow %s",
					b.UserID, b.Locked, expected[b.UserID])
			}
			delete(expected, b.UserID)
		}
		for userID := range expected {
			return fmt.Errorf("user %s has open BUY escrow but no balance row", userID)
		}
		return nil
	})
}

// PlatformFunding returns the sum of all balance totals plus the value of
// all positions at their acquisition price. Escrow moves and cancels never
// change it; it shifts with deposits, settlement, and the difference a
// seller realizes when shares change hands away from their average price.
func (l *Ledger) PlatformFunding() (decimal.Decimal, error) {
	total := decimal.Zero
	err := l.store.View(func(tx *store.Tx) error {
		balances, err := tx.Balances()
		if err != nil {
			return err
		}
		for _, b := range balances {
			total = total.Add(b.Total())
		}
		positions, err := tx.Positions()
		if err != nil {
			return err
		}
		for _, p := range positions {
			total = total.Add(Cost(p.Quantity, p.AveragePrice))
		}
		return nil
	})
	return total, err
}

// GetOrder reads one order.
func (l *Ledger) GetOrder(orderID string) (types.Order, error) {
	var out types.Order
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.GetOrder(orderID)
		return err
	})
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return out, types.E(types.CodeNotFound, "order not found")
	}
	return out, err
}

// RecentTrades returns up to limit trades for a market, newest first.
func (l *Ledger) RecentTrades(marketID string, limit int) ([]types.Trade, error) {
	var out []types.Trade
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.RecentTrades(marketID, limit)
		return err
	})
	if out == nil {
		out = []types.Trade{}
	}
	return out, err
}

// PositionsByUser returns all of a user's positions.
func (l *Ledger) PositionsByUser(userID string) ([]types.Position, error) {
	var out []types.Position
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.PositionsByUser(userID)
		return err
	})
	if out == nil {
		out = []types.Position{}
	}
	return out, err
}

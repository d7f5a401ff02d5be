package gateway

import (
	"context"
	"errors"

	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// Markets lists all markets.
func (g *Gateway) Markets() ([]types.Market, error) {
	ms, err := g.led.Markets()
	if ms == nil {
		ms = []types.Market{}
	}
	return ms, err
}

// Market returns one market by slug.
func (g *Gateway) Market(slug string) (types.Market, error) {
	m, err := g.led.GetMarketBySlug(slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Market{}, types.Ef(types.CodeNotFound, "market %q not found", slug)
		}
		return types.Market{}, err
	}
	return m, nil
}

// OrderBook returns the aggregated book for one (market, outcome).
func (g *Gateway) OrderBook(ctx context.Context, slug, outcome string) (types.BookSnapshot, error) {
	oc := types.Outcome(outcome)
	if !oc.Valid() {
		return types.BookSnapshot{}, types.Ef(types.CodeValidation, "outcome must be YES or NO, got %q", outcome)
	}
	return g.eng.Snapshot(ctx, slug, oc)
}

// Trades returns up to limit recent trades for a market, newest first.
func (g *Gateway) Trades(slug string, limit int) ([]types.Trade, error) {
	m, err := g.Market(slug)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return g.led.RecentTrades(m.ID, limit)
}

// Balance returns the caller's balance.
func (g *Gateway) Balance(userID string) (types.Balance, error) {
	bal, err := g.led.GetBalance(userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Balance{}, types.Ef(types.CodeNotFound, "unknown user %q", userID)
		}
		return types.Balance{}, err
	}
	return bal, nil
}

// Positions returns all of the caller's positions.
func (g *Gateway) Positions(userID string) ([]types.Position, error) {
	return g.led.PositionsByUser(userID)
}

// OrderDetail is an order together with its append-only audit trail.
type OrderDetail struct {
	Order  types.Order        `json:"order"`
	Events []types.OrderEvent `json:"events"`
}

// Order returns one of the caller's orders with its event history. Admins
// may inspect any order.
func (g *Gateway) Order(userID, orderID string) (OrderDetail, error) {
	o, err := g.led.GetOrder(orderID)
	if err != nil {
		return OrderDetail{}, err
	}
	if o.UserID != userID {
		if err := g.requireAdmin(userID); err != nil {
			return OrderDetail{}, types.E(types.CodeNotOwner, "order belongs to another user")
		}
	}
	detail := OrderDetail{Order: o, Events: []types.OrderEvent{}}
	err = g.led.Store().View(func(tx *store.Tx) error {
		evs, err := tx.OrderEvents(orderID)
		if err != nil {
			return err
		}
		if evs != nil {
			detail.Events = evs
		}
		return nil
	})
	return detail, err
}

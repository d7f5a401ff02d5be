package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// CreateUser registers a new account.
func (g *Gateway) CreateUser(name string, role types.Role) (types.User, error) {
	if name == "" {
		return types.User{}, types.E(types.CodeValidation, "name is required")
	}
	if role == "" {
		role = types.RoleUser
	}
	if role != types.RoleUser && role != types.RoleAdmin {
		return types.User{}, types.Ef(types.CodeValidation, "unknown role %q", role)
	}
	return g.led.CreateUser(name, role)
}

// Deposit credits a user's available balance.
func (g *Gateway) Deposit(userID, amount string) (types.Balance, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return types.Balance{}, types.Ef(types.CodeValidation, "amount %q is not a decimal", amount)
	}
	bal, err := g.led.Deposit(userID, amt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Balance{}, types.Ef(types.CodeNotFound, "unknown user %q", userID)
		}
		return types.Balance{}, err
	}
	return bal, nil
}

func (g *Gateway) requireAdmin(actorID string) error {
	var u types.User
	err := g.led.Store().View(func(tx *store.Tx) error {
		var err error
		u, err = tx.GetUser(actorID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Ef(types.CodeNotFound, "unknown user %q", actorID)
		}
		return err
	}
	if u.Role != types.RoleAdmin {
		return types.E(types.CodeNotOwner, "operation requires the ADMIN role")
	}
	return nil
}

// RequireAdmin verifies the actor holds the ADMIN role.
func (g *Gateway) RequireAdmin(actorID string) error {
	return g.requireAdmin(actorID)
}

// CreateMarket opens a new market for trading. Admin only.
func (g *Gateway) CreateMarket(ctx context.Context, actorID, slug, question string) (types.Market, error) {
	if err := g.requireAdmin(actorID); err != nil {
		return types.Market{}, err
	}
	if slug == "" || question == "" {
		return types.Market{}, types.E(types.CodeValidation, "slug and question are required")
	}
	m, err := g.led.CreateMarket(slug, question)
	if err != nil {
		return types.Market{}, err
	}
	if err := g.eng.OpenMarket(ctx, m); err != nil {
		return types.Market{}, err
	}
	return m, nil
}

// CloseMarket stops trading on a market. Admin only.
func (g *Gateway) CloseMarket(ctx context.Context, actorID, slug string) (types.Market, error) {
	if err := g.requireAdmin(actorID); err != nil {
		return types.Market{}, err
	}
	return g.eng.CloseMarket(ctx, slug)
}

// ResolveMarket settles a closed market with the declared outcome. Admin only.
func (g *Gateway) ResolveMarket(ctx context.Context, actorID, slug, outcome string) (types.SettlementResult, error) {
	if err := g.requireAdmin(actorID); err != nil {
		return types.SettlementResult{}, err
	}
	oc := types.Outcome(outcome)
	if !oc.Valid() {
		return types.SettlementResult{}, types.Ef(types.CodeValidation, "outcome must be YES or NO, got %q", outcome)
	}
	return g.eng.ResolveMarket(ctx, slug, oc)
}

// CancelMarket voids a market and refunds positions. Admin only.
func (g *Gateway) CancelMarket(ctx context.Context, actorID, slug string) (types.CancelMarketResult, error) {
	if err := g.requireAdmin(actorID); err != nil {
		return types.CancelMarketResult{}, err
	}
	return g.eng.CancelMarket(ctx, slug)
}

// Package ledger implements the escrow and settlement pipeline.
//
// Every engine submission commits through a single serializable store
// transaction: escrow checks, trade rows, balance moves, VWAP position
// updates, order rows, and audit events all become visible together or
// not at all. The engine computes fills against the in-memory book first
// (no I/O mid-match) and hands the ledger a fully decided plan.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/clock"
	"prediction-exchange/internal/risk"
	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// costScale is the fixed number of fractional digits for fill costs.
// Banker's rounding is applied exactly once, at fill-cost computation.
const costScale = 6

// Cost returns quantity x price rounded half-to-even at the cost scale.
func Cost(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).RoundBank(costScale)
}

// Ledger owns all durable mutations of balances, positions, orders,
// trades, and markets.
type Ledger struct {
	store  *store.Store
	clk    clock.Clock
	ids    clock.IDSource
	risk   *risk.Checker
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(st *store.Store, clk clock.Clock, ids clock.IDSource, rk *risk.Checker, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  st,
		clk:    clk,
		ids:    ids,
		risk:   rk,
		logger: logger.With("component", "ledger"),
	}
}

// Store exposes the underlying store for read paths (gateway queries).
func (l *Ledger) Store() *store.Store { return l.store }

// Clock exposes the ledger's clock.
func (l *Ledger) Clock() clock.Clock { return l.clk }

// IDs exposes the ledger's identifier source.
func (l *Ledger) IDs() clock.IDSource { return l.ids }

// CreateUser registers a new account with a zero balance.
func (l *Ledger) CreateUser(name string, role types.Role) (types.User, error) {
	u := types.User{
		ID:        l.ids.NewID(),
		Name:      name,
		Role:      role,
		CreatedAt: l.clk.Now(),
	}
	err := l.store.Update(func(tx *store.Tx) error {
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return tx.PutBalance(types.Balance{
			UserID:    u.ID,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		})
	})
	if err != nil {
		return types.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Deposit credits a user's available balance. This is the only way cash
// enters the system besides resolution payouts.
func (l *Ledger) Deposit(userID string, amount decimal.Decimal) (types.Balance, error) {
	if amount.Sign() <= 0 {
		return types.Balance{}, types.E(types.CodeValidation, "deposit amount must be positive")
	}
	var out types.Balance
	err := l.store.Update(func(tx *store.Tx) error {
		bal, err := tx.GetBalance(userID)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(amount)
		out = bal
		return tx.PutBalance(bal)
	})
	return out, err
}

// GetBalance reads a user's balance.
func (l *Ledger) GetBalance(userID string) (types.Balance, error) {
	var out types.Balance
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.GetBalance(userID)
		return err
	})
	return out, err
}

// CreateMarket registers a new OPEN market.
func (l *Ledger) CreateMarket(slug, question string) (types.Market, error) {
	m := types.Market{
		ID:        l.ids.NewID(),
		Slug:      slug,
		Question:  question,
		Status:    types.MarketOpen,
		CreatedAt: l.clk.Now(),
	}
	err := l.store.Update(func(tx *store.Tx) error {
		if _, err := tx.GetMarketBySlug(slug); err == nil {
			return types.Ef(types.CodeValidation, "market slug %q already exists", slug)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutMarket(m)
	})
	if err != nil {
		return types.Market{}, err
	}
	return m, nil
}

// CloseMarket transitions a market OPEN -> CLOSED.
func (l *Ledger) CloseMarket(slug string) (types.Market, error) {
	var out types.Market
	err := l.store.Update(func(tx *store.Tx) error {
		m, err := tx.GetMarketBySlug(slug)
		if err != nil {
			return err
		}
		if m.Status != types.MarketOpen {
			return types.Ef(types.CodeMarketNotOpen, "market %s is %s", slug, m.Status)
		}
		now := l.clk.Now()
		m.Status = types.MarketClosed
		m.CloseTime = &now
		out = m
		return tx.PutMarket(m)
	})
	return out, err
}

// GetMarketBySlug reads a market.
func (l *Ledger) GetMarketBySlug(slug string) (types.Market, error) {
	var out types.Market
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.GetMarketBySlug(slug)
		return err
	})
	return out, err
}

// Markets lists all markets.
func (l *Ledger) Markets() ([]types.Market, error) {
	var out []types.Market
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.Markets()
		return err
	})
	return out, err
}

// FillSpec is one planned execution. Maker is a copy of the resting order
// before the fill; the execution price is always Maker.Price.
type FillSpec struct {
	Maker    types.Order
	Quantity decimal.Decimal
}

// Submission is the engine's fully decided plan for one incoming order.
// Fills are in match order. CancelMakers lists resting orders the
// self-trade policy cancels in the same transaction. ResidualCancelled
// marks a MARKET remainder halted by the collar (or a CANCEL_TAKER hit).
type Submission struct {
	Taker             types.Order
	Fills             []FillSpec
	CancelMakers      []types.Order
	ResidualCancelled bool
}

// Effects reports everything a committed submission changed, so the engine
// can publish events after the transaction is durable.
type Effects struct {
	Result          types.PlaceOrderResult
	Trades          []types.Trade
	MakerOrders     []types.Order // post-fill maker rows (FILLED/PARTIAL)
	CancelledMakers []types.Order
	Balances        map[string]types.Balance // affected users, post-commit
	Positions       []types.Position         // affected positions, post-commit
}

// CommitSubmission runs the whole escrow + fill pipeline in one
// transaction. On error nothing is visible and the in-memory book must not
// be mutated by the caller.
func (l *Ledger) CommitSubmission(sub Submission) (*Effects, error) {
	eff := &Effects{Balances: make(map[string]types.Balance)}

	err := l.store.Update(func(tx *store.Tx) error {
		taker := sub.Taker
		now := l.clk.Now()

		m, err := tx.GetMarket(taker.MarketID)
		if err != nil {
			return err
		}
		if m.Status != types.MarketOpen {
			return types.Ef(types.CodeMarketNotOpen, "market %s is %s", m.Slug, m.Status)
		}

		// Pre-match escrow.
		var reserved decimal.Decimal
		takerBal, err := tx.GetBalance(taker.UserID)
		if err != nil {
			return err
		}
		if taker.Side == types.BUY {
			reserved = l.buyReservation(taker, sub.Fills)
			if takerBal.Available.LessThan(reserved) {
				return types.Ef(types.CodeInsufficientBalance,
					"need %s, available %s", reserved, takerBal.Available).
					WithHint("available=%s", takerBal.Available)
			}
			if err := l.checkPositionCap(tx, taker); err != nil {
				return err
			}
			takerBal.Available = takerBal.Available.Sub(reserved)
			takerBal.Locked = takerBal.Locked.Add(reserved)
		} else {
			free, err := l.freeShares(tx, taker.UserID, taker.MarketID, taker.Outcome)
			if err != nil {
				return err
			}
			if free.LessThan(taker.Quantity) {
				return types.Ef(types.CodeInsufficientShares,
					"need %s shares, free %s", taker.Quantity, free).
					WithHint("free=%s", free)
			}
		}

		balances := map[string]*types.Balance{taker.UserID: &takerBal}
		loadBalance := func(userID string) (*types.Balance, error) {
			if b, ok := balances[userID]; ok {
				return b, nil
			}
			b, err := tx.GetBalance(userID)
			if err != nil {
				return nil, err
			}
			balances[userID] = &b
			return &b, nil
		}

		// Apply fills.
		for _, f := range sub.Fills {
			maker := f.Maker
			qty := f.Quantity
			price := maker.Price

			// The buyer's escrow release telescopes over the reservation
			// schedule: Cost of the remainder before the fill minus Cost of
			// the remainder after, at the buyer's own limit. Summed over any
			// fill sequence the releases add back up to the reservation, so
			// independently rounded fill costs can never overdraw escrow or
			// strand dust in locked. The seller's credit is capped by the
			// release; the cap binds on at most one rounding unit.
			cost := Cost(qty, price)
			var release decimal.Decimal
			switch {
			case taker.Side == types.BUY && taker.Type == types.MARKET:
				// MARKET reservations are the exact sum of the planned costs.
				release = cost
			case taker.Side == types.BUY:
				release = Cost(taker.Remaining(), taker.Price).
					Sub(Cost(taker.Remaining().Sub(qty), taker.Price))
			default:
				release = Cost(maker.Remaining(), maker.Price).
					Sub(Cost(maker.Remaining().Sub(qty), maker.Price))
			}
			if cost.GreaterThan(release) {
				cost = release
			}

			var buyOrder, sellOrder *types.Order
			if taker.Side == types.BUY {
				buyOrder, sellOrder = &taker, &maker
			} else {
				buyOrder, sellOrder = &maker, &taker
			}

			trade := types.Trade{
				ID:          l.ids.NewID(),
				MarketID:    taker.MarketID,
				BuyOrderID:  buyOrder.ID,
				SellOrderID: sellOrder.ID,
				BuyerID:     buyOrder.UserID,
				SellerID:    sellOrder.UserID,
				Outcome:     taker.Outcome,
				Price:       price,
				Quantity:    qty,
				CreatedAt:   now,
			}
			if err := tx.PutTrade(trade); err != nil {
				return err
			}
			eff.Trades = append(eff.Trades, trade)

			// Buyer: consume escrow, grow position at running VWAP.
			buyerBal, err := loadBalance(buyOrder.UserID)
			if err != nil {
				return err
			}
			buyerBal.Locked = buyerBal.Locked.Sub(release)
			if buyerBal.Locked.Sign() < 0 {
				return fmt.Errorf("invariant: buyer %s locked went negative", buyOrder.UserID)
			}
			buyerBal.Available = buyerBal.Available.Add(release.Sub(cost))
			pos, err := l.positionOrNew(tx, buyOrder.UserID, taker.MarketID, taker.Outcome)
			if err != nil {
				return err
			}
			newQty := pos.Quantity.Add(qty)
			pos.AveragePrice = pos.Quantity.Mul(pos.AveragePrice).Add(qty.Mul(price)).Div(newQty)
			pos.Quantity = newQty
			pos.UpdatedAt = now
			if err := tx.PutPosition(pos); err != nil {
				return err
			}
			eff.Positions = append(eff.Positions, pos)

			// Seller: shed shares, collect cash. averagePrice unchanged.
			sellerBal, err := loadBalance(sellOrder.UserID)
			if err != nil {
				return err
			}
			sellerBal.Available = sellerBal.Available.Add(cost)
			spos, err := tx.GetPosition(sellOrder.UserID, taker.MarketID, taker.Outcome)
			if err != nil {
				return fmt.Errorf("seller %s has no position: %w", sellOrder.UserID, err)
			}
			spos.Quantity = spos.Quantity.Sub(qty)
			if spos.Quantity.Sign() < 0 {
				return fmt.Errorf("invariant: seller %s position went negative", sellOrder.UserID)
			}
			spos.UpdatedAt = now
			if err := tx.PutPosition(spos); err != nil {
				return err
			}
			eff.Positions = append(eff.Positions, spos)

			// Order rows + audit entries.
			taker.Filled = taker.Filled.Add(qty)
			maker.Filled = maker.Filled.Add(qty)
			if maker.Filled.Equal(maker.Quantity) {
				maker.Status = types.OrderFilled
			} else {
				maker.Status = types.OrderPartial
			}
			if err := tx.PutOrder(maker); err != nil {
				return err
			}
			eff.MakerOrders = append(eff.MakerOrders, maker)

			for _, oid := range []string{buyOrder.ID, sellOrder.ID} {
				ev := types.OrderEvent{
					ID:        l.ids.NewID(),
					OrderID:   oid,
					Type:      types.OrderEventTrade,
					Quantity:  qty,
					Price:     price,
					CreatedAt: now,
				}
				if err := tx.AppendOrderEvent(ev); err != nil {
					return err
				}
			}

			eff.Result.Fills = append(eff.Result.Fills, types.Fill{
				TradeID:     trade.ID,
				BuyOrderID:  buyOrder.ID,
				SellOrderID: sellOrder.ID,
				Outcome:     taker.Outcome,
				Price:       price,
				Quantity:    qty,
			})
		}

		// Self-trade policy cancellations, same transaction. Flush the
		// cached balances first so the cancel path reads current escrow.
		if len(sub.CancelMakers) > 0 {
			for _, b := range balances {
				if err := tx.PutBalance(*b); err != nil {
					return err
				}
			}
		}
		for _, maker := range sub.CancelMakers {
			cancelled, err := l.cancelInTx(tx, maker.ID, now)
			if err != nil {
				return err
			}
			eff.CancelledMakers = append(eff.CancelledMakers, cancelled)
			// Reload in case the cancel released escrow for a user we
			// already touched.
			b, err := tx.GetBalance(cancelled.UserID)
			if err != nil {
				return err
			}
			if cached, ok := balances[cancelled.UserID]; ok {
				*cached = b
			} else {
				balances[cancelled.UserID] = &b
			}
		}

		// Taker final status and residual escrow.
		remaining := taker.Remaining()
		switch {
		case remaining.Sign() == 0:
			taker.Status = types.OrderFilled
		case taker.Type == types.MARKET || sub.ResidualCancelled:
			// MARKET remainders never rest; collar/CANCEL_TAKER kill the
			// LIMIT remainder too. With fills the order reads FILLED,
			// without any it reads CANCELLED.
			if taker.Filled.Sign() > 0 {
				taker.Status = types.OrderFilled
			} else {
				taker.Status = types.OrderCancelled
			}
		case taker.Filled.Sign() > 0:
			taker.Status = types.OrderPartial
		default:
			taker.Status = types.OrderOpen
		}

		if taker.Side == types.BUY && taker.Status.Terminal() {
			// A remainder that will not rest returns its lock. MARKET
			// orders carry a zero price, so nothing is held for them here.
			release := Cost(remaining, taker.Price)
			takerBal.Locked = takerBal.Locked.Sub(release)
			if takerBal.Locked.Sign() < 0 {
				return fmt.Errorf("invariant: releasing order %s overdraws locked", taker.ID)
			}
			takerBal.Available = takerBal.Available.Add(release)
		}

		if err := tx.PutOrder(taker); err != nil {
			return err
		}
		if err := tx.AppendOrderEvent(types.OrderEvent{
			ID:        l.ids.NewID(),
			OrderID:   taker.ID,
			Type:      types.OrderEventPlace,
			Quantity:  taker.Quantity,
			Price:     taker.Price,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		for id, b := range balances {
			if err := tx.PutBalance(*b); err != nil {
				return err
			}
			eff.Balances[id] = *b
		}

		eff.Result.Order = taker
		bal := *balances[taker.UserID]
		eff.Result.Balance = &bal
		if pos, err := tx.GetPosition(taker.UserID, taker.MarketID, taker.Outcome); err == nil {
			eff.Result.Position = &pos
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eff.Result.Fills == nil {
		eff.Result.Fills = []types.Fill{}
	}
	return eff, nil
}

// buyReservation computes the cash to escrow before matching. LIMIT buys
// reserve quantity x limit price. MARKET buys have their fills fully
// decided before the transaction, so the reservation is the exact cost of
// the planned executions.
func (l *Ledger) buyReservation(taker types.Order, fills []FillSpec) decimal.Decimal {
	if taker.Type == types.LIMIT {
		return Cost(taker.Quantity, taker.Price)
	}
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(Cost(f.Quantity, f.Maker.Price))
	}
	return total
}

// freeShares is the seller's position minus the remainders of their other
// open SELL orders on the same (market, outcome) — shares are collateral
// and cannot be promised twice.
func (l *Ledger) freeShares(tx *store.Tx, userID, marketID string, outcome types.Outcome) (decimal.Decimal, error) {
	pos, err := tx.GetPosition(userID, marketID, outcome)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	open, err := tx.OpenOrdersByMarket(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	free := pos.Quantity
	for _, o := range open {
		if o.UserID == userID && o.Side == types.SELL && o.Outcome == outcome {
			free = free.Sub(o.Remaining())
		}
	}
	return free, nil
}

// checkPositionCap enforces the optional per-market cap on total shares
// across both outcomes, counting the incoming buy at full quantity.
func (l *Ledger) checkPositionCap(tx *store.Tx, taker types.Order) error {
	if l.risk == nil || !l.risk.HasCap() {
		return nil
	}
	total := decimal.Zero
	for _, outcome := range []types.Outcome{types.YES, types.NO} {
		pos, err := tx.GetPosition(taker.UserID, taker.MarketID, outcome)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		total = total.Add(pos.Quantity.Abs())
	}
	return l.risk.CheckPositionCap(total, taker.Quantity)
}

func (l *Ledger) positionOrNew(tx *store.Tx, userID, marketID string, outcome types.Outcome) (types.Position, error) {
	pos, err := tx.GetPosition(userID, marketID, outcome)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Position{}, err
	}
	return types.Position{
		UserID:       userID,
		MarketID:     marketID,
		Outcome:      outcome,
		Quantity:     decimal.Zero,
		AveragePrice: decimal.Zero,
	}, nil
}

package ledger

import (
	"fmt"
	"time"

	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// CancelEffects reports what an order cancellation changed.
type CancelEffects struct {
	Order   types.Order
	Balance types.Balance
}

// CancelOrder releases the residual escrow of an OPEN or PARTIAL order and
// marks it CANCELLED, in one transaction. Cancelling an order that has
// just become terminal is benign: the caller gets ALREADY_TERMINAL and no
// state changes. requireOwner is empty for administrative paths.
func (l *Ledger) CancelOrder(orderID, requireOwner string) (*CancelEffects, error) {
	eff := &CancelEffects{}
	err := l.store.Update(func(tx *store.Tx) error {
		o, err := tx.GetOrder(orderID)
		if err != nil {
			return err
		}
		if requireOwner != "" && o.UserID != requireOwner {
			return types.E(types.CodeNotOwner, "order belongs to another user")
		}
		if o.Status.Terminal() {
			return types.Ef(types.CodeAlreadyTerminal, "order is %s", o.Status)
		}
		cancelled, err := l.cancelInTx(tx, orderID, l.clk.Now())
		if err != nil {
			return err
		}
		eff.Order = cancelled
		bal, err := tx.GetBalance(cancelled.UserID)
		if err != nil {
			return err
		}
		eff.Balance = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eff, nil
}

// cancelInTx performs the escrow release inside an existing transaction.
// For a BUY the residual reservation (quantity - filled) x limit moves
// from locked back to available; a SELL holds no cash, its share
// commitment simply ends with the order.
func (l *Ledger) cancelInTx(tx *store.Tx, orderID string, now time.Time) (types.Order, error) {
	o, err := tx.GetOrder(orderID)
	if err != nil {
		return types.Order{}, err
	}
	if o.Status.Terminal() {
		return types.Order{}, types.Ef(types.CodeAlreadyTerminal, "order is %s", o.Status)
	}

	released := Cost(o.Remaining(), o.Price)
	if o.Side == types.BUY {
		bal, err := tx.GetBalance(o.UserID)
		if err != nil {
			return types.Order{}, err
		}
		bal.Locked = bal.Locked.Sub(released)
		if bal.Locked.Sign() < 0 {
			return types.Order{}, fmt.Errorf("invariant: cancel of %s would drive locked negative", orderID)
		}
		bal.Available = bal.Available.Add(released)
		if err := tx.PutBalance(bal); err != nil {
			return types.Order{}, err
		}
	}

	o.Status = types.OrderCancelled
	if err := tx.PutOrder(o); err != nil {
		return types.Order{}, err
	}
	if err := tx.AppendOrderEvent(types.OrderEvent{
		ID:        l.ids.NewID(),
		OrderID:   o.ID,
		Type:      types.OrderEventCancel,
		Quantity:  o.Remaining(),
		Price:     o.Price,
		CreatedAt: now,
	}); err != nil {
		return types.Order{}, err
	}
	return o, nil
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/book"
	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/pkg/types"
)

type submitResult struct {
	result types.PlaceOrderResult
	err    error
}

type cancelResult struct {
	result types.CancelOrderResult
	err    error
}

type marketResult struct {
	market types.Market
	err    error
}

type settleResult struct {
	result types.SettlementResult
	err    error
}

type cancelMarketResult struct {
	result types.CancelMarketResult
	err    error
}

type submitCmd struct {
	order    types.Order
	deadline time.Time
	res      chan submitResult
}

type cancelCmd struct {
	orderID string
	userID  string // empty for administrative cancels
	res     chan cancelResult
}

type snapshotCmd struct {
	outcome types.Outcome
	res     chan types.BookSnapshot
}

type closeCmd struct {
	res chan marketResult
}

type resolveCmd struct {
	outcome types.Outcome
	res     chan settleResult
}

type cancelMarketCmd struct {
	res chan cancelMarketResult
}

// worker is the actor owning one market: its two books and its command
// stream. Only the run goroutine touches the books after startup.
type worker struct {
	mgr    *Manager
	market types.Market
	books  map[types.Outcome]*book.Book
	cmds   chan any
	logger *slog.Logger

	halted     bool
	haltReason error
}

func newWorker(m *Manager, mkt types.Market) *worker {
	return &worker{
		mgr:    m,
		market: mkt,
		books: map[types.Outcome]*book.Book{
			types.YES: book.New(mkt.ID, types.YES),
			types.NO:  book.New(mkt.ID, types.NO),
		},
		cmds:   make(chan any, m.cfg.QueueDepth),
		logger: m.logger.With("market", mkt.Slug),
	}
}

// recover rebuilds the in-memory books from the durable open orders and
// audits the market's invariants before it may serve traffic.
func (w *worker) recover() error {
	open, err := w.mgr.ledger.OpenOrders(w.market.ID)
	if err != nil {
		return err
	}
	for i := range open {
		o := open[i]
		w.books[o.Outcome].Insert(&o)
	}
	for _, outcome := range []types.Outcome{types.YES, types.NO} {
		if w.books[outcome].Crossed() {
			return fmt.Errorf("book %s/%s crossed across users after rebuild",
				w.market.Slug, outcome)
		}
	}
	return w.mgr.ledger.AuditMarket(w.market.ID)
}

func (w *worker) halt(reason error) {
	w.halted = true
	w.haltReason = reason
}

func (w *worker) restingCount() int {
	return w.books[types.YES].Len() + w.books[types.NO].Len()
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			switch c := cmd.(type) {
			case submitCmd:
				res, err := w.processSubmit(c.order, c.deadline)
				c.res <- submitResult{result: res, err: err}
			case cancelCmd:
				res, err := w.processCancel(c.orderID, c.userID)
				c.res <- cancelResult{result: res, err: err}
			case snapshotCmd:
				c.res <- w.books[c.outcome].Snapshot()
			case closeCmd:
				mkt, err := w.processClose()
				c.res <- marketResult{market: mkt, err: err}
			case resolveCmd:
				res, err := w.processResolve(c.outcome)
				c.res <- settleResult{result: res, err: err}
			case cancelMarketCmd:
				res, err := w.processCancelMarket()
				c.res <- cancelMarketResult{result: res, err: err}
			}
		}
	}
}

// matchPlan is the outcome of walking the book for one incoming order.
type matchPlan struct {
	fills             []ledger.FillSpec
	cancelMakers      []types.Order
	residualCancelled bool
}

// plan decides every fill for the incoming order against the current book
// without mutating anything. Execution price is always the maker's limit.
func (w *worker) plan(o types.Order) (matchPlan, error) {
	var p matchPlan
	bk := w.books[o.Outcome]

	if o.Type == types.MARKET {
		var best *types.Order
		if o.Side == types.BUY {
			best = bk.BestAsk()
		} else {
			best = bk.BestBid()
		}
		if best == nil {
			return p, types.Ef(types.CodeNoLiquidity,
				"no resting %s liquidity for %s %s", o.Side.Opposite(), w.market.Slug, o.Outcome)
		}
	}

	// The collar bounds how far a MARKET walk may stray from the best
	// price it saw: BUY stops above best + collar, SELL below best - collar.
	collar := w.mgr.cfg.SlippageCollar
	var bound decimal.Decimal
	haveBound := false

	remaining := o.Remaining()
	cancelled := make(map[string]bool)
	bk.IterMatching(&o, func(maker *types.Order) bool {
		if o.Type == types.MARKET && collar.Sign() > 0 {
			if !haveBound {
				if o.Side == types.BUY {
					bound = maker.Price.Add(collar)
				} else {
					bound = maker.Price.Sub(collar)
				}
				haveBound = true
			}
			outside := (o.Side == types.BUY && maker.Price.GreaterThan(bound)) ||
				(o.Side == types.SELL && maker.Price.LessThan(bound))
			if outside {
				p.residualCancelled = true
				return false
			}
		}

		if maker.UserID == o.UserID {
			switch w.mgr.cfg.SelfTradePolicy {
			case types.SelfTradeCancelMaker:
				if !cancelled[maker.ID] {
					cancelled[maker.ID] = true
					p.cancelMakers = append(p.cancelMakers, *maker)
				}
				return true
			case types.SelfTradeCancelTaker:
				p.residualCancelled = true
				return false
			default: // SKIP
				return true
			}
		}

		qty := decimal.Min(remaining, maker.Remaining())
		p.fills = append(p.fills, ledger.FillSpec{Maker: *maker, Quantity: qty})
		remaining = remaining.Sub(qty)
		return remaining.Sign() > 0
	})
	return p, nil
}

func (w *worker) processSubmit(o types.Order, deadline time.Time) (types.PlaceOrderResult, error) {
	now := w.mgr.ledger.Clock().Now()
	if !deadline.IsZero() && now.After(deadline) {
		return types.PlaceOrderResult{}, types.E(types.CodeTimeout,
			"order expired in queue before processing").
			WithHint("deadline=%s", deadline.Format(time.RFC3339Nano))
	}
	if w.halted {
		return types.PlaceOrderResult{}, types.Ef(types.CodeMarketHalted,
			"market %s is quarantined: %v", w.market.Slug, w.haltReason)
	}
	if w.market.Status != types.MarketOpen {
		return types.PlaceOrderResult{}, types.Ef(types.CodeMarketNotOpen,
			"market %s is %s", w.market.Slug, w.market.Status)
	}

	plan, err := w.plan(o)
	if err != nil {
		return types.PlaceOrderResult{}, err
	}

	eff, err := w.mgr.ledger.CommitSubmission(ledger.Submission{
		Taker:             o,
		Fills:             plan.fills,
		CancelMakers:      plan.cancelMakers,
		ResidualCancelled: plan.residualCancelled,
	})
	if err != nil {
		return types.PlaceOrderResult{}, err
	}

	// The plan is durable; now reconcile the in-memory book with it.
	bk := w.books[o.Outcome]
	for _, maker := range eff.MakerOrders {
		if resting, ok := bk.Get(maker.ID); ok {
			if maker.Status.Terminal() {
				bk.Remove(maker.ID)
			} else {
				resting.Filled = maker.Filled
				resting.Status = maker.Status
			}
		}
	}
	for _, maker := range eff.CancelledMakers {
		bk.Remove(maker.ID)
	}
	final := eff.Result.Order
	if final.Status == types.OrderOpen || final.Status == types.OrderPartial {
		resting := final
		bk.Insert(&resting)
	}

	w.publishSubmit(o.Outcome, eff)
	return eff.Result, nil
}

func (w *worker) processCancel(orderID, userID string) (types.CancelOrderResult, error) {
	if w.halted {
		return types.CancelOrderResult{}, types.Ef(types.CodeMarketHalted,
			"market %s is quarantined: %v", w.market.Slug, w.haltReason)
	}
	eff, err := w.mgr.ledger.CancelOrder(orderID, userID)
	if err != nil {
		return types.CancelOrderResult{}, err
	}
	outcome := eff.Order.Outcome
	w.books[outcome].Remove(orderID)

	b := w.mgr.bus
	b.Publish(bus.TopicUser(eff.Order.UserID), bus.EventOrderCancelled, eff.Order)
	b.Publish(bus.TopicUser(eff.Order.UserID), bus.EventBalanceUpdated, eff.Balance)
	w.publishBook(outcome)

	return types.CancelOrderResult{Order: eff.Order, Balance: &eff.Balance}, nil
}

func (w *worker) processClose() (types.Market, error) {
	mkt, err := w.mgr.ledger.CloseMarket(w.market.Slug)
	if err != nil {
		return types.Market{}, err
	}
	w.market = mkt
	w.mgr.bus.Publish(bus.TopicMarket(mkt.ID), bus.EventMarketUpdated, mkt)
	w.logger.Info("market closed")
	return mkt, nil
}

func (w *worker) processResolve(outcome types.Outcome) (types.SettlementResult, error) {
	eff, err := w.mgr.ledger.ResolveMarket(w.market.Slug, outcome)
	if err != nil {
		return types.SettlementResult{}, err
	}
	w.finishSettlement(eff)
	return types.SettlementResult{
		Market:           eff.Market,
		SettledPositions: len(eff.Settled),
		TotalPayout:      eff.TotalPayout,
	}, nil
}

func (w *worker) processCancelMarket() (types.CancelMarketResult, error) {
	eff, err := w.mgr.ledger.CancelMarket(w.market.Slug)
	if err != nil {
		return types.CancelMarketResult{}, err
	}
	w.finishSettlement(eff)
	return types.CancelMarketResult{
		Market:   eff.Market,
		Refunded: eff.TotalPayout,
	}, nil
}

// finishSettlement empties the books and fans out everything a terminal
// market transition changed.
func (w *worker) finishSettlement(eff *ledger.SettlementEffects) {
	w.market = eff.Market
	w.books[types.YES] = book.New(w.market.ID, types.YES)
	w.books[types.NO] = book.New(w.market.ID, types.NO)

	b := w.mgr.bus
	for _, o := range eff.CancelledOrders {
		b.Publish(bus.TopicUser(o.UserID), bus.EventOrderCancelled, o)
	}
	for _, sp := range eff.Settled {
		b.Publish(bus.TopicUser(sp.Position.UserID), bus.EventPositionUpdated, sp.Position)
	}
	for userID, bal := range eff.Balances {
		b.Publish(bus.TopicUser(userID), bus.EventBalanceUpdated, bal)
	}
	b.Publish(bus.TopicMarket(w.market.ID), bus.EventMarketUpdated, eff.Market)
	w.publishBook(types.YES)
	w.publishBook(types.NO)
	w.logger.Info("market settled",
		"status", eff.Market.Status, "payout", eff.TotalPayout)
}

// publishSubmit fans out one committed submission: private order and
// account events on user topics, public trades and book deltas on market
// topics. Everything here happens after the transaction is durable.
func (w *worker) publishSubmit(outcome types.Outcome, eff *ledger.Effects) {
	b := w.mgr.bus
	taker := eff.Result.Order

	b.Publish(bus.TopicUser(taker.UserID), bus.EventOrderPlaced, taker)
	for _, tr := range eff.Trades {
		b.Publish(bus.TopicMarketTrades(w.market.ID), bus.EventTradeExecuted, tr)
	}
	for _, maker := range eff.CancelledMakers {
		b.Publish(bus.TopicUser(maker.UserID), bus.EventOrderCancelled, maker)
	}
	for userID, bal := range eff.Balances {
		b.Publish(bus.TopicUser(userID), bus.EventBalanceUpdated, bal)
	}
	for _, pos := range eff.Positions {
		b.Publish(bus.TopicUser(pos.UserID), bus.EventPositionUpdated, pos)
	}
	if len(eff.Trades) > 0 || len(eff.CancelledMakers) > 0 ||
		taker.Status == types.OrderOpen || taker.Status == types.OrderPartial {
		w.publishBook(outcome)
	}
}

func (w *worker) publishBook(outcome types.Outcome) {
	snap := w.books[outcome].Snapshot()
	w.mgr.bus.Publish(bus.TopicMarket(w.market.ID), bus.EventOrderbookUpdate, snap)
	w.mgr.bus.Publish(bus.TopicMarketOutcome(w.market.ID, outcome), bus.EventOrderbookUpdate, snap)
}

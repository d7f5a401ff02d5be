// Package engine hosts the per-market matching workers.
//
// Each market is a small actor: a goroutine owning the market's two books
// (YES and NO), fed by a command channel. All submissions, cancels, and
// settlement transitions for one market flow through that single channel,
// which gives the strict per-market serialization the escrow pipeline
// depends on. Disjoint markets run in parallel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/pkg/types"
)

// Config tunes matching behavior.
type Config struct {
	SlippageCollar  decimal.Decimal // max price distance from best level for MARKET walks
	SelfTradePolicy types.SelfTradePolicy
	SubmitTimeout   time.Duration // default deadline for queued submissions
	QueueDepth      int           // per-market command buffer
}

// Manager routes operations to per-market workers and owns their
// lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	ledger *ledger.Ledger
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker // by market ID
	slugs   map[string]string  // slug -> market ID
}

// NewManager creates an engine manager.
func NewManager(cfg Config, led *ledger.Ledger, evbus *bus.Bus, logger *slog.Logger) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.SelfTradePolicy == "" {
		cfg.SelfTradePolicy = types.SelfTradeSkip
	}
	return &Manager{
		cfg:     cfg,
		ledger:  led,
		bus:     evbus,
		logger:  logger.With("component", "engine"),
		workers: make(map[string]*worker),
		slugs:   make(map[string]string),
	}
}

// Start recovers every non-terminal market from the durable store:
// books are rebuilt from OPEN/PARTIAL orders and the derived invariants
// are audited. A market failing its audit is quarantined — its worker
// rejects submissions — but the rest of the exchange serves traffic.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ledger.AuditGlobal(); err != nil {
		return fmt.Errorf("global invariant audit: %w", err)
	}
	markets, err := m.ledger.Markets()
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, mkt := range markets {
		if mkt.Status.Terminal() {
			m.mu.Lock()
			m.slugs[mkt.Slug] = mkt.ID
			m.mu.Unlock()
			continue
		}
		if err := m.startWorker(ctx, mkt); err != nil {
			return err
		}
	}
	m.logger.Info("engine started", "markets", len(markets))
	return nil
}

// OpenMarket registers a newly created market and starts its worker.
func (m *Manager) OpenMarket(ctx context.Context, mkt types.Market) error {
	return m.startWorker(ctx, mkt)
}

func (m *Manager) startWorker(ctx context.Context, mkt types.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[mkt.ID]; ok {
		return nil
	}
	w := newWorker(m, mkt)
	if err := w.recover(); err != nil {
		w.halt(err)
		m.logger.Error("market quarantined on recovery",
			"market", mkt.Slug, "error", err)
	}
	m.workers[mkt.ID] = w
	m.slugs[mkt.Slug] = mkt.ID
	go w.run(ctx)
	m.logger.Info("market worker started",
		"market", mkt.Slug, "resting_orders", w.restingCount())
	return nil
}

func (m *Manager) workerBySlug(slug string) (*worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slugs[slug]
	if !ok {
		return nil, types.Ef(types.CodeNotFound, "market %q not found", slug)
	}
	w, ok := m.workers[id]
	if !ok {
		return nil, types.Ef(types.CodeMarketNotOpen, "market %q is terminal", slug)
	}
	return w, nil
}

func (m *Manager) workerByID(marketID string) (*worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.workers[marketID]; ok {
		return w, nil
	}
	// Markets terminal at startup are registered without a worker; they
	// exist, so they answer MARKET_NOT_OPEN just like workerBySlug does.
	for _, id := range m.slugs {
		if id == marketID {
			return nil, types.Ef(types.CodeMarketNotOpen, "market %s is terminal", marketID)
		}
	}
	return nil, types.Ef(types.CodeNotFound, "market %s not found", marketID)
}

// MarketIDBySlug resolves a slug without touching the worker.
func (m *Manager) MarketIDBySlug(slug string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slugs[slug]
	return id, ok
}

// ErrAbandoned reports a submission whose caller stopped waiting after
// the command was already enqueued. The worker still processes it, so
// side effects may have committed; callers holding an idempotency claim
// must not release it on this error.
var ErrAbandoned = types.E(types.CodeTimeout, "submission abandoned by caller")

// Submit runs one order through its market's worker. The order must
// already be validated and carry an ID, timestamps, and PENDING status.
// cancelAfter (zero means the configured default) bounds how long the
// submission may sit in the queue before it is rejected with TIMEOUT.
func (m *Manager) Submit(ctx context.Context, o types.Order, cancelAfter time.Duration) (types.PlaceOrderResult, error) {
	return m.submit(ctx, o, cancelAfter, nil)
}

// SubmitObserved is Submit with a hook for the abandoned-caller case.
// When the caller's context ends after enqueue, Submit answers
// ErrAbandoned immediately and observe is later invoked, from its own
// goroutine, with the worker's real outcome. On every other path
// observe is never called.
func (m *Manager) SubmitObserved(ctx context.Context, o types.Order, cancelAfter time.Duration, observe func(types.PlaceOrderResult, error)) (types.PlaceOrderResult, error) {
	return m.submit(ctx, o, cancelAfter, observe)
}

func (m *Manager) submit(ctx context.Context, o types.Order, cancelAfter time.Duration, observe func(types.PlaceOrderResult, error)) (types.PlaceOrderResult, error) {
	w, err := m.workerByID(o.MarketID)
	if err != nil {
		return types.PlaceOrderResult{}, err
	}
	if cancelAfter <= 0 {
		cancelAfter = m.cfg.SubmitTimeout
	}
	deadline := m.ledger.Clock().Now().Add(cancelAfter)

	res := make(chan submitResult, 1)
	cmd := submitCmd{order: o, deadline: deadline, res: res}
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return types.PlaceOrderResult{}, types.E(types.CodeTimeout, "submission cancelled while queueing")
	case <-time.After(cancelAfter):
		return types.PlaceOrderResult{}, types.E(types.CodeTimeout, "market queue congested")
	}
	select {
	case r := <-res:
		return r.result, r.err
	case <-ctx.Done():
		// The worker will still process the command; the caller only
		// stops waiting. Hand the eventual outcome to the observer so a
		// pending idempotency claim can be finalized with what really
		// happened instead of being guessed at.
		if observe != nil {
			go func() {
				r := <-res
				observe(r.result, r.err)
			}()
		}
		return types.PlaceOrderResult{}, ErrAbandoned
	}
}

// Cancel routes an order cancellation through the order's market worker so
// it serializes with submissions.
func (m *Manager) Cancel(ctx context.Context, orderID, userID string) (types.CancelOrderResult, error) {
	o, err := m.ledger.GetOrder(orderID)
	if err != nil {
		return types.CancelOrderResult{}, err
	}
	w, err := m.workerByID(o.MarketID)
	if err != nil {
		// Markets terminal at startup carry no worker and nothing resting;
		// the durable cancel still answers with the order's own state
		// (ALREADY_TERMINAL once settlement has cancelled it).
		eff, cerr := m.ledger.CancelOrder(orderID, userID)
		if cerr != nil {
			return types.CancelOrderResult{}, cerr
		}
		return types.CancelOrderResult{Order: eff.Order, Balance: &eff.Balance}, nil
	}
	res := make(chan cancelResult, 1)
	select {
	case w.cmds <- cancelCmd{orderID: orderID, userID: userID, res: res}:
	case <-ctx.Done():
		return types.CancelOrderResult{}, ctx.Err()
	}
	select {
	case r := <-res:
		return r.result, r.err
	case <-ctx.Done():
		return types.CancelOrderResult{}, ctx.Err()
	}
}

// Snapshot returns the aggregated book for one (market, outcome), read
// inside the market's critical section.
func (m *Manager) Snapshot(ctx context.Context, slug string, outcome types.Outcome) (types.BookSnapshot, error) {
	w, err := m.workerBySlug(slug)
	if err != nil {
		// Terminal markets still render an empty book.
		if id, ok := m.MarketIDBySlug(slug); ok {
			return types.BookSnapshot{
				MarketID: id, Outcome: outcome,
				Bids: []types.PriceLevel{}, Asks: []types.PriceLevel{},
			}, nil
		}
		return types.BookSnapshot{}, err
	}
	res := make(chan types.BookSnapshot, 1)
	select {
	case w.cmds <- snapshotCmd{outcome: outcome, res: res}:
	case <-ctx.Done():
		return types.BookSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-res:
		return snap, nil
	case <-ctx.Done():
		return types.BookSnapshot{}, ctx.Err()
	}
}

// CloseMarket transitions a market to CLOSED through its worker.
func (m *Manager) CloseMarket(ctx context.Context, slug string) (types.Market, error) {
	w, err := m.workerBySlug(slug)
	if err != nil {
		// A market terminal at startup has no worker and nothing resting;
		// the durable status guard answers with its actual state.
		if types.IsCode(err, types.CodeMarketNotOpen) {
			return m.ledger.CloseMarket(slug)
		}
		return types.Market{}, err
	}
	res := make(chan marketResult, 1)
	select {
	case w.cmds <- closeCmd{res: res}:
	case <-ctx.Done():
		return types.Market{}, ctx.Err()
	}
	r := <-res
	return r.market, r.err
}

// ResolveMarket settles a CLOSED market with the declared outcome, under
// the market's critical section so no submission interleaves.
func (m *Manager) ResolveMarket(ctx context.Context, slug string, outcome types.Outcome) (types.SettlementResult, error) {
	w, err := m.workerBySlug(slug)
	if err != nil {
		if types.IsCode(err, types.CodeMarketNotOpen) {
			// Terminal at startup: let the durable guard report the real
			// status (ALREADY_RESOLVED for a resolved market, NOT_CLOSED
			// for a cancelled one) instead of a generic worker error.
			_, lerr := m.ledger.ResolveMarket(slug, outcome)
			return types.SettlementResult{}, lerr
		}
		return types.SettlementResult{}, err
	}
	res := make(chan settleResult, 1)
	select {
	case w.cmds <- resolveCmd{outcome: outcome, res: res}:
	case <-ctx.Done():
		return types.SettlementResult{}, ctx.Err()
	}
	r := <-res
	return r.result, r.err
}

// CancelMarket voids an OPEN or CLOSED market, refunding positions at
// their average acquisition price.
func (m *Manager) CancelMarket(ctx context.Context, slug string) (types.CancelMarketResult, error) {
	w, err := m.workerBySlug(slug)
	if err != nil {
		if types.IsCode(err, types.CodeMarketNotOpen) {
			_, lerr := m.ledger.CancelMarket(slug)
			return types.CancelMarketResult{}, lerr
		}
		return types.CancelMarketResult{}, err
	}
	res := make(chan cancelMarketResult, 1)
	select {
	case w.cmds <- cancelMarketCmd{res: res}:
	case <-ctx.Done():
		return types.CancelMarketResult{}, ctx.Err()
	}
	r := <-res
	return r.result, r.err
}

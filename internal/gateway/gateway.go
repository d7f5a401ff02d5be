// Package gateway is the order intake boundary: request validation,
// idempotent submission, and the query surface the transport layer exposes.
//
// Validation is strict and happens before anything reaches the engine:
// enum fields, quantity bounds, and the tick grid for LIMIT prices. An
// order that fails here never gets an ID in the store.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/config"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

// PlaceOrderRequest is the wire shape of an order submission. Price and
// Quantity are decimal strings so no precision is lost in transport.
type PlaceOrderRequest struct {
	MarketSlug     string        `json:"market"`
	Side           string        `json:"side"`
	Type           string        `json:"type"`
	Outcome        string        `json:"outcome"`
	Price          string        `json:"price,omitempty"` // LIMIT only
	Quantity       string        `json:"quantity"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CancelAfter    time.Duration `json:"cancel_after,omitempty"`
}

// Gateway validates requests and dispatches them to the engine.
type Gateway struct {
	cfg    *config.Config
	led    *ledger.Ledger
	eng    *engine.Manager
	logger *slog.Logger
}

// New creates a gateway.
func New(cfg *config.Config, led *ledger.Ledger, eng *engine.Manager, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		led:    led,
		eng:    eng,
		logger: logger.With("component", "gateway"),
	}
}

// PlaceOrder validates and submits one order. The returned bool reports an
// idempotent replay: the ack (or the original coded rejection) came from
// the recorded first attempt and nothing was re-executed.
func (g *Gateway) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (types.PlaceOrderResult, bool, error) {
	o, err := g.buildOrder(userID, req)
	if err != nil {
		return types.PlaceOrderResult{}, false, err
	}

	if req.IdempotencyKey == "" {
		res, err := g.eng.Submit(ctx, o, req.CancelAfter)
		return res, false, err
	}

	hash := requestHash(req)
	if res, replayed, err := g.reserveIdempotency(userID, req.IdempotencyKey, hash); replayed || err != nil {
		return res, replayed, err
	}

	res, err := g.eng.SubmitObserved(ctx, o, req.CancelAfter, func(r types.PlaceOrderResult, werr error) {
		g.finalizeIdempotency(userID, req.IdempotencyKey, hash, r, werr)
	})
	if errors.Is(err, engine.ErrAbandoned) {
		// The worker is still processing this order; the claim stays
		// pending and the observer finalizes it with the real outcome. A
		// keyed retry replays that outcome instead of matching twice.
		return res, false, err
	}
	g.finalizeIdempotency(userID, req.IdempotencyKey, hash, res, err)
	return res, false, err
}

// buildOrder turns a request into a fully formed PENDING order, or a coded
// rejection.
func (g *Gateway) buildOrder(userID string, req PlaceOrderRequest) (types.Order, error) {
	if err := g.led.Store().View(func(tx *store.Tx) error {
		_, err := tx.GetUser(userID)
		return err
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Order{}, types.Ef(types.CodeNotFound, "unknown user %q", userID)
		}
		return types.Order{}, err
	}

	side := types.Side(req.Side)
	if !side.Valid() {
		return types.Order{}, types.Ef(types.CodeValidation, "side must be BUY or SELL, got %q", req.Side)
	}
	typ := types.OrderType(req.Type)
	if !typ.Valid() {
		return types.Order{}, types.Ef(types.CodeValidation, "type must be LIMIT or MARKET, got %q", req.Type)
	}
	outcome := types.Outcome(req.Outcome)
	if !outcome.Valid() {
		return types.Order{}, types.Ef(types.CodeValidation, "outcome must be YES or NO, got %q", req.Outcome)
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return types.Order{}, types.Ef(types.CodeValidation, "quantity %q is not a decimal", req.Quantity)
	}
	if qty.LessThan(g.cfg.MinQuantity()) || qty.GreaterThan(g.cfg.MaxQuantity()) {
		return types.Order{}, types.Ef(types.CodeQuantityOutOfRange,
			"quantity %s outside [%s, %s]", qty, g.cfg.MinQuantity(), g.cfg.MaxQuantity())
	}

	var price decimal.Decimal
	switch typ {
	case types.LIMIT:
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			return types.Order{}, types.Ef(types.CodeValidation, "price %q is not a decimal", req.Price)
		}
		one := decimal.NewFromInt(1)
		if price.Sign() <= 0 || !price.LessThan(one) {
			return types.Order{}, types.Ef(types.CodePriceOutOfRange,
				"price %s outside the open interval (0,1)", price)
		}
		tick := g.cfg.TickSize()
		if !price.Mod(tick).IsZero() {
			return types.Order{}, types.Ef(types.CodePriceOutOfRange,
				"price %s is not a multiple of the tick size", price).
				WithHint("tick_size=%s", tick)
		}
	case types.MARKET:
		if req.Price != "" {
			return types.Order{}, types.E(types.CodeValidation, "MARKET orders carry no price")
		}
	}

	m, err := g.led.GetMarketBySlug(req.MarketSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Order{}, types.Ef(types.CodeNotFound, "market %q not found", req.MarketSlug)
		}
		return types.Order{}, err
	}

	return types.Order{
		ID:        g.led.IDs().NewID(),
		MarketID:  m.ID,
		UserID:    userID,
		Side:      side,
		Type:      typ,
		Outcome:   outcome,
		Price:     price,
		Quantity:  qty,
		Filled:    decimal.Zero,
		Status:    types.OrderPending,
		CreatedAt: g.led.Clock().Now(),
	}, nil
}

// requestHash canonicalizes the fields that define the operation. The
// idempotency key promises "this exact order once"; a different body under
// the same key is a client bug surfaced as IDEMPOTENCY_KEY_CONFLICT.
func requestHash(req PlaceOrderRequest) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		req.MarketSlug, req.Side, req.Type, req.Outcome, req.Price, req.Quantity,
	}, "|")))
	return hex.EncodeToString(h[:])
}

// reserveIdempotency claims the (user, key) slot or replays the recorded
// outcome. The claim and the lookup share one serializable transaction, so
// two racing requests with the same key cannot both execute.
func (g *Gateway) reserveIdempotency(userID, key, hash string) (types.PlaceOrderResult, bool, error) {
	var (
		replayRes types.PlaceOrderResult
		replayed  bool
		replayErr error
	)
	err := g.led.Store().Update(func(tx *store.Tx) error {
		rec, err := tx.GetIdempotency(userID, key)
		if errors.Is(err, store.ErrNotFound) {
			return tx.PutIdempotency(store.IdempotencyRecord{
				UserID:    userID,
				Key:       key,
				BodyHash:  hash,
				CreatedAt: g.led.Clock().Now(),
			})
		}
		if err != nil {
			return err
		}
		if rec.BodyHash != hash {
			return types.E(types.CodeIdempotencyKeyConflict,
				"idempotency key was already used with a different request body")
		}
		replayed = true
		switch {
		case rec.Err != "":
			replayErr = types.Ef(types.ErrorCode(rec.Err), "replayed rejection")
		case rec.Result.Order.ID != "":
			replayRes = rec.Result
		default:
			// Claimed but not finalized: the first attempt is still in
			// flight (or died mid-request and awaits the TTL sweep).
			replayErr = types.E(types.CodeIdempotencyReplay,
				"a request with this key is still in flight")
		}
		return nil
	})
	if err != nil {
		return types.PlaceOrderResult{}, false, err
	}
	return replayRes, replayed, replayErr
}

// finalizeIdempotency records the outcome for future replays. Transient
// failures release the claim instead, so an honest retry re-executes.
// Every TIMEOUT reaching here is one where matching verifiably never
// ran (enqueue failure, queue congestion, the worker's own deadline
// rejection); an abandoned caller's TIMEOUT never comes through this
// path — its claim is finalized by the submit observer with the
// worker's real outcome.
func (g *Gateway) finalizeIdempotency(userID, key, hash string, res types.PlaceOrderResult, submitErr error) {
	err := g.led.Store().Update(func(tx *store.Tx) error {
		if submitErr != nil {
			code := types.CodeOf(submitErr)
			if code == types.CodeTimeout || code == types.CodeInternal {
				return tx.DeleteIdempotency(userID, key)
			}
			return tx.PutIdempotency(store.IdempotencyRecord{
				UserID:    userID,
				Key:       key,
				BodyHash:  hash,
				Err:       string(code),
				CreatedAt: g.led.Clock().Now(),
			})
		}
		return tx.PutIdempotency(store.IdempotencyRecord{
			UserID:    userID,
			Key:       key,
			BodyHash:  hash,
			Result:    res,
			CreatedAt: g.led.Clock().Now(),
		})
	})
	if err != nil {
		g.logger.Error("finalize idempotency record", "user", userID, "error", err)
	}
}

// CancelOrder cancels the caller's order.
func (g *Gateway) CancelOrder(ctx context.Context, userID, orderID string) (types.CancelOrderResult, error) {
	return g.eng.Cancel(ctx, orderID, userID)
}

// RunSweeper periodically evicts expired idempotency records.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ttl := g.cfg.Exchange.IdempotencyTTL
	interval := ttl / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var swept int
			err := g.led.Store().Update(func(tx *store.Tx) error {
				var err error
				swept, err = tx.SweepIdempotency(g.led.Clock().Now(), ttl)
				return err
			})
			if err != nil {
				g.logger.Error("idempotency sweep", "error", err)
			} else if swept > 0 {
				g.logger.Info("idempotency sweep", "evicted", swept)
			}
		}
	}
}

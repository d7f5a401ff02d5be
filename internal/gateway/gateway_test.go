package gateway

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/clock"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/risk"
	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type harness struct {
	t   *testing.T
	gw  *Gateway
	led *ledger.Ledger
	clk *clock.Fake

	admin  types.User
	market types.Market
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "exchange.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	clk := clock.NewFake(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(st, clk, clk, risk.NewChecker(cfg.PositionCap()), logger)
	evbus := bus.New(clk, logger)
	eng := engine.NewManager(engine.Config{
		SlippageCollar:  cfg.SlippageCollar(),
		SelfTradePolicy: cfg.SelfTrade(),
		SubmitTimeout:   cfg.Exchange.SubmitTimeout,
	}, led, evbus, logger)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	gw := New(cfg, led, eng, logger)

	admin, err := gw.CreateUser("admin", types.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	m, err := gw.CreateMarket(context.Background(), admin.ID, "btc-100k", "Will BTC close above 100k?")
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return &harness{t: t, gw: gw, led: led, clk: clk, admin: admin, market: m}
}

func (h *harness) user(name, deposit string) types.User {
	h.t.Helper()
	u, err := h.gw.CreateUser(name, types.RoleUser)
	if err != nil {
		h.t.Fatalf("create user: %v", err)
	}
	if deposit != "" {
		if _, err := h.gw.Deposit(u.ID, deposit); err != nil {
			h.t.Fatalf("deposit: %v", err)
		}
	}
	return u
}

func (h *harness) seedShares(userID string, outcome types.Outcome, qty, avg string) {
	h.t.Helper()
	err := h.led.Store().Update(func(tx *store.Tx) error {
		return tx.PutPosition(types.Position{
			UserID:       userID,
			MarketID:     h.market.ID,
			Outcome:      outcome,
			Quantity:     d(qty),
			AveragePrice: d(avg),
			UpdatedAt:    h.clk.Now(),
		})
	})
	if err != nil {
		h.t.Fatalf("seed position: %v", err)
	}
}

func buyReq(price, qty string) PlaceOrderRequest {
	return PlaceOrderRequest{
		MarketSlug: "btc-100k",
		Side:       "BUY",
		Type:       "LIMIT",
		Outcome:    "YES",
		Price:      price,
		Quantity:   qty,
	}
}

func wantCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", code)
	}
	if got := types.CodeOf(err); got != code {
		t.Fatalf("error code = %s (%v), want %s", got, err, code)
	}
}

func TestValidationRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("trader", "10.00")
	ctx := context.Background()

	cases := []struct {
		name string
		req  PlaceOrderRequest
		code types.ErrorCode
	}{
		{"bad side", PlaceOrderRequest{MarketSlug: "btc-100k", Side: "HOLD", Type: "LIMIT", Outcome: "YES", Price: "0.50", Quantity: "1"}, types.CodeValidation},
		{"bad type", PlaceOrderRequest{MarketSlug: "btc-100k", Side: "BUY", Type: "STOP", Outcome: "YES", Price: "0.50", Quantity: "1"}, types.CodeValidation},
		{"bad outcome", PlaceOrderRequest{MarketSlug: "btc-100k", Side: "BUY", Type: "LIMIT", Outcome: "MAYBE", Price: "0.50", Quantity: "1"}, types.CodeValidation},
		{"price zero", buyReq("0", "1"), types.CodePriceOutOfRange},
		{"price one", buyReq("1", "1"), types.CodePriceOutOfRange},
		{"price above one", buyReq("1.20", "1"), types.CodePriceOutOfRange},
		{"price off tick grid", buyReq("0.505", "1"), types.CodePriceOutOfRange},
		{"price not a number", buyReq("half", "1"), types.CodeValidation},
		{"quantity zero", buyReq("0.50", "0"), types.CodeQuantityOutOfRange},
		{"quantity too large", buyReq("0.50", "1000001"), types.CodeQuantityOutOfRange},
		{"quantity not a number", buyReq("0.50", "many"), types.CodeValidation},
		{"market order with price", PlaceOrderRequest{MarketSlug: "btc-100k", Side: "BUY", Type: "MARKET", Outcome: "YES", Price: "0.50", Quantity: "1"}, types.CodeValidation},
		{"unknown market", PlaceOrderRequest{MarketSlug: "nope", Side: "BUY", Type: "LIMIT", Outcome: "YES", Price: "0.50", Quantity: "1"}, types.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.gw.PlaceOrder(ctx, u.ID, tc.req)
			wantCode(t, err, tc.code)
		})
	}

	_, _, err := h.gw.PlaceOrder(ctx, "ghost", buyReq("0.50", "1"))
	wantCode(t, err, types.CodeNotFound)
}

// Retrying a submission with the same idempotency key returns the recorded
// ack; the order executes exactly once.
func TestIdempotentReplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("trader", "10.00")
	ctx := context.Background()

	req := buyReq("0.40", "5")
	req.IdempotencyKey = "submit-1"

	first, replayed, err := h.gw.PlaceOrder(ctx, u.ID, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if replayed {
		t.Fatal("first submit reported as replay")
	}

	second, replayed, err := h.gw.PlaceOrder(ctx, u.ID, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed {
		t.Fatal("second submit not reported as replay")
	}
	if second.Order.ID != first.Order.ID {
		t.Errorf("replay order ID = %s, want %s", second.Order.ID, first.Order.ID)
	}

	// Escrow reflects one resting order, not two.
	bal, err := h.gw.Balance(u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Locked.Equal(d("2.00")) {
		t.Errorf("locked = %s, want 2.00 (single execution)", bal.Locked)
	}
	snap, err := h.gw.OrderBook(ctx, "btc-100k", "YES")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("5")) {
		t.Errorf("bids = %+v, want one 5-share level", snap.Bids)
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("trader", "10.00")
	ctx := context.Background()

	req := buyReq("0.40", "5")
	req.IdempotencyKey = "submit-1"
	if _, _, err := h.gw.PlaceOrder(ctx, u.ID, req); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	altered := buyReq("0.40", "6")
	altered.IdempotencyKey = "submit-1"
	_, _, err := h.gw.PlaceOrder(ctx, u.ID, altered)
	wantCode(t, err, types.CodeIdempotencyKeyConflict)
}

// A deterministic rejection is recorded too: the replay returns the same
// code without re-running the submission.
func TestIdempotentReplayOfRejection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("pauper", "1.00")
	ctx := context.Background()

	req := buyReq("0.50", "10") // needs 5.00
	req.IdempotencyKey = "submit-1"

	_, _, err := h.gw.PlaceOrder(ctx, u.ID, req)
	wantCode(t, err, types.CodeInsufficientBalance)

	_, replayed, err := h.gw.PlaceOrder(ctx, u.ID, req)
	wantCode(t, err, types.CodeInsufficientBalance)
	if !replayed {
		t.Error("rejection replay not flagged")
	}

	// Funding the account does not resurrect the recorded rejection under
	// the same key; a new key is a new operation.
	if _, err := h.gw.Deposit(u.ID, "10.00"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	req.IdempotencyKey = "submit-2"
	if _, _, err := h.gw.PlaceOrder(ctx, u.ID, req); err != nil {
		t.Fatalf("fresh key after funding: %v", err)
	}
}

// Keys are scoped per user: two users may reuse the same key string.
func TestIdempotencyKeyScopedPerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.user("a", "10.00")
	b := h.user("b", "10.00")
	ctx := context.Background()

	req := buyReq("0.40", "5")
	req.IdempotencyKey = "shared"

	if _, _, err := h.gw.PlaceOrder(ctx, a.ID, req); err != nil {
		t.Fatalf("user a: %v", err)
	}
	_, replayed, err := h.gw.PlaceOrder(ctx, b.ID, req)
	if err != nil {
		t.Fatalf("user b: %v", err)
	}
	if replayed {
		t.Error("user b's first use of the key reported as replay")
	}
}

// A keyed caller that stops waiting leaves its claim pending: a retry
// never re-runs matching, and once the worker's outcome is delivered the
// retry replays the committed order instead of creating a second one.
func TestAbandonedKeyedSubmissionReplaysRealOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("trader", "10.00")
	ctx := context.Background()

	req := buyReq("0.40", "5")
	req.IdempotencyKey = "submit-1"
	hash := requestHash(req)

	// First attempt claims the key, then its caller gives up while the
	// worker is still processing.
	if _, replayed, err := h.gw.reserveIdempotency(u.ID, req.IdempotencyKey, hash); replayed || err != nil {
		t.Fatalf("reserve claim: replayed=%v err=%v", replayed, err)
	}

	// While the claim is pending, a keyed retry must not execute anything.
	_, _, err := h.gw.PlaceOrder(ctx, u.ID, req)
	wantCode(t, err, types.CodeIdempotencyReplay)
	bal, err := h.gw.Balance(u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Locked.IsZero() {
		t.Fatalf("pending-claim retry moved escrow: locked = %s", bal.Locked)
	}

	// The worker finishes the abandoned attempt; the observer finalizes
	// the claim with the committed result.
	o, err := h.gw.buildOrder(u.ID, req)
	if err != nil {
		t.Fatalf("build order: %v", err)
	}
	res, err := h.gw.eng.Submit(ctx, o, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.gw.finalizeIdempotency(u.ID, req.IdempotencyKey, hash, res, nil)

	// A retry now replays the real outcome without matching twice.
	second, replayed, err := h.gw.PlaceOrder(ctx, u.ID, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !replayed {
		t.Fatal("retry not reported as replay")
	}
	if second.Order.ID != res.Order.ID {
		t.Errorf("replay order ID = %s, want %s", second.Order.ID, res.Order.ID)
	}

	bal, err = h.gw.Balance(u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Locked.Equal(d("2.00")) {
		t.Errorf("locked = %s, want 2.00 (single execution)", bal.Locked)
	}
	snap, err := h.gw.OrderBook(ctx, "btc-100k", "YES")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("5")) {
		t.Errorf("bids = %+v, want one 5-share level", snap.Bids)
	}
}

func TestAdminGating(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u := h.user("pleb", "0")
	ctx := context.Background()

	if _, err := h.gw.CreateMarket(ctx, u.ID, "eth-10k", "q"); err == nil {
		t.Error("non-admin created a market")
	} else {
		wantCode(t, err, types.CodeNotOwner)
	}
	_, err := h.gw.CloseMarket(ctx, u.ID, "btc-100k")
	wantCode(t, err, types.CodeNotOwner)
	_, err = h.gw.ResolveMarket(ctx, u.ID, "btc-100k", "YES")
	wantCode(t, err, types.CodeNotOwner)
	_, err = h.gw.CancelMarket(ctx, u.ID, "btc-100k")
	wantCode(t, err, types.CodeNotOwner)

	if _, err := h.gw.CloseMarket(ctx, h.admin.ID, "btc-100k"); err != nil {
		t.Fatalf("admin close: %v", err)
	}
	if _, err := h.gw.ResolveMarket(ctx, h.admin.ID, "btc-100k", "PROBABLY"); err == nil {
		t.Error("invalid outcome accepted")
	}
	if _, err := h.gw.ResolveMarket(ctx, h.admin.ID, "btc-100k", "YES"); err != nil {
		t.Fatalf("admin resolve: %v", err)
	}
}

func TestOrderDetailOwnership(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	owner := h.user("owner", "10.00")
	other := h.user("other", "0")
	ctx := context.Background()

	res, _, err := h.gw.PlaceOrder(ctx, owner.ID, buyReq("0.40", "5"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	detail, err := h.gw.Order(owner.ID, res.Order.ID)
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if len(detail.Events) == 0 {
		t.Error("order has no audit events")
	}

	_, err = h.gw.Order(other.ID, res.Order.ID)
	wantCode(t, err, types.CodeNotOwner)

	// Admins may inspect anyone's orders.
	if _, err := h.gw.Order(h.admin.ID, res.Order.ID); err != nil {
		t.Errorf("admin read: %v", err)
	}
}

func TestEndToEndMatchThroughGateway(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	seller := h.user("seller", "0")
	h.seedShares(seller.ID, types.YES, "10", "0.50")
	buyer := h.user("buyer", "10.00")
	ctx := context.Background()

	sellReq := PlaceOrderRequest{
		MarketSlug: "btc-100k", Side: "SELL", Type: "LIMIT",
		Outcome: "YES", Price: "0.60", Quantity: "10",
	}
	if _, _, err := h.gw.PlaceOrder(ctx, seller.ID, sellReq); err != nil {
		t.Fatalf("sell: %v", err)
	}
	res, _, err := h.gw.PlaceOrder(ctx, buyer.ID, buyReq("0.65", "4"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Fills) != 1 || !res.Fills[0].Price.Equal(d("0.60")) {
		t.Fatalf("fills = %+v, want one fill at 0.60", res.Fills)
	}

	trades, err := h.gw.Trades("btc-100k", 10)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 || !trades[0].Quantity.Equal(d("4")) {
		t.Fatalf("trades = %+v, want one 4-share trade", trades)
	}
	positions, err := h.gw.Positions(buyer.ID)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(d("4")) {
		t.Fatalf("positions = %+v, want 4 YES", positions)
	}
}

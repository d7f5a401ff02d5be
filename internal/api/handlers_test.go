package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/clock"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/gateway"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/risk"
	"prediction-exchange/internal/store"
	"prediction-exchange/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	t     *testing.T
	srv   *httptest.Server
	admin types.User
}

func newEnv(t *testing.T) *env {
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
	}, led, evbus, logger)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	gw := gateway.New(cfg, led, eng, logger)
	server := NewServer(cfg, gw, evbus, logger)

	admin, err := gw.CreateUser("admin", types.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}

	srv := httptest.NewServer(server.server.Handler)
	t.Cleanup(srv.Close)
	return &env{t: t, srv: srv, admin: admin}
}

func (e *env) do(method, path, asUser string, body any) (*http.Response, []byte) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if asUser != "" {
		req.Header.Set("X-User-ID", asUser)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *env) decode(data []byte, v any) {
	e.t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		e.t.Fatalf("decode %s: %v", data, err)
	}
}

func (e *env) newUser(name, deposit string) types.User {
	e.t.Helper()
	resp, data := e.do("POST", "/api/users", "", map[string]string{"name": name})
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("create user: status %d: %s", resp.StatusCode, data)
	}
	var u types.User
	e.decode(data, &u)
	if deposit != "" {
		resp, data = e.do("POST", "/api/deposit", u.ID, map[string]string{"amount": deposit})
		if resp.StatusCode != http.StatusOK {
			e.t.Fatalf("deposit: status %d: %s", resp.StatusCode, data)
		}
	}
	return u
}

func (e *env) newMarket(slug string) types.Market {
	e.t.Helper()
	resp, data := e.do("POST", "/api/markets", e.admin.ID,
		map[string]string{"slug": slug, "question": "?"})
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("create market: status %d: %s", resp.StatusCode, data)
	}
	var m types.Market
	e.decode(data, &m)
	return m
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	resp, data := e.do("GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
}

func TestPlaceOrderOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.newMarket("btc-100k")
	u := e.newUser("trader", "10.00")

	resp, data := e.do("POST", "/api/orders", u.ID, map[string]string{
		"market": "btc-100k", "side": "BUY", "type": "LIMIT",
		"outcome": "YES", "price": "0.40", "quantity": "5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var res types.PlaceOrderResult
	e.decode(data, &res)
	if res.Order.Status != types.OrderOpen {
		t.Errorf("order status = %s, want OPEN", res.Order.Status)
	}
	if res.Balance == nil || !res.Balance.Locked.Equal(res.Order.Quantity.Mul(res.Order.Price)) {
		t.Errorf("balance in ack = %+v, want locked 2.00", res.Balance)
	}

	// The book endpoint shows the resting bid.
	resp, data = e.do("GET", "/api/markets/btc-100k/book?outcome=YES", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("book status = %d: %s", resp.StatusCode, data)
	}
	var snap types.BookSnapshot
	e.decode(data, &snap)
	if len(snap.Bids) != 1 {
		t.Fatalf("bids = %+v, want one level", snap.Bids)
	}

	// Cancel it over HTTP.
	resp, data = e.do("DELETE", "/api/orders/"+res.Order.ID, u.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, data)
	}
	var cres types.CancelOrderResult
	e.decode(data, &cres)
	if cres.Order.Status != types.OrderCancelled {
		t.Errorf("cancelled status = %s", cres.Order.Status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.newMarket("btc-100k")
	u := e.newUser("trader", "1.00")

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   types.ErrorCode
	}{
		{"missing identity", "POST", "/api/orders", "", map[string]string{}, http.StatusUnauthorized, types.CodeValidation},
		{"bad price", "POST", "/api/orders", u.ID, map[string]string{
			"market": "btc-100k", "side": "BUY", "type": "LIMIT",
			"outcome": "YES", "price": "0.505", "quantity": "1",
		}, http.StatusBadRequest, types.CodePriceOutOfRange},
		{"unknown market", "GET", "/api/markets/nope", "", nil, http.StatusNotFound, types.CodeNotFound},
		{"insufficient balance", "POST", "/api/orders", u.ID, map[string]string{
			"market": "btc-100k", "side": "BUY", "type": "LIMIT",
			"outcome": "YES", "price": "0.50", "quantity": "10",
		}, http.StatusConflict, types.CodeInsufficientBalance},
		{"non-admin close", "POST", "/api/markets/btc-100k/close", u.ID, map[string]string{}, http.StatusForbidden, types.CodeNotOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := e.do(tc.method, tc.path, tc.user, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.status, data)
			}
			var eb errorBody
			e.decode(data, &eb)
			if eb.Error.Code != tc.code {
				t.Errorf("code = %s, want %s", eb.Error.Code, tc.code)
			}
		})
	}
}

func TestIdempotencyHeaderReplay(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.newMarket("btc-100k")
	u := e.newUser("trader", "10.00")

	body := map[string]string{
		"market": "btc-100k", "side": "BUY", "type": "LIMIT",
		"outcome": "YES", "price": "0.40", "quantity": "5",
	}
	place := func() (*http.Response, types.PlaceOrderResult) {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", e.srv.URL+"/api/orders", bytes.NewReader(data))
		req.Header.Set("X-User-ID", u.ID)
		req.Header.Set("X-Idempotency-Key", "op-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		var res types.PlaceOrderResult
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusCreated {
			e.decode(raw, &res)
		}
		return resp, res
	}

	first, res1 := place()
	if first.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("first request flagged as replay")
	}
	second, res2 := place()
	if second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("replay header missing on second request")
	}
	if res1.Order.ID != res2.Order.ID {
		t.Errorf("replay returned a different order: %s vs %s", res1.Order.ID, res2.Order.ID)
	}
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.newMarket("btc-100k")

	resp, data := e.do("POST", "/api/markets/btc-100k/close", e.admin.ID, map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d: %s", resp.StatusCode, data)
	}
	resp, data = e.do("POST", "/api/markets/btc-100k/resolve", e.admin.ID,
		map[string]string{"outcome": "YES"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", resp.StatusCode, data)
	}
	var res types.SettlementResult
	e.decode(data, &res)
	if res.Market.Status != types.MarketResolved {
		t.Errorf("market status = %s, want RESOLVED", res.Market.Status)
	}

	// A second resolve is a conflict.
	resp, _ = e.do("POST", "/api/markets/btc-100k/resolve", e.admin.ID,
		map[string]string{"outcome": "NO"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double resolve status = %d, want 409", resp.StatusCode)
	}
}

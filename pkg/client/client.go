// Package client is the Go SDK for the exchange: a REST client for order
// management and queries, and a WebSocket stream with sequence-gap
// detection for market data.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-exchange/pkg/types"
)

// PlaceOrderRequest is the wire shape of an order submission. Price and
// Quantity are decimal strings.
type PlaceOrderRequest struct {
	MarketSlug     string `json:"market"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Outcome        string `json:"outcome"`
	Price          string `json:"price,omitempty"`
	Quantity       string `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// OrderDetail is an order with its audit trail.
type OrderDetail struct {
	Order  types.Order        `json:"order"`
	Events []types.OrderEvent `json:"events"`
}

type errorBody struct {
	Error types.Error `json:"error"`
}

// Client talks to the exchange REST API as one user. It retries transient
// 5xx failures; business rejections surface as *types.Error values.
type Client struct {
	http   *resty.Client
	userID string
	logger *slog.Logger
}

// New creates a REST client authenticated as userID (empty for the
// pre-registration calls).
func New(baseURL, userID string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if userID != "" {
		httpClient.SetHeader("X-User-ID", userID)
	}
	return &Client{http: httpClient, userID: userID, logger: logger.With("component", "client")}
}

// WithUser returns a client bound to a different identity, sharing nothing
// but the base URL.
func (c *Client) WithUser(userID string) *Client {
	return New(c.http.BaseURL, userID, c.logger)
}

// do runs one request and normalizes error handling: non-2xx responses
// with a decodable error body become *types.Error.
func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	var eb errorBody
	resp, err := req.SetContext(ctx).SetError(&eb).Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if eb.Error.Code != "" {
			return nil, &eb.Error
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return resp, nil
}

// CreateUser registers an account.
func (c *Client) CreateUser(ctx context.Context, name string) (types.User, error) {
	var u types.User
	_, err := c.do(ctx, c.http.R().
		SetBody(map[string]string{"name": name}).
		SetResult(&u), http.MethodPost, "/api/users")
	return u, err
}

// Deposit credits the caller's balance.
func (c *Client) Deposit(ctx context.Context, amount string) (types.Balance, error) {
	var b types.Balance
	_, err := c.do(ctx, c.http.R().
		SetBody(map[string]string{"amount": amount}).
		SetResult(&b), http.MethodPost, "/api/deposit")
	return b, err
}

// Balance returns the caller's balance.
func (c *Client) Balance(ctx context.Context) (types.Balance, error) {
	var b types.Balance
	_, err := c.do(ctx, c.http.R().SetResult(&b), http.MethodGet, "/api/balance")
	return b, err
}

// Positions returns the caller's positions.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	var ps []types.Position
	_, err := c.do(ctx, c.http.R().SetResult(&ps), http.MethodGet, "/api/positions")
	return ps, err
}

// Markets lists all markets.
func (c *Client) Markets(ctx context.Context) ([]types.Market, error) {
	var ms []types.Market
	_, err := c.do(ctx, c.http.R().SetResult(&ms), http.MethodGet, "/api/markets")
	return ms, err
}

// Market returns one market by slug.
func (c *Client) Market(ctx context.Context, slug string) (types.Market, error) {
	var m types.Market
	_, err := c.do(ctx, c.http.R().SetResult(&m), http.MethodGet, "/api/markets/"+slug)
	return m, err
}

// CreateMarket opens a new market (admin).
func (c *Client) CreateMarket(ctx context.Context, slug, question string) (types.Market, error) {
	var m types.Market
	_, err := c.do(ctx, c.http.R().
		SetBody(map[string]string{"slug": slug, "question": question}).
		SetResult(&m), http.MethodPost, "/api/markets")
	return m, err
}

// CloseMarket stops trading on a market (admin).
func (c *Client) CloseMarket(ctx context.Context, slug string) (types.Market, error) {
	var m types.Market
	_, err := c.do(ctx, c.http.R().SetBody(struct{}{}).SetResult(&m),
		http.MethodPost, "/api/markets/"+slug+"/close")
	return m, err
}

// ResolveMarket settles a closed market (admin).
func (c *Client) ResolveMarket(ctx context.Context, slug string, outcome types.Outcome) (types.SettlementResult, error) {
	var res types.SettlementResult
	_, err := c.do(ctx, c.http.R().
		SetBody(map[string]string{"outcome": string(outcome)}).
		SetResult(&res), http.MethodPost, "/api/markets/"+slug+"/resolve")
	return res, err
}

// CancelMarket voids a market (admin).
func (c *Client) CancelMarket(ctx context.Context, slug string) (types.CancelMarketResult, error) {
	var res types.CancelMarketResult
	_, err := c.do(ctx, c.http.R().SetBody(struct{}{}).SetResult(&res),
		http.MethodPost, "/api/markets/"+slug+"/cancel")
	return res, err
}

// OrderBook fetches the aggregated book for one (market, outcome).
func (c *Client) OrderBook(ctx context.Context, slug string, outcome types.Outcome) (types.BookSnapshot, error) {
	var snap types.BookSnapshot
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("outcome", string(outcome)).
		SetResult(&snap), http.MethodGet, "/api/markets/"+slug+"/book")
	return snap, err
}

// Trades fetches recent trades, newest first.
func (c *Client) Trades(ctx context.Context, slug string, limit int) ([]types.Trade, error) {
	var ts []types.Trade
	req := c.http.R().SetResult(&ts)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
	}
	_, err := c.do(ctx, req, http.MethodGet, "/api/markets/"+slug+"/trades")
	return ts, err
}

// PlaceOrder submits an order. Replayed reports that the ack came from an
// earlier attempt under the same idempotency key.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (res types.PlaceOrderResult, replayed bool, err error) {
	r := c.http.R().SetBody(req).SetResult(&res)
	if req.IdempotencyKey != "" {
		r.SetHeader("X-Idempotency-Key", req.IdempotencyKey)
	}
	resp, err := c.do(ctx, r, http.MethodPost, "/api/orders")
	if err != nil {
		return types.PlaceOrderResult{}, false, err
	}
	return res, resp.Header().Get("X-Idempotent-Replay") == "true", nil
}

// Order fetches one of the caller's orders with its audit trail.
func (c *Client) Order(ctx context.Context, orderID string) (OrderDetail, error) {
	var d OrderDetail
	_, err := c.do(ctx, c.http.R().SetResult(&d), http.MethodGet, "/api/orders/"+orderID)
	return d, err
}

// CancelOrder cancels one of the caller's orders.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.CancelOrderResult, error) {
	var res types.CancelOrderResult
	_, err := c.do(ctx, c.http.R().SetResult(&res), http.MethodDelete, "/api/orders/"+orderID)
	return res, err
}

// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to two Polymarket services:
//
//	CLOB API (order management and pricing):
//	  - PlaceOrder:          POST /order                — sign and place one order
//	  - PostOrders:          POST /orders               — batch-place up to 15 signed orders
//	  - CancelOrder:         DELETE /order              — cancel one order by ID
//	  - CancelOrders:        DELETE /orders             — cancel specific orders by ID
//	  - CancelAll:           DELETE /cancel-all         — emergency cancel everything
//	  - CancelMarketOrders:  DELETE /cancel-market-orders — cancel one market's orders
//	  - GetOrderBook/Books:  GET /book                  — L2 book for one or many tokens
//	  - GetPrice/GetMidpoint: GET /price, /midpoint     — executable and mid prices
//	  - GetOrderStatus:      GET /data/order/{id}       — fill confirmation polling
//	  - OpenOrders:          GET /data/orders           — resting orders (reconciliation)
//	  - GetTrades:           GET /data/trades           — our fills
//	  - DeriveAPIKey:        GET /auth/derive-api-key   — bootstrap L2 creds from L1 wallet
//
//	Data API (public read-only):
//	  - WalletPositions:     GET /positions             — any wallet's holdings
//
// Every request passes through a single shared token-bucket Limiter before
// leaving the process; 429 responses grow the limiter's backoff window.
// Transport errors and 5xx are retried by the HTTP layer with capped waits.
// Trading endpoints are authenticated with L2 HMAC headers.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-resty/resty/v2"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/metrics"
	"github.com/0xtitan6/polytrader/pkg/types"
)

// ErrThrottled is returned when the exchange answers 429. The limiter has
// already been told; callers should treat the request as retryable later.
var ErrThrottled = errors.New("exchange throttled (429)")

const (
	bookFetchWorkers = 8
	bookFetchQueue   = 64
)

// Client is the Polymarket REST client. It wraps resty HTTP clients with
// shared rate limiting, retry, and auth.
type Client struct {
	clob     *resty.Client // CLOB API: orders, books, prices
	data     *resty.Client // public data API: wallet positions
	auth     *Auth
	limiter  *Limiter
	books    *pond.WorkerPool                   // bounded fan-out for multi-token book fetches
	dataPipe failsafe.Executor[*resty.Response] // circuit breaker for polled data API reads
	logger   *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	breaker := circuitbreaker.NewBuilder[*resty.Response]().
		HandleIf(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()

	return &Client{
		clob:     newRestClient(cfg.API.CLOBBaseURL),
		data:     newRestClient(cfg.API.DataBaseURL),
		auth:     auth,
		limiter:  NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, logger),
		books:    pond.New(bookFetchWorkers, bookFetchQueue),
		dataPipe: failsafe.With[*resty.Response](breaker),
		logger:   logger,
	}
}

// newRestClient builds a resty client with the shared transport policy:
// 10s timeout, three retries on transport errors and 5xx with capped waits.
func newRestClient(baseURL string) *resty.Client {
	return resty.New().
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
}

// Close releases the book-fetch worker pool.
func (c *Client) Close() {
	c.books.StopAndWait()
}

// do runs one rate-limited request and feeds the outcome back into the
// limiter: a 429 grows the backoff window, any other completed response
// counts toward the throttle reset.
func (c *Client) do(ctx context.Context, endpoint string, call func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := call()
	metrics.ExchangeLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		c.limiter.ReportThrottle()
		metrics.ExchangeRequests.WithLabelValues(endpoint, "throttled").Inc()
		return resp, ErrThrottled
	}
	c.limiter.ReportSuccess()
	metrics.ExchangeRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp, nil
}

// doData is do plus a circuit breaker. Data API reads happen on polling
// loops; when the upstream degrades the breaker sheds the poll instead of
// stacking retries on a failing service.
func (c *Client) doData(ctx context.Context, endpoint string, call func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.dataPipe.Get(call)
	metrics.ExchangeLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		c.limiter.ReportThrottle()
		metrics.ExchangeRequests.WithLabelValues(endpoint, "throttled").Inc()
		return resp, ErrThrottled
	}
	c.limiter.ReportSuccess()
	metrics.ExchangeRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp, nil
}

// Healthy probes CLOB reachability. It bypasses the rate limiter so the
// health endpoint stays responsive while trading calls back off.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.clob.R().SetContext(ctx).Get("/")
	if err != nil {
		return fmt.Errorf("clob unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("clob health: status %d", resp.StatusCode())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	resp, err := c.do(ctx, "get_book", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/book")
	})
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBooks fetches books for several tokens concurrently on a bounded
// worker pool. Any single failure fails the whole batch.
func (c *Client) GetBooks(ctx context.Context, tokenIDs []string) (map[string]*types.BookResponse, error) {
	out := make(map[string]*types.BookResponse, len(tokenIDs))
	var mu sync.Mutex

	group, gctx := c.books.GroupContext(ctx)
	for _, tokenID := range tokenIDs {
		group.Submit(func() error {
			book, err := c.GetOrderBook(gctx, tokenID)
			if err != nil {
				return err
			}
			mu.Lock()
			out[tokenID] = book
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("fetch books: %w", err)
	}
	return out, nil
}

// GetPrice returns the price a taker order on the given side would
// execute at: BUY reads the best ask, SELL the best bid.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	var result struct {
		Price string `json:"price"`
	}
	resp, err := c.do(ctx, "get_price", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"token_id": tokenID,
				"side":     strings.ToLower(string(side)),
			}).
			SetResult(&result).
			Get("/price")
	})
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get price: status %d: %s", resp.StatusCode(), resp.String())
	}
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", result.Price, err)
	}
	return price, nil
}

// GetMidpoint returns the midpoint between best bid and best ask.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.do(ctx, "get_midpoint", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/midpoint")
	})
	if err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get midpoint: status %d: %s", resp.StatusCode(), resp.String())
	}
	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("parse midpoint %q: %w", result.Mid, err)
	}
	return mid, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order management
// ————————————————————————————————————————————————————————————————————————

// buildOrderPayload converts a high-level UserOrder into the signed
// on-chain order + metadata the REST API expects. It converts human-readable
// price/size to maker/taker amounts at the market's tick precision, sets the
// maker to the funder wallet (proxy), the signer to the EOA, and the taker
// to the zero address (open order, anyone can fill), then signs against the
// CTF exchange contract.
func (c *Client) buildOrderPayload(order types.UserOrder) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	signed := types.SignedOrder{
		Salt:          strconv.FormatInt(rand.Int64N(1<<53), 10),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&signed, order.NegRisk); err != nil {
		return types.OrderPayload{}, err
	}

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

// PlaceOrder signs and places a single order. The returned response
// carries the exchange order ID used for status polling and cancels.
func (c *Client) PlaceOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	payload, err := c.buildOrderPayload(order)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.do(ctx, "place_order", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Post("/order")
	})
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return &result, fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}
	return &result, nil
}

// PostOrders places up to 15 orders in a batch.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payload, err := c.buildOrderPayload(order)
		if err != nil {
			return nil, err
		}
		payloads[i] = payload
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.do(ctx, "post_orders", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&results).
			Post("/orders")
	})
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrder cancels one order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.do(ctx, "cancel_order", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete("/order")
	})
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("cancel order %s: %s", orderID, reason)
	}
	return nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.do(ctx, "cancel_orders", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete("/orders")
	})
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.do(ctx, "cancel_all", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Delete("/cancel-all")
	})
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	body := fmt.Sprintf(`{"market":%q}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.do(ctx, "cancel_market", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete("/cancel-market-orders")
	})
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order and fill queries
// ————————————————————————————————————————————————————————————————————————

// GetOrderStatus fetches the current state of one order. The order manager
// polls this to confirm fills after submission.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OpenOrder
	resp, err := c.do(ctx, "order_status", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get(path)
	})
	if err != nil {
		return nil, fmt.Errorf("get order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// OpenOrders lists resting orders, optionally filtered by market
// (condition ID) and token. Used by stink bid reconciliation.
func (c *Client) OpenOrders(ctx context.Context, market, tokenID string) ([]types.OpenOrder, error) {
	path := "/data/orders"
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	if tokenID != "" {
		q.Set("asset_id", tokenID)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.OpenOrder
	resp, err := c.do(ctx, "open_orders", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get(path)
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetTrades returns our fills, optionally filtered by market and token.
func (c *Client) GetTrades(ctx context.Context, market, tokenID string) ([]types.TradeRecord, error) {
	path := "/data/trades"
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	if tokenID != "" {
		q.Set("asset_id", tokenID)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.TradeRecord
	resp, err := c.do(ctx, "get_trades", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get(path)
	})
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trades: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.do(ctx, "derive_key", func() (*resty.Response, error) {
		return c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get("/auth/derive-api-key")
	})
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("api credentials derived")
	return &result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Data API
// ————————————————————————————————————————————————————————————————————————

// WalletPositions returns the current holdings of any wallet from the
// public data API. The copy strategy polls tracked wallets with it; in
// live mode the portfolio tracker also reads our own funder wallet.
func (c *Client) WalletPositions(ctx context.Context, wallet string) ([]types.WalletPosition, error) {
	var result []types.WalletPosition
	resp, err := c.doData(ctx, "wallet_positions", func() (*resty.Response, error) {
		return c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":          wallet,
				"sizeThreshold": "1",
				"limit":         "500",
			}).
			SetResult(&result).
			Get("/positions")
	})
	if err != nil {
		return nil, fmt.Errorf("wallet positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("wallet positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

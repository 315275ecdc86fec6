// Package exchange implements the REST kline client the backfill executor
// fetches candles through.
//
// The client is deliberately defensive about the upstream: requests are paced
// by a token-bucket limiter and routed through a circuit breaker so a broken
// venue cannot stall the hydration worker with endless timeouts.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// KlineSource is the contract the backfill executor depends on. Each returned
// row is the venue's raw 7-tuple: ts_ms, open, high, low, close, volume,
// turnover. Order is venue-defined; callers must sort.
type KlineSource interface {
	Klines(ctx context.Context, symbol string, interval int, start, end int64, limit int) ([][]string, error)
}

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 20 * time.Second

	// minBatchSpacing keeps ≥60ms between consecutive kline requests.
	minBatchSpacing = 60 * time.Millisecond
)

// Config configures the HTTP kline client.
type Config struct {
	BaseURL  string // e.g. "https://api.bybit.com"
	Category string // venue product category, e.g. "linear"
}

// Client is the production KlineSource over the venue's v5 market REST API.
type Client struct {
	baseURL  string
	category string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// New creates a Client with fixed connect/read timeouts. TLS verification is
// the transport default and is never disabled.
func New(cfg Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		category: cfg.Category,
		http: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(minBatchSpacing), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "exchange-kline",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 8
			},
		}),
	}
}

type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

// Klines fetches up to limit bars of (symbol, interval minutes) inside
// [start, end] epoch-ms. A non-zero venue retCode is an error; the caller
// decides whether to retry.
func (c *Client) Klines(ctx context.Context, symbol string, interval int, start, end int64, limit int) ([][]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("interval", strconv.Itoa(interval))
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.baseURL + "/v5/market/kline?" + q.Encode()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("exchange: kline request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("exchange: kline HTTP %d", resp.StatusCode)
		}
		var body klineResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("exchange: kline decode: %w", err)
		}
		if body.RetCode != 0 {
			return nil, fmt.Errorf("exchange: retCode %d: %s", body.RetCode, body.RetMsg)
		}
		return body.Result.List, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([][]string), nil
}

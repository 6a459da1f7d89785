package vortex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a typed wrapper around the upstream /data/quotes and
// /data/history endpoints. Quote calls run behind a circuit breaker:
// after 3 consecutive transient failures the breaker opens for 2s and
// calls fail fast, classified transient, so the batcher surfaces
// per-token nulls instead of queueing on a dead upstream.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger

	mu          sync.RWMutex
	accessToken string

	breaker *gobreaker.CircuitBreaker

	// onAuthExpired fires once per 401/403 so the operator side can
	// reload the upstream session out-of-band.
	onAuthExpired func()
}

// NewClient builds an upstream client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "vortex_client").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vortex-quotes",
		Timeout: 2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return c
}

// SetAccessToken installs the bearer token for subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current bearer token, if a session exists.
func (c *Client) AccessToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken, c.accessToken != ""
}

// OnAuthExpired registers the session reload hook.
func (c *Client) OnAuthExpired(fn func()) {
	c.mu.Lock()
	c.onAuthExpired = fn
	c.mu.Unlock()
}

type quotePayload struct {
	LastTradePrice *float64 `json:"last_trade_price"`
	OHLC           *OHLC    `json:"ohlc,omitempty"`
	Volume         uint32   `json:"volume,omitempty"`
	LastTradeTime  int64    `json:"last_trade_time,omitempty"`
}

type quotesResponse struct {
	Status string                  `json:"status"`
	Data   map[string]quotePayload `json:"data"`
}

// Quotes fetches snapshots for up to one chunk of pairs. The result is
// keyed by canonical pair key; pairs absent from the upstream answer are
// simply missing from the map. A last_trade_price that is absent or ≤0
// is reported as a null last price, never as 0.
func (c *Client) Quotes(ctx context.Context, pairs []Pair, mode Mode) (map[string]Quote, error) {
	if len(pairs) == 0 {
		return map[string]Quote{}, nil
	}
	q := url.Values{}
	for _, p := range pairs {
		q.Add("q", p.Key())
	}
	q.Set("mode", HTTPMode(mode))

	// Only retryable failures count against the breaker; auth and
	// malformed answers pass through without tripping it.
	var resp quotesResponse
	var terminal error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		callErr := c.getJSON(ctx, "quotes", "/data/quotes?"+q.Encode(), &resp)
		if callErr != nil && !IsRetryable(callErr) {
			terminal = callErr
			return nil, nil
		}
		return nil, callErr
	})
	if terminal != nil {
		return nil, terminal
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindTransient, Op: "quotes", Err: err}
		}
		return nil, err
	}

	out := make(map[string]Quote, len(resp.Data))
	for key, payload := range resp.Data {
		out[key] = payload.quote()
	}
	return out, nil
}

func (p quotePayload) quote() Quote {
	q := Quote{OHLC: p.OHLC, Volume: p.Volume}
	if p.LastTradePrice != nil && *p.LastTradePrice > 0 {
		q.LastPrice = p.LastTradePrice
	}
	if p.LastTradeTime > 0 {
		q.Timestamp = time.Unix(p.LastTradeTime, 0)
	}
	return q
}

// historyResponse is the TradingView-style column answer of
// /data/history.
type historyResponse struct {
	Status string    `json:"s"`
	T      []int64   `json:"t"`
	O      []float64 `json:"o"`
	H      []float64 `json:"h"`
	L      []float64 `json:"l"`
	C      []float64 `json:"c"`
	V      []float64 `json:"v"`
}

// History fetches candles for one pair.
func (c *Client) History(ctx context.Context, exchange Exchange, token uint32, fromUnix, toUnix int64, resolution string) (*HistoryResult, error) {
	q := url.Values{}
	q.Set("exchange", string(exchange))
	q.Set("token", strconv.FormatUint(uint64(token), 10))
	q.Set("from", strconv.FormatInt(fromUnix, 10))
	q.Set("to", strconv.FormatInt(toUnix, 10))
	q.Set("resolution", resolution)

	var resp historyResponse
	if err := c.getJSON(ctx, "history", "/data/history?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	result := &HistoryResult{
		Exchange:   exchange,
		Token:      token,
		Resolution: resolution,
		Candles:    make([]HistoryCandle, 0, len(resp.T)),
	}
	for i := range resp.T {
		candle := HistoryCandle{Timestamp: resp.T[i]}
		if i < len(resp.O) {
			candle.Open = resp.O[i]
		}
		if i < len(resp.H) {
			candle.High = resp.H[i]
		}
		if i < len(resp.L) {
			candle.Low = resp.L[i]
		}
		if i < len(resp.C) {
			candle.Close = resp.C[i]
		}
		if i < len(resp.V) {
			candle.Volume = resp.V[i]
		}
		result.Candles = append(result.Candles, candle)
	}
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if token, ok := c.AccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		if kind == KindAuthExpired {
			c.fireAuthExpired()
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Kind:   kind,
			Status: resp.StatusCode,
			Op:     op,
			Err:    fmt.Errorf("upstream said %q", string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindMalformed, Status: resp.StatusCode, Op: op, Err: err}
	}
	return nil
}

func (c *Client) fireAuthExpired() {
	c.mu.RLock()
	fn := c.onAuthExpired
	c.mu.RUnlock()
	c.log.Error().Msg("upstream session rejected, auth expired")
	if fn != nil {
		fn()
	}
}

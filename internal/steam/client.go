// Package steam is the client for the storefront's public catalog endpoints.
// A single process-wide limiter serializes upstream calls below the ban
// threshold, and a circuit breaker sheds calls while the upstream is down so
// the limited budget is not spent on guaranteed failures.
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/circuitbreaker"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

// AppDetail is the per-app envelope of the appdetails endpoint.
type AppDetail struct {
	Success bool     `json:"success"`
	Data    *AppData `json:"data"`
}

// AppData is the subset of appdetails fields the platform keeps.
type AppData struct {
	SteamAppID       int64            `json:"steam_appid"`
	Name             *string          `json:"name"`
	Type             *string          `json:"type"`
	ShortDescription *string          `json:"short_description"`
	IsFree           *bool            `json:"is_free"`
	Developers       []string         `json:"developers"`
	Publishers       []string         `json:"publishers"`
	PriceOverview    *PriceOverview   `json:"price_overview"`
	Recommendations  *Recommendations `json:"recommendations"`
}

// PriceOverview quotes the current price in minor units (cents).
type PriceOverview struct {
	Currency        string `json:"currency"`
	Final           int64  `json:"final"`
	DiscountPercent int    `json:"discount_percent"`
}

type Recommendations struct {
	Total int64 `json:"total"`
}

type appListResponse struct {
	AppList struct {
		Apps []struct {
			AppID int64  `json:"appid"`
			Name  string `json:"name"`
		} `json:"apps"`
	} `json:"applist"`
}

// Client fetches the app list and per-app detail documents. It is safe for
// concurrent use; the limiter guarantees upstream calls stay serialized and
// spaced regardless of caller concurrency.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	listURL   string
	detailURL string
	logger    *slog.Logger
	metrics   *metrics.Registry

	// sleep is overridden in tests; nil means a real timer wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// A 429 is retried in place after honoring Retry-After, so a short throttle
// costs one pause instead of a skipped (app, country) pair. The bounds keep a
// long upstream ban surfacing to the caller rather than stalling the task.
const (
	rateLimitRetries  = 2
	defaultRetryAfter = 5 * time.Second
	maxRetryAfter     = time.Minute
)

// New builds a Client from the worker configuration. The limiter spaces calls
// evenly across the minute rather than allowing bursts; the upstream counts
// per minute but bans on bursts well before the nominal ceiling.
func New(cfg config.Worker, logger *slog.Logger, m *metrics.Registry) *Client {
	interval := time.Minute / time.Duration(cfg.SteamRatePerMinute)
	c := &Client{
		http: &http.Client{
			Timeout:   cfg.SteamTimeout,
			Transport: tracing.HTTPTransport(http.DefaultTransport),
		},
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		listURL:   cfg.SteamAppListURL,
		detailURL: cfg.SteamAppDetailURL,
		logger:    logger,
		metrics:   m,
	}
	c.breaker = circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("upstream breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}))
	return c
}

// AppList returns every app id the upstream currently knows about.
func (c *Client) AppList(ctx context.Context) ([]int64, error) {
	body, err := c.get(ctx, "app_list", c.listURL, nil)
	if err != nil {
		return nil, err
	}

	var resp appListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode app list: %w", err)
	}

	ids := make([]int64, 0, len(resp.AppList.Apps))
	for _, a := range resp.AppList.Apps {
		if a.AppID > 0 {
			ids = append(ids, a.AppID)
		}
	}
	c.logger.Info("fetched app list", slog.Int("count", len(ids)))
	return ids, nil
}

// AppDetail fetches the detail document for one (app, country) pair. The
// response body keys the envelope by the stringified app id.
func (c *Client) AppDetail(ctx context.Context, appID int64, countryCode string) (*AppDetail, error) {
	params := url.Values{}
	params.Set("appids", strconv.FormatInt(appID, 10))
	params.Set("cc", countryCode)

	body, err := c.get(ctx, "app_detail", c.detailURL, params)
	if err != nil {
		return nil, err
	}

	var resp map[string]AppDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode appdetails for %d: %w", appID, err)
	}
	detail, ok := resp[strconv.FormatInt(appID, 10)]
	if !ok {
		return nil, fmt.Errorf("appdetails response missing app %d", appID)
	}
	return &detail, nil
}

// get performs the request, backing off and retrying through the limiter when
// the upstream answers 429 with a reasonable Retry-After.
func (c *Client) get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.fetch(ctx, endpoint, rawURL, params)
		var limited *apperr.RateLimited
		if !errors.As(err, &limited) || attempt >= rateLimitRetries {
			return body, err
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		if wait > maxRetryAfter {
			return nil, err
		}
		c.logger.Warn("upstream rate limited, backing off",
			slog.String("endpoint", endpoint),
			slog.Duration("retry_after", wait))
		if err := c.sleepFor(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) sleepFor(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetch waits for a rate-limit slot, performs one request and maps transport
// and status failures onto the shared error kinds.
func (c *Client) fetch(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, &apperr.Transient{Err: fmt.Errorf("upstream circuit open for %s", endpoint)}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := rawURL
	if len(params) > 0 {
		u = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.SteamRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &apperr.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.metrics.SteamLatency.WithLabelValues(endpoint).Observe(float64(time.Since(start).Milliseconds()))
	c.metrics.SteamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		c.breaker.RecordSuccess()
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &apperr.RateLimited{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return nil, &apperr.APIClientError{Status: resp.StatusCode, URL: rawURL}
	default:
		// 4xx other than 429 means our request was bad, not that the
		// upstream is down; the breaker stays untouched.
		return nil, &apperr.APIClientError{Status: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	return body, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

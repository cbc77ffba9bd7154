// Package extract fetches daily OHLCV history for single symbols from the
// provider's CSV endpoint and turns payloads into validated price bars.
// One Client serves one worker: requests are serialized, spaced by the
// configured minimum delay, and guarded by a circuit breaker.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mkowalik/stockflow/internal/domain"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

// Config holds extractor tuning. Defaults suit the public endpoint's
// informal fair-use expectations.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MinDelay is the minimum spacing between successive requests.
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	UserAgent   string        `yaml:"user_agent"`
	// CacheTTL bounds how long raw payloads stay reusable.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns production extractor settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://stooq.com/q/d/l/",
		RequestTimeout: 30 * time.Second,
		MinDelay:       2 * time.Second,
		MaxRetries:     3,
		BackoffBase:    1 * time.Second,
		UserAgent:      "stockflow/1.0 (+https://github.com/mkowalik/stockflow)",
		CacheTTL:       10 * time.Minute,
	}
}

// PayloadCache is an optional read-through store for raw provider
// payloads. Implementations must be safe for concurrent use.
type PayloadCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
}

// Client fetches and validates OHLCV batches for single symbols.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cache   PayloadCache
	log     zerolog.Logger

	// mu enforces at most one outstanding request per client.
	mu sync.Mutex
	// now is the future-date reference, swappable in tests.
	now func() time.Time
}

// NewClient builds an extractor client. Pass a nil-free config; zero
// fields are filled from DefaultConfig.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ohlcv-provider",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		breaker: breaker,
		log:     log.With().Str("component", "extract").Logger(),
		now:     time.Now,
	}
}

// WithCache attaches a payload cache and returns the client.
func (c *Client) WithCache(cache PayloadCache) *Client {
	c.cache = cache
	return c
}

// Fetch downloads and validates the OHLCV window for one instrument.
// The returned batch is ascending by date and may be empty. Errors wrap
// ErrNetwork, ErrParse or ErrEmpty.
func (c *Client) Fetch(ctx context.Context, inst domain.Instrument, bound Bound) (Batch, error) {
	key := cacheKey(inst.Symbol, bound)

	if c.cache != nil {
		if payload, ok := c.cache.Get(ctx, key); ok {
			c.log.Debug().Str("symbol", inst.Symbol).Str("bound", bound.String()).Msg("payload served from cache")
			return parseCSV(inst.Symbol, bound, payload, c.now(), c.log)
		}
	}

	payload, err := c.download(ctx, c.requestURL(inst.Symbol, bound))
	if err != nil {
		return Batch{Symbol: strings.ToUpper(inst.Symbol)}, fmt.Errorf("fetch %s %s: %w", inst.Symbol, bound, err)
	}

	batch, err := parseCSV(inst.Symbol, bound, payload, c.now(), c.log)
	if err != nil {
		return batch, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, payload, c.cfg.CacheTTL)
	}

	c.log.Debug().
		Str("symbol", inst.Symbol).
		Str("kind", string(inst.Kind)).
		Str("bound", bound.String()).
		Int("bars", len(batch.Bars)).
		Int("rejected", batch.Rejected).
		Msg("fetched ohlcv batch")

	return batch, nil
}

// requestURL renders the provider query for a symbol and bound. Symbols
// are passed lowercase; dates use the provider's compact form.
func (c *Client) requestURL(symbol string, bound Bound) string {
	params := url.Values{}
	params.Set("s", strings.ToLower(symbol))
	params.Set("i", "d")

	from, to, bounded := bound.window()
	if bounded {
		params.Set("d1", from.Format("20060102"))
	}
	params.Set("d2", to.Format("20060102"))

	return c.cfg.BaseURL + "?" + params.Encode()
}

// download runs the retry loop around single attempts. Transient failures
// back off exponentially; permanent ones surface immediately.
func (c *Client) download(ctx context.Context, u string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
			if wait > maxBackoff {
				wait = maxBackoff
			}
			c.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", wait).Msg("retrying provider request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ctx.Err(), ErrNetwork)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", err, ErrNetwork)
		}

		payload, err := c.attempt(ctx, u)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, fmt.Errorf("%w: %w", err, ErrNetwork)
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w: %w", lastErr, ErrNetwork)
}

// attempt performs one guarded HTTP round trip.
func (c *Client) attempt(ctx context.Context, u string) ([]byte, error) {
	payload, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "text/csv")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, &statusError{code: resp.StatusCode}
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return payload.([]byte), nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// retryable classifies one attempt's failure. Breaker rejections retry
// so a half-open probe can happen inside the same loop.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return isTransientStatus(se.code)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return isTransient(err)
}

func cacheKey(symbol string, bound Bound) string {
	return "ohlcv:" + strings.ToLower(symbol) + ":" + bound.String()
}

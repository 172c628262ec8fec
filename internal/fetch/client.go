package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"iocingest/internal/metrics"
)

const DefaultUserAgent = "iocingest/1.0 (+threat-feed-fetcher)"

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrEmptyArchive  = errors.New("empty ZIP archive")
)

// StatusError is returned for responses outside 200..399.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Retryable reports whether another attempt can help. Client errors other
// than 429 cannot.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ClientConfig tunes the shared HTTP client.
type ClientConfig struct {
	Timeout        time.Duration
	Attempts       int
	InitialBackoff time.Duration
	UserAgent      string
	// BreakerFailures consecutive failures against one host open its breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 6
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Client performs GETs with bounded retries and a circuit breaker per upstream host.
type Client struct {
	http   *http.Client
	cfg    ClientConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get fetches rawURL and returns the body. Attempts back off exponentially
// starting at the configured interval and doubling.
func (c *Client) Get(ctx context.Context, source, rawURL string, headers map[string]string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	cb := c.breaker(u.Host)
	// query strings may carry API keys
	endpoint := u.Scheme + "://" + u.Host + u.Path

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		// non-retryable client errors count as breaker successes
		var clientErr error
		out, err := cb.Execute(func() (interface{}, error) {
			body, err := c.do(ctx, rawURL, endpoint, headers)
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				clientErr = err
				return nil, nil
			}
			return body, err
		})
		if clientErr != nil {
			return nil, backoff.Permanent(clientErr)
		}
		if err == nil {
			return out.([]byte), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(fmt.Errorf("host %s: %w", u.Host, err))
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 64 * c.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Attempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(source).Inc()
		c.logger.Warn("fetch attempt failed, retrying",
			"source", source, "url", endpoint, "attempt", attempt, "wait", wait, "err", err)
	}
	body, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		c.logger.Error("fetch failed", "source", source, "url", endpoint, "attempts", attempt, "err", err)
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, rawURL, endpoint string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: endpoint, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("upstream breaker state change", "host", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[host] = cb
	return cb
}

// Package httpclient is the HTTP client remote workers use to talk to the
// server. Requests are retried with exponential backoff, guarded by a
// circuit breaker, and compressed responses are decoded transparently.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects requests.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrMaxRetries wraps the last failure once all attempts are used.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultHeaderTimeout     = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCircuitThreshold  = 5
	DefaultCircuitTimeout    = 30 * time.Second
	DefaultAcceptEncoding    = "gzip, deflate, br"
	DefaultUserAgent         = "downloadarr-worker"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds a whole request including the body. Zero leaves it to
	// the request context, which source downloads and artifact uploads need.
	Timeout time.Duration
	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout time.Duration

	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold consecutive failures open the breaker for CircuitTimeout.
	CircuitThreshold int
	CircuitTimeout   time.Duration

	UserAgent string
	Logger    *slog.Logger
	// BaseClient replaces the default client, e.g. an httptest client.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeaderTimeout:     DefaultHeaderTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		CircuitThreshold:  DefaultCircuitThreshold,
		CircuitTimeout:    DefaultCircuitTimeout,
		UserAgent:         DefaultUserAgent,
		Logger:            slog.Default(),
	}
}

// Client is a retrying HTTP client with a circuit breaker.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	base := cfg.BaseClient
	if base == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
		base = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:     cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
		logger:  cfg.Logger,
	}
}

// Do sends req, retrying transport errors and retryable statuses. A request
// with a body is retried only when it can be rewound through GetBody. Any
// other response, including 4xx, is returned to the caller, as is the last
// retryable response once attempts run out.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get("User-Agent") == "" && c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", DefaultAcceptEncoding)
	}

	attempts := c.cfg.RetryAttempts
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 0
	}

	logger := c.logger.With(slog.String("method", req.Method), slog.String("url", redactURL(req.URL)))
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying request", slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(time.Duration(float64(delay)*c.cfg.BackoffMultiplier), c.cfg.RetryMaxDelay)

			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			logger.Warn("circuit breaker open, skipping request")
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.breaker.RecordFailure()
			lastErr = err
			logger.Warn("request failed",
				slog.Duration("duration", elapsed),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			logger.Warn("retryable status code",
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", elapsed),
				slog.Int("attempt", attempt))
			if attempt == attempts {
				resp.Body = decompress(resp, logger)
				return resp, nil
			}
			drain(resp.Body)
			continue
		}

		c.breaker.RecordSuccess()
		logger.Debug("request completed",
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed))
		resp.Body = decompress(resp, logger)
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit closes the circuit breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// decompress wraps the body according to Content-Encoding. Unknown or
// malformed encodings leave the body as sent.
func decompress(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var reader io.Reader
	switch encoding {
	case "":
		return resp.Body
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("invalid gzip response, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		logger.Debug("unknown content encoding", slog.String("encoding", encoding))
		return resp.Body
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return &decompressReader{reader: reader, body: resp.Body}
}

type decompressReader struct {
	reader io.Reader
	body   io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		_ = closer.Close()
	}
	return d.body.Close()
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// sensitiveParams are query parameters masked in logs.
var sensitiveParams = []string{"secret", "token", "key", "api_key", "password", "credential"}

// redactURL masks credentials in u for logging.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	sanitized := *u
	sanitized.User = nil
	query := sanitized.Query()
	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, "***")
		}
	}
	sanitized.RawQuery = query.Encode()
	return sanitized.String()
}

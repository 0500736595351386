// Package transport wraps outbound HTTP delivery with bounded retries,
// exponential backoff with jitter, and an optional fail-silently mode.
//
// Transient failures (429, 5xx infrastructure statuses, connection and
// timeout errors) are retried; every other non-2xx response is fatal on
// the first attempt. With fail-silently enabled a terminal failure is
// logged and swallowed instead of returned, so emitting telemetry can
// never break the host application.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const defaultUserAgent = "openattribution-telemetry-go/0.2"

// transientStatuses are the HTTP statuses worth retrying.
var transientStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// StatusError is a non-2xx response from the telemetry endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("telemetry API error (status %d): %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	_, ok := transientStatuses[e.StatusCode]
	return ok
}

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = httpClient
	}
}

// WithLogger sets the logger used for retry and failure warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithJitterSource sets the random source used for backoff jitter.
// The function must return values in [0, 1). Inject a seeded source for
// deterministic tests.
func WithJitterSource(jitter func() float64) Option {
	return func(t *Transport) {
		t.jitter = jitter
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Transport) {
		t.userAgent = ua
	}
}

// Transport delivers JSON payloads with retry and backoff. It holds no
// per-call state and is safe for concurrent use.
type Transport struct {
	httpClient   *http.Client
	logger       *slog.Logger
	apiKey       string
	userAgent    string
	maxRetries   int
	failSilently bool
	jitter       func() float64
	sleep        func(context.Context, time.Duration) error
}

// New creates a transport. maxRetries is the retry budget: a call makes
// at most maxRetries+1 attempts.
func New(apiKey string, maxRetries int, failSilently bool, opts ...Option) *Transport {
	if maxRetries < 0 {
		maxRetries = 0
	}
	t := &Transport{
		httpClient:   http.DefaultClient,
		logger:       slog.Default(),
		apiKey:       apiKey,
		userAgent:    defaultUserAgent,
		maxRetries:   maxRetries,
		failSilently: failSilently,
		jitter:       rand.Float64,
		sleep:        sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do sends one JSON request and returns the response body. A nil body
// sends no payload. Under fail-silently mode a terminal failure returns
// (nil, nil) after a logged warning; otherwise the terminal error is
// returned.
func (t *Transport) Do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			// Marshal failures are caller bugs, not delivery failures;
			// they are never retried and never silenced.
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	// Request construction failures (bad method or URL) are caller bugs
	// like marshal failures: returned immediately, never retried or
	// silenced.
	if _, err := http.NewRequestWithContext(ctx, method, url, nil); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		respBody, err := t.attempt(ctx, method, url, payload)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		if !retryable(err) || attempt == t.maxRetries {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		wait := t.backoff(attempt)
		t.logger.Warn("telemetry request failed, retrying",
			slog.String("method", method),
			slog.String("url", url),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
		if err := t.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	if t.failSilently {
		t.logger.Warn("telemetry request failed, dropping",
			slog.String("method", method),
			slog.String("url", url),
			slog.String("error", lastErr.Error()),
		)
		return nil, nil
	}
	return nil, lastErr
}

// attempt performs a single request/response cycle.
func (t *Transport) attempt(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, nil
}

func (t *Transport) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}
}

// backoff computes the wait before retrying a failed attempt:
// 2^attempt + uniform(0,1) seconds, attempt counted from zero.
func (t *Transport) backoff(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt)) + t.jitter()
	return time.Duration(seconds * float64(time.Second))
}

// retryable classifies an attempt error: transient HTTP statuses and
// connection-level failures retry, everything else is fatal.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	// Connection refused, DNS failure, timeout: the request may never
	// have reached the server, so it is worth retrying.
	return true
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production endpoint of the ConvertHub v2 API.
const DefaultBaseURL = "https://api.converthub.com/v2"

// RetryConfig controls the transport-level retry policy for idempotent
// requests. Submission calls are never retried automatically since a
// duplicate submit could create a duplicate job.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config holds the settings for a Client.
type Config struct {
	// BaseURL of the API. Defaults to DefaultBaseURL.
	BaseURL string
	// APIKey is the bearer token applied to every request.
	APIKey string
	// HTTPClient is the underlying client. Defaults to http.DefaultClient;
	// timeouts are driven by request contexts.
	HTTPClient *http.Client
	// Logger for transport diagnostics. Defaults to a no-op logger.
	Logger *slog.Logger
	// Retry policy for idempotent requests.
	Retry RetryConfig
}

// Client talks to the ConvertHub API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger
	retry   RetryConfig
}

// New creates a Client from cfg.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   cfg.HTTPClient,
		logger:  cfg.Logger,
		retry:   cfg.Retry,
	}

	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpc == nil {
		c.httpc = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 4
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 500 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 30 * time.Second
	}

	return c, nil
}

// do issues a single API request. Idempotent requests are retried on
// transient failures (network errors, 5xx, 429) with capped exponential
// backoff. The caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte, idempotent bool) (*http.Response, error) {
	op := method + " " + path

	attempts := c.retry.MaxAttempts
	if !idempotent {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt, lastErr)
			c.logger.Warn("retrying request",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransportError{Op: op, Err: err}
			if !idempotent {
				return nil, lastErr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			drainClose(resp)
			return nil, ErrAuthenticationFailed

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			drainClose(resp)
			lastErr = &RateLimitedError{RetryAfter: retryAfter}
			if !idempotent {
				return nil, lastErr
			}
			continue

		case resp.StatusCode >= http.StatusInternalServerError:
			if idempotent {
				drainClose(resp)
				lastErr = &TransportError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
				continue
			}
			return nil, decodeError(resp)

		case resp.StatusCode >= http.StatusBadRequest:
			return nil, decodeError(resp)
		}

		return resp, nil
	}

	return nil, lastErr
}

// doJSON issues a JSON request and decodes the response into out (when
// non-nil). The payload is marshalled up front so retries can replay it.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}, idempotent bool) error {
	var body []byte
	header := http.Header{}

	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(ctx, method, path, header, body, idempotent)
	if err != nil {
		return err
	}
	defer drainClose(resp)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// backoffDelay computes the delay before the given retry attempt, honouring
// a Retry-After hint when the last failure was a rate limit.
func (c *Client) backoffDelay(attempt int, lastErr error) time.Duration {
	delay := c.retry.BaseDelay << uint(attempt-1)
	if delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}

	var rl *RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	return delay
}

// errorEnvelope is the {"error":{...}} body carried by 4xx/5xx responses.
type errorEnvelope struct {
	Error *RemoteError `json:"error"`
}

// decodeError turns a non-2xx response into a typed error and consumes the
// body.
func decodeError(resp *http.Response) error {
	defer drainClose(resp)

	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		if env.Error.Code == CodeJobNotFound {
			return ErrJobNotFound
		}
		return env.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	return &RemoteError{Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

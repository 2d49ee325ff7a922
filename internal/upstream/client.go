// Package upstream dispatches translated requests to configured providers:
// OpenAI-compatible chat-completions endpoints or native Anthropic Messages
// endpoints, both buffered and streaming, with a bounded retry budget for
// connect/timeout/5xx/429 failures.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/crispinlab/cc-proxy/internal/apierr"
)

// RetryPolicy bounds how many extra attempts a single dispatch may make,
// per §4.4 ("a retry budget, default 2, for connect/timeout errors").
type RetryPolicy struct {
	MaxRetries int
	Timeout    time.Duration
}

// DefaultRetryPolicy matches §4.4/§5's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Timeout: 90 * time.Second}
}

const maxRetryAfter = 30 * time.Second

// Client performs the retried HTTP dispatch shared by the OpenAI-compatible
// and native Anthropic clients. It is deliberately thin: endpoint
// construction and auth-header selection are the caller's job, so this type
// has no notion of "provider".
type Client struct {
	http   *http.Client
	policy RetryPolicy
	logger *slog.Logger
}

func New(policy RetryPolicy, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: policy.Timeout},
		policy: policy,
		logger: logger,
	}
}

// Do issues method/url with headers/body, retrying per policy. It never
// retries once a response body has started being read by the caller — the
// retry loop only spans connect failures and the status-code decision made
// before the caller touches resp.Body for anything but Close.
func (c *Client) Do(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	var lastErr error

	rateLimitRetried := false

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "building upstream request")
		}

		req.Header = headers.Clone()

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = classifyTransportError(err)

			if attempt < c.policy.MaxRetries && isRetryableTransportError(err) {
				c.logger.Warn("upstream attempt failed, retrying", "attempt", attempt, "error", err)
				continue
			}

			return nil, lastErr
		}

		if resp.StatusCode == http.StatusTooManyRequests && !rateLimitRetried && attempt < c.policy.MaxRetries {
			rateLimitRetried = true
			wait := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()

			c.logger.Warn("upstream rate limited, retrying", "wait", wait)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, apierr.Wrap(apierr.KindUpstreamTimeout, ctx.Err(), "context canceled during rate-limit backoff")
			}

			continue
		}

		retryableStatus := resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooEarly

		if retryableStatus && attempt < c.policy.MaxRetries {
			resp.Body.Close()
			lastErr = apierr.New(apierr.KindUpstreamTransport, "upstream returned %d", resp.StatusCode)
			c.logger.Warn("upstream server error, retrying", "status", resp.StatusCode, "attempt", attempt)

			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, apierr.New(apierr.KindUpstreamAuth, "upstream rejected credentials (status %d)", resp.StatusCode)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, apierr.New(apierr.KindUpstreamRateLimited, "upstream rate limit exceeded")
		}

		return resp, nil
	}

	return nil, lastErr
}

// isRetryableTransportError mirrors the classification an infrastructure
// failure gets versus a client-side one: timeouts and connection failures
// are retried, everything else (a canceled context, a malformed URL) is
// not.
func isRetryableTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isConnectionRefused(err)
	}

	return isConnectionRefused(err)
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr)
}

func classifyTransportError(err error) *apierr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindUpstreamTimeout, err, "upstream request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.Wrap(apierr.KindUpstreamTimeout, err, "upstream request timed out")
	}

	return apierr.Wrap(apierr.KindUpstreamTransport, err, "upstream connection failed")
}

// parseRetryAfter parses a Retry-After header (seconds form only, which is
// what every provider in the retrieved pack emits) and clamps it so a
// misbehaving upstream cannot stall a request indefinitely.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return time.Second
	}

	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfter {
		return maxRetryAfter
	}

	return wait
}

// Package httpbatch delivers operation batches to a remote acceptor
// over HTTP. Failures are classified so the coordinator can tell "never
// delivered" from "delivered and rejected": network errors and open
// breakers surface as connectivity, 5xx as transient, auth and other
// 4xx as permanent.
package httpbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
)

// TokenProvider returns the bearer token for the next request. Called
// per request so rotated tokens are picked up without rebuilding the
// client.
type TokenProvider func(ctx context.Context) (string, error)

// Client sends batches to an acceptor endpoint.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	tokenProvider TokenProvider
	breaker       *gobreaker.CircuitBreaker
	pingTimeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenProvider sets the bearer token source.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokenProvider = tp }
}

// WithBreakerSettings replaces the circuit breaker configuration.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = gobreaker.NewCircuitBreaker(settings) }
}

// WithPingTimeout bounds the total time Ping spends probing.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Client) { c.pingTimeout = d }
}

// NewClient builds a Client for the acceptor at baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "acceptor",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		pingTimeout: 30 * time.Second,
	}
	for _, apply := range options {
		apply(c)
	}
	return c, nil
}

// sendOutcome lets permanent failures pass through the breaker without
// counting against it: a validation rejection says nothing about the
// acceptor's health.
type sendOutcome struct {
	result *operation.BatchResult
	err    error
}

// Send posts the batch and returns the acceptor's per-operation
// results. The returned error's kind drives the coordinator's retry
// decision.
func (c *Client) Send(ctx context.Context, batch *operation.Batch) (*operation.BatchResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		br, err := c.send(ctx, batch)
		if err != nil && !syncErrors.IsRetryable(err) {
			return sendOutcome{result: br, err: err}, nil
		}
		return sendOutcome{result: br}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
				syncErrors.KindConnectivity, err)
		}
		return nil, err
	}

	outcome := out.(sendOutcome)
	return outcome.result, outcome.err
}

func (c *Client) send(ctx context.Context, batch *operation.Batch) (*operation.BatchResult, error) {
	data, err := batch.Marshal()
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindPermanent, fmt.Errorf("marshaling batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/batch", bytes.NewReader(data))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
				syncErrors.KindPermanent, fmt.Errorf("acquiring token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request never completed: nothing was processed remotely.
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindConnectivity, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindConnectivity, fmt.Errorf("reading response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var br operation.BatchResult
		if err := json.Unmarshal(body, &br); err != nil {
			return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
				syncErrors.KindProtocol, fmt.Errorf("malformed batch result: %w", err))
		}
		return &br, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindPermanent,
			fmt.Errorf("rejected with status %d: %s", resp.StatusCode, body))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindTransient,
			fmt.Errorf("throttled with status %d", resp.StatusCode))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindPermanent,
			fmt.Errorf("rejected with status %d: %s", resp.StatusCode, body))

	default:
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindTransient,
			fmt.Errorf("server error (status %d)", resp.StatusCode))
	}
}

// Ping probes the acceptor's health endpoint with exponential backoff
// until it answers or the ping budget runs out. Used as a connectivity
// probe before resuming dispatch after an offline stretch.
func (c *Client) Ping(ctx context.Context) error {
	policy := cenkalti.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.pingTimeout

	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return cenkalti.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil
	}

	if err := cenkalti.Retry(probe, cenkalti.WithContext(policy, ctx)); err != nil {
		return syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindConnectivity, err)
	}
	return nil
}

// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/plexguide/huntarr/internal/buildinfo"
)

const maxResponseBytes int64 = 8 << 20

// StatusError is returned when an *arr instance answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ClientOptions tune every client created by a pool.
type ClientOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryAttempts     uint
	RetryDelay        time.Duration

	// Breaker settings. A breaker trips after BreakerFailures consecutive
	// failures and stays open for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:           120 * time.Second,
		RequestsPerSecond: 5,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		BreakerFailures:   5,
		BreakerTimeout:    2 * time.Minute,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	def := DefaultClientOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = def.RequestsPerSecond
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = def.RetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = def.BreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = def.BreakerTimeout
	}
	return o
}

// Client talks to a single *arr instance's REST API.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	opts       ClientOptions
}

// NewClient creates a client for the instance at baseURL. apiVersion is the
// path segment after /api, e.g. "v3".
func NewClient(name, baseURL, apiKey, apiVersion string, opts ClientOptions) *Client {
	opts = opts.withDefaults()

	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		opts:       opts,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			// A 4xx means the instance answered; it is not down.
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return !statusErr.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("instance", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("arr: circuit breaker state changed")
		},
	})

	return c
}

// Name returns the instance name.
func (c *Client) Name() string {
	return c.name
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Get issues an idempotent GET and decodes the JSON body into out. Transient
// failures are retried.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	var body []byte

	err := retry.Do(
		func() error {
			var err error
			body, err = c.do(ctx, http.MethodGet, path, query, nil)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.RetryAttempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("instance", c.name).Str("path", path).Uint("attempt", n+1).Msg("arr: retrying request")
		}),
	)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// CommandResponse is the acknowledgement of a queued *arr command.
type CommandResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Command posts a command to /api/<version>/command. Commands are not retried:
// a repeated search would spend a second call.
func (c *Client) Command(ctx context.Context, command any) (CommandResponse, error) {
	payload, err := json.Marshal(command)
	if err != nil {
		return CommandResponse{}, errors.Wrap(err, "encode command")
	}

	body, err := c.do(ctx, http.MethodPost, "command", nil, payload)
	if err != nil {
		return CommandResponse{}, err
	}

	var resp CommandResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return CommandResponse{}, errors.Wrap(err, "decode command response")
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	return c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, method, path, query, payload)
	})
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	endpoint := c.endpoint(path, query)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, redactURL(endpoint))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: method, URL: redactURL(endpoint)}
	}

	return body, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := fmt.Sprintf("%s/api/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(path, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

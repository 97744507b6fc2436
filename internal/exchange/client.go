package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// RateLimiter admits outbound calls.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

type ClientConfig struct {
	TradingURL       string
	DataURL          string
	FailureThreshold int
	Cooldown         time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RequestTimeout   time.Duration
}

// Request is one logical broker call. Retries of it reuse IdempotencyKey.
type Request struct {
	Method         string
	Path           string
	Query          url.Values
	Body           any
	Group          Group // empty routes by path
	IdempotencyKey string
}

// Response is a successful ("s": "ok") broker response.
type Response struct {
	StatusCode int
	Body       map[string]any
	Raw        []byte
}

// Decode unmarshals the raw response into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// Client runs every broker REST call through rate limiting, circuit breaking, token
// refresh and bounded retries.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	limiter  RateLimiter
	creds    Credentials
	breakers map[Group]*CircuitBreaker
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client. Its Timeout bounds each attempt.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClock sets the time source of the circuit breakers.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		for _, b := range c.breakers {
			b.now = now
		}
	}
}

func NewClient(cfg ClientConfig, creds Credentials, limiter RateLimiter, opts ...ClientOption) *Client {
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		creds:   creds,
		breakers: map[Group]*CircuitBreaker{
			GroupTrading: NewCircuitBreaker(GroupTrading, cfg.FailureThreshold, cfg.Cooldown),
			GroupData:    NewCircuitBreaker(GroupData, cfg.FailureThreshold, cfg.Cooldown),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the breaker of group g.
func (c *Client) Breaker(g Group) *CircuitBreaker {
	return c.breakers[g]
}

// TradingPaused reports whether new orders would currently fail fast.
func (c *Client) TradingPaused() bool {
	return c.breakers[GroupTrading].State() == CircuitOpen
}

func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	group := req.Group
	if group == "" {
		group = GroupFor(req.Path)
	}
	breaker := c.breakers[group]
	log := utils.WithComponent("exchange").WithField("group", group).WithField("path", req.Path)

	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return Response{}, &ValidationError{Message: fmt.Sprintf("encode body: %v", err)}
		}
	}

	retry := &backoff.Backoff{Min: c.cfg.RetryBaseDelay, Max: c.cfg.RetryMaxDelay, Factor: 2}
	refreshed := false
	attempts := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
		if err := breaker.Allow(); err != nil {
			metrics.BrokerRequests.WithLabelValues(string(group), "circuit_open").Inc()
			return Response{}, err
		}
		header, gen, err := c.creds.AuthHeader()
		if err != nil {
			breaker.Abort()
			metrics.BrokerRequests.WithLabelValues(string(group), "auth_error").Inc()
			return Response{}, err
		}

		attempts++
		status, raw, err := c.send(ctx, group, req, payload, header)
		if err != nil && ctx.Err() != nil {
			breaker.Abort()
			return Response{}, ctx.Err()
		}

		switch {
		case err != nil || isTransientStatus(status):
			breaker.Failure()
			if err == nil {
				err = fmt.Errorf("http status %d", status)
			}
			if attempts > c.cfg.MaxRetryAttempts {
				metrics.BrokerRequests.WithLabelValues(string(group), "transient_error").Inc()
				return Response{}, &TransientError{Group: group, Path: req.Path, Attempts: attempts, StatusCode: status, Err: err}
			}
			delay := withJitter(retry.Duration())
			metrics.BrokerRetries.WithLabelValues(string(group)).Inc()
			log.Warnf("Client | Attempt %d failed: %v. Backing off for %v", attempts, err, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return Response{}, err
			}
			continue

		case status == http.StatusUnauthorized:
			breaker.Success()
			if refreshed {
				metrics.BrokerRequests.WithLabelValues(string(group), "auth_error").Inc()
				return Response{}, &AuthError{Reason: "unauthorized after token refresh"}
			}
			refreshed = true
			log.Info("Client | Got 401, refreshing access token")
			if err := c.creds.Refresh(ctx, gen); err != nil {
				metrics.BrokerRequests.WithLabelValues(string(group), "auth_error").Inc()
				var authErr *AuthError
				if errors.As(err, &authErr) {
					return Response{}, authErr
				}
				return Response{}, &AuthError{Reason: "token refresh failed", Err: err}
			}
			continue

		case status >= 400:
			breaker.Success()
			metrics.BrokerRequests.WithLabelValues(string(group), "validation_error").Inc()
			body := decodeBody(status, raw)
			return Response{}, &ValidationError{StatusCode: status, Message: messageOf(body), Body: body}
		}

		breaker.Success()
		body := decodeBody(status, raw)
		if s, ok := body["s"].(string); ok && s != "ok" {
			metrics.BrokerRequests.WithLabelValues(string(group), "api_error").Inc()
			return Response{}, &APIError{StatusCode: status, Code: codeOf(body), Message: messageOf(body), Body: body}
		}
		metrics.BrokerRequests.WithLabelValues(string(group), "ok").Inc()
		return Response{StatusCode: status, Body: body, Raw: raw}, nil
	}
}

func (c *Client) send(ctx context.Context, group Group, req Request, payload []byte, authHeader string) (int, []byte, error) {
	base := c.cfg.TradingURL
	if group == GroupData {
		base = c.cfg.DataURL
	}
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Authorization", authHeader)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// decodeBody parses a JSON object body. Anything else is normalised into an error
// envelope so callers always see {"s": ...}.
func decodeBody(status int, raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return map[string]any{
			"s":       "error",
			"message": "Non-JSON response from FYERS",
			"raw":     string(raw),
			"status":  status,
		}
	}
	return body
}

func messageOf(body map[string]any) string {
	if m, ok := body["message"].(string); ok {
		return m
	}
	return ""
}

func codeOf(body map[string]any) int {
	if c, ok := body["code"].(float64); ok {
		return int(c)
	}
	return 0
}

// withJitter adds up to 20% to d.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
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

// Package analyzer talks to the remote vision-analysis endpoint.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	AnalyzePath       = "/api/analyze"

	maxResponseBytes = 8 << 20
)

// Config holds analyzer client settings.
type Config struct {
	// Endpoint is the backend base URL, e.g. http://localhost:5000.
	Endpoint string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxRetries caps transport-level retries inside one submission.
	MaxRetries int
	// RetryInterval is the first transport retry delay.
	RetryInterval time.Duration
	// RequestsPerMinute paces submissions; zero disables pacing.
	RequestsPerMinute int
}

// Client submits frames to the analysis endpoint.
type Client struct {
	cfg        Config
	url        string
	httpClient *http.Client
	pacer      *Pacer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an analyzer client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("analyzer endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	c := &Client{
		cfg:        cfg,
		url:        strings.TrimRight(cfg.Endpoint, "/") + AnalyzePath,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      NewPacer(cfg.RequestsPerMinute),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "analyzer")
	return c, nil
}

// Analyze submits req and returns the success envelope, or a classified *Error.
// Connection failures are retried up to MaxRetries times; timeouts,
// cancellations and any HTTP response are final.
func (c *Client) Analyze(ctx context.Context, req Request) (*Response, error) {
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return nil, err
	}
	req.Hint = SanitizeHint(req.Hint)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, Message: "cancelled while pacing", Err: err}
	}

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		r, err := c.send(ctx, body)
		if err != nil {
			var ae *Error
			if errors.As(err, &ae) && ae.Kind == KindTransport {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx)

	notify := func(err error, next time.Duration) {
		c.logger.Warn("analyze attempt failed, retrying",
			"attempt", attempt, "mode", req.Mode, "next", next, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
			return nil, &Error{Kind: KindTimeout, Message: "request cancelled", Err: ctx.Err()}
		}
		c.logger.Info("analyze failed", "mode", req.Mode, "attempts", attempt, "error", err)
		return nil, err
	}

	c.logger.Debug("analyze ok", "mode", req.Mode, "items", len(resp.Data), "request_id", resp.RequestID)
	return resp, nil
}

// send performs one HTTP attempt and classifies the outcome.
func (c *Client) send(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
		}
		return nil, &Error{Kind: KindTransport, Message: "failed to send request", Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Kind: KindTimeout, Status: httpResp.StatusCode, Message: "timed out reading response", Err: err}
		}
		return nil, &Error{Kind: KindTransport, Status: httpResp.StatusCode, Message: "failed to read response body", Err: err}
	}

	return decodeResponse(httpResp, raw)
}

func decodeResponse(httpResp *http.Response, raw []byte) (*Response, error) {
	status := httpResp.StatusCode
	headerID := httpResp.Header.Get("X-Request-Id")

	var env Response
	decodeErr := json.Unmarshal(raw, &env)
	if env.RequestID == "" {
		env.RequestID = headerID
	}

	if status == http.StatusTooManyRequests {
		retryAfter := 0
		if env.RetryAfter != nil {
			retryAfter = *env.RetryAfter
		} else if v, err := strconv.Atoi(httpResp.Header.Get("Retry-After")); err == nil {
			retryAfter = v
		}
		kind := KindQuotaMinute
		if env.LimitType == LimitDaily {
			kind = KindQuotaDaily
		}
		return nil, &Error{
			Kind:       kind,
			Status:     status,
			Code:       deref(env.ErrorCode),
			Message:    deref(env.Message),
			RequestID:  env.RequestID,
			RetryAfter: retryAfter,
		}
	}

	if status < 200 || status > 299 {
		code := deref(env.ErrorCode)
		if decodeErr != nil || code == "" {
			code = "HTTP_" + strconv.Itoa(status)
		}
		msg := deref(env.Message)
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, &Error{Kind: KindRejected, Status: status, Code: code, Message: msg, RequestID: env.RequestID}
	}

	if decodeErr != nil {
		return nil, &Error{Kind: KindMalformed, Status: status, Message: "failed to decode response", RequestID: headerID, Err: decodeErr}
	}
	if !env.OK {
		return nil, &Error{Kind: KindRejected, Status: status, Code: deref(env.ErrorCode), Message: deref(env.Message), RequestID: env.RequestID}
	}
	return &env, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

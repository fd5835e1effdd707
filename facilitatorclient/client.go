// Package facilitatorclient talks to a remote facilitator over HTTP.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/types"
)

const (
	DefaultURL           = "http://localhost:5401"
	DefaultVerifyTimeout = 10 * time.Second
	DefaultSettleTimeout = 30 * time.Second
	DefaultRetries       = 2
	DefaultRetryDelay    = 200 * time.Millisecond
)

// Config for a facilitator client.
type Config struct {
	URL        string
	HTTPClient *http.Client

	VerifyTimeout time.Duration
	SettleTimeout time.Duration

	// Retries is the number of extra attempts after a transport error or
	// 5xx. Zero uses DefaultRetries, negative disables retrying.
	Retries    int
	RetryDelay time.Duration

	Logger logger.Logger
}

// Client is a facilitator reached over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     Config
	log     logger.Logger
}

// New returns a facilitator client. Zero fields of cfg take the defaults.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    cfg.HTTPClient,
		cfg:     cfg,
		log:     logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "facilitator-client"}),
	}
}

// Verify asks the facilitator to verify req.
func (c *Client) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var out types.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", c.cfg.VerifyTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to settle req.
func (c *Client) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	var out types.SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", c.cfg.SettleTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the scheme/network pairs the facilitator accepts.
func (c *Client) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var out types.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", c.cfg.VerifyTimeout, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusError is a facilitator reply that could not be decoded as a result.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	delay := c.cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying facilitator call", logger.Fields{"path": path, "attempt": attempt, "error": lastErr})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		retry, err := c.once(ctx, method, path, timeout, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}

	return &types.X402Error{
		Code:    types.ErrNetworkError,
		Message: fmt.Sprintf("facilitator %s %s: %v", method, path, lastErr),
		Data:    lastErr,
	}
}

// once performs a single request and reports whether a failure is worth retrying.
func (c *Client) once(ctx context.Context, method, path string, timeout time.Duration, payload []byte, out interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return true, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	// 4xx replies from a facilitator still carry a verify or settle result.
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return false, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

// IsStatus reports whether err carries a facilitator HTTP status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

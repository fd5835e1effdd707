package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/types"
)

// Result of a request that may have been paid for.
type Result struct {
	Response *http.Response

	// Paid is set when an X-PAYMENT header was attached.
	Paid         bool
	Requirements *types.PaymentRequirements

	// Receipt is the decoded X-PAYMENT-RESPONSE, if the server sent one.
	Receipt *types.SettleResponse
}

// PaymentRequiredError is returned when a 402 could not be satisfied.
type PaymentRequiredError struct {
	Challenge *types.PaymentRequiredResponse
	Err       error
}

func (e *PaymentRequiredError) Error() string {
	if e.Challenge != nil && e.Challenge.Error != "" {
		return fmt.Sprintf("payment required: %s: %v", e.Challenge.Error, e.Err)
	}
	return fmt.Sprintf("payment required: %v", e.Err)
}

func (e *PaymentRequiredError) Unwrap() error { return e.Err }

// Client wraps an *http.Client and pays 402 challenges with a Signer.
type Client struct {
	http   *http.Client
	signer *Signer
	log    logger.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(cl *Client) {
		cl.log = logger.OrNoop(l)
	}
}

func New(signer *Signer, opts ...Option) *Client {
	c := &Client{
		http:   http.DefaultClient,
		signer: signer,
		log:    logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. A 402 answer is paid with the first acceptable requirement
// and the request is sent once more with an X-PAYMENT header.
func (c *Client) Do(req *http.Request) (*Result, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, errors.New("client: request body cannot be replayed after a 402")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{Response: resp}, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, &PaymentRequiredError{Err: err}
	}
	reqs, err := c.signer.Choose(challenge.Accepts)
	if err != nil {
		return nil, &PaymentRequiredError{Challenge: challenge, Err: err}
	}

	c.log.Debug("paying for request", logger.Fields{
		"url":     req.URL.String(),
		"network": reqs.Network,
		"amount":  reqs.MaxAmountRequired,
		"payTo":   reqs.PayTo,
	})

	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return c.DoWithRequirements(retry, reqs)
}

// DoWithRequirements signs reqs up front and sends req once.
func (c *Client) DoWithRequirements(req *http.Request, reqs *types.PaymentRequirements) (*Result, error) {
	payload, err := c.signer.Sign(reqs)
	if err != nil {
		return nil, &PaymentRequiredError{Err: err}
	}
	header, err := types.EncodePaymentHeader(payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set(types.HeaderPayment, header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	res := &Result{Response: resp, Paid: true, Requirements: reqs}
	if v := resp.Header.Get(types.HeaderPaymentResponse); v != "" {
		receipt, err := types.DecodeSettleResponse(v)
		if err != nil {
			c.log.Warn("undecodable payment response", logger.Fields{"error": err})
		} else {
			res.Receipt = receipt
		}
	}
	return res, nil
}

// PostJSON marshals body, posts it to url and pays if asked to.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) (*Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func readChallenge(resp *http.Response) (*types.PaymentRequiredResponse, error) {
	defer resp.Body.Close()
	var challenge types.PaymentRequiredResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode 402 body: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, errors.New("402 body lists no accepted payments")
	}
	return &challenge, nil
}

func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("client: rewind body: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}

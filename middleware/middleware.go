// Package middleware gates an http.Handler behind an x402 payment.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/types"
)

// DefaultMaxTimeoutSeconds is used when Config.MaxTimeoutSeconds is zero.
const DefaultMaxTimeoutSeconds = 60

// Facilitator verifies and settles payments. Both *x402.X402 and
// *facilitatorclient.Client satisfy it.
type Facilitator interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
	Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error)
}

// PriceFunc returns the price of r in atomic units of the asset.
type PriceFunc func(r *http.Request) (*big.Int, error)

// Config describes what a protected route charges and where the money goes.
type Config struct {
	Facilitator Facilitator

	PayTo   string
	Network types.Network
	// Asset defaults to the network's USDC deployment.
	Asset string

	// Price is a fixed price in atomic units. PriceFunc takes precedence.
	Price     *big.Int
	PriceFunc PriceFunc

	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	OutputSchema      map[string]interface{}

	// Resource overrides ResourceRootURL + request path.
	Resource        string
	ResourceRootURL string

	// PaywallHTML replaces the page served to browsers.
	PaywallHTML string

	Logger logger.Logger
}

// Gate is a configured payment gate.
type Gate struct {
	cfg   Config
	extra map[string]interface{}
	log   logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New returns a middleware that requires an X-PAYMENT header on every
// request, verifies it, runs the wrapped handler and settles the payment
// before releasing the response.
func New(cfg Config) (func(http.Handler) http.Handler, error) {
	g, err := NewGate(cfg)
	if err != nil {
		return nil, err
	}
	return g.Wrap, nil
}

// NewGate validates cfg and fills its defaults.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Facilitator == nil {
		return nil, errors.New("middleware: facilitator is required")
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("middleware: invalid payTo address %q", cfg.PayTo)
	}
	info, ok := types.LookupNetwork(cfg.Network)
	if !ok {
		return nil, fmt.Errorf("middleware: unsupported network %q", cfg.Network)
	}
	if cfg.Asset == "" {
		cfg.Asset = info.USDC
	}
	if !common.IsHexAddress(cfg.Asset) {
		return nil, fmt.Errorf("middleware: invalid asset address %q for %s", cfg.Asset, cfg.Network)
	}
	if cfg.PriceFunc == nil {
		if cfg.Price == nil || cfg.Price.Sign() < 0 {
			return nil, errors.New("middleware: a price or price function is required")
		}
		price := new(big.Int).Set(cfg.Price)
		cfg.PriceFunc = func(*http.Request) (*big.Int, error) { return price, nil }
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}

	g := &Gate{
		cfg: cfg,
		extra: map[string]interface{}{
			"name":    info.TokenName,
			"version": info.TokenVersion,
		},
		log:      logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "x402-middleware"}),
		inflight: make(map[string]struct{}),
	}
	return g, nil
}

// Wrap gates next.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs, err := g.requirements(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"x402Version": types.ProtocolVersion,
				"error":       err.Error(),
			})
			return
		}

		header := r.Header.Get(types.HeaderPayment)
		payload, err := types.DecodePaymentHeader(header)
		if err != nil {
			if isWebBrowser(r) {
				g.paywall(w, reqs)
				return
			}
			msg := "X-PAYMENT header is required"
			if header != "" {
				msg = "invalid X-PAYMENT header: " + err.Error()
			}
			paymentRequired(w, reqs, msg)
			return
		}

		vreq := &types.VerifyRequest{
			X402Version:         types.ProtocolVersion,
			PaymentPayload:      *payload,
			PaymentRequirements: *reqs,
		}

		// one authorization serves one request at a time
		key := authorizationKey(vreq)
		if !g.acquire(key) {
			paymentRequired(w, reqs, types.ReasonSettlementInProgress)
			return
		}
		defer g.release(key)

		ctx := r.Context()
		verified, err := g.cfg.Facilitator.Verify(ctx, vreq)
		if err != nil {
			g.log.Error("verify failed", logger.Fields{"resource": reqs.Resource, "error": err})
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"x402Version": types.ProtocolVersion,
				"error":       "facilitator unavailable: " + err.Error(),
			})
			return
		}
		if !verified.IsValid {
			g.log.Info("payment rejected", logger.Fields{
				"resource": reqs.Resource,
				"reason":   verified.InvalidReason,
				"payer":    verified.Payer,
			})
			paymentRequired(w, reqs, verified.InvalidReason)
			return
		}

		buf := newBufferedWriter()
		next.ServeHTTP(buf, r.WithContext(withPayment(ctx, &Payment{
			Request:  vreq,
			Verified: verified,
		})))

		if buf.status >= http.StatusBadRequest {
			g.log.Debug("handler failed, payment not settled", logger.Fields{"status": buf.status, "payer": verified.Payer})
			buf.flush(w)
			return
		}

		settled, err := g.cfg.Facilitator.Settle(ctx, vreq)
		if err != nil {
			g.log.Error("settle failed", logger.Fields{"resource": reqs.Resource, "error": err})
			paymentRequired(w, reqs, err.Error())
			return
		}
		if !settled.Success {
			g.log.Warn("settlement rejected", logger.Fields{"resource": reqs.Resource, "reason": settled.ErrorReason})
			paymentRequired(w, reqs, settled.ErrorReason)
			return
		}
		if settled.Replayed {
			g.log.Warn("authorization already spent", logger.Fields{
				"resource":    reqs.Resource,
				"payer":       settled.Payer,
				"transaction": settled.Transaction,
			})
			paymentRequired(w, reqs, types.ReasonNonceAlreadyUsed)
			return
		}

		value, err := types.EncodeSettleResponse(settled)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"x402Version": types.ProtocolVersion,
				"error":       err.Error(),
			})
			return
		}

		w.Header().Set(types.HeaderPaymentResponse, value)
		w.Header().Set("Access-Control-Expose-Headers", types.HeaderPaymentResponse)
		g.log.Info("payment settled", logger.Fields{
			"resource":    reqs.Resource,
			"payer":       settled.Payer,
			"transaction": settled.Transaction,
		})
		buf.flush(w)
	})
}

func (g *Gate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Gate) release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

func authorizationKey(req *types.VerifyRequest) string {
	auth := req.PaymentPayload.Payload.Authorization
	return strings.ToLower(req.PaymentRequirements.Network + "/" + req.PaymentRequirements.Asset + "/" + auth.From + "/" + auth.Nonce)
}

// requirements builds the single accepted payment option for r.
func (g *Gate) requirements(r *http.Request) (*types.PaymentRequirements, error) {
	price, err := g.cfg.PriceFunc(r)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() < 0 {
		return nil, errors.New("invalid price")
	}
	return g.Requirements(r.URL.Path, price), nil
}

// Requirements returns what the gate would ask for path at price.
func (g *Gate) Requirements(path string, price *big.Int) *types.PaymentRequirements {
	resource := g.cfg.Resource
	if resource == "" {
		resource = g.cfg.ResourceRootURL + path
	}

	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact.String(),
		Network:           g.cfg.Network.String(),
		MaxAmountRequired: price.String(),
		Resource:          resource,
		Description:       g.cfg.Description,
		MimeType:          g.cfg.MimeType,
		OutputSchema:      g.cfg.OutputSchema,
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             g.cfg.Asset,
		Extra:             g.extra,
	}
}

func (g *Gate) paywall(w http.ResponseWriter, reqs *types.PaymentRequirements) {
	page := g.cfg.PaywallHTML
	if page == "" {
		page = fmt.Sprintf(defaultPaywall,
			html.EscapeString(reqs.Description),
			html.EscapeString(reqs.MaxAmountRequired),
			html.EscapeString(reqs.Network),
			html.EscapeString(reqs.PayTo),
		)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write([]byte(page))
}

const defaultPaywall = `<!DOCTYPE html>
<html><head><title>Payment Required</title></head>
<body>
<h1>Payment Required</h1>
<p>%s</p>
<p>Amount: %s atomic units on %s, paid to %s.</p>
</body></html>`

func isWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.UserAgent(), "Mozilla")
}

func paymentRequired(w http.ResponseWriter, reqs *types.PaymentRequirements, msg string) {
	writeJSON(w, http.StatusPaymentRequired, &types.PaymentRequiredResponse{
		X402Version: types.ProtocolVersion,
		Accepts:     []types.PaymentRequirements{*reqs},
		Error:       msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bufferedWriter holds the handler's response until settlement decides
// whether it can be released.
type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

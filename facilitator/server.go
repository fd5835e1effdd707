// Package facilitator exposes an x402 facilitator over HTTP.
package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	x402 "github.com/vitwit/x402-a2a"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/types"
)

const maxBodyBytes = 1 << 20

// Config controls the HTTP surface of the facilitator.
type Config struct {
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit float64
	Burst     int

	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger logger.Logger
}

// Server serves verify, settle and ledger queries for an *x402.X402.
type Server struct {
	x402    *x402.X402
	router  chi.Router
	limiter *ipLimiter
	log     logger.Logger
}

// NewServer builds the router. x must already have its networks added.
func NewServer(x *x402.X402, cfg Config) *Server {
	s := &Server{
		x402: x,
		log:  logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "facilitator"}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.Burst)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
		r.Get("/supported", s.handleSupported)
		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/{id}", s.handleGetPayment)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RunSweeper expires stale ledger entries every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.x402.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("ledger sweep failed", logger.Fields{"error": err})
			}
			if s.limiter != nil {
				s.limiter.prune(30 * time.Minute)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": x402.Version,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &types.VerifyResponse{
			IsValid:       false,
			InvalidReason: types.ReasonInvalidPayload,
		})
		return
	}

	resp, err := s.x402.Verify(r.Context(), req)
	if err != nil {
		s.log.Error("verify error", logger.Fields{"error": err})
		writeJSON(w, statusFor(err), &types.VerifyResponse{
			IsValid:       false,
			InvalidReason: types.ReasonUnexpectedVerifyError,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &types.SettleResponse{
			Success:     false,
			ErrorReason: types.ReasonInvalidPayload,
		})
		return
	}

	resp, err := s.x402.Settle(r.Context(), req)
	if err != nil {
		s.log.Error("settle error", logger.Fields{"error": err})
		writeJSON(w, statusFor(err), &types.SettleResponse{
			Success:     false,
			ErrorReason: types.ReasonUnexpectedSettleError,
			Network:     req.PaymentRequirements.Network,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSupported(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.x402.Supported())
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.x402.Payment(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		State:   ledger.State(q.Get("state")),
		Network: q.Get("network"),
		Payer:   q.Get("payer"),
	}
	if f.State != "" && !f.State.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", f.State))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	payments, err := s.x402.Payments(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payments == nil {
		payments = []*ledger.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// requestBody accepts the standard VerifyRequest and the older shape that
// carries the payment as a base64 header value.
type requestBody struct {
	types.VerifyRequest
	PaymentPayloadBase64 string `json:"paymentPayloadBase64,omitempty"`
	PaymentHeader        string `json:"paymentHeader,omitempty"`
}

func decodeRequest(r *http.Request) (*types.VerifyRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var body requestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}

	req := body.VerifyRequest
	if req.PaymentPayload.Payload.Signature == "" {
		header := body.PaymentPayloadBase64
		if header == "" {
			header = body.PaymentHeader
		}
		if header == "" {
			return nil, errors.New("payment payload is required")
		}
		p, err := types.DecodePaymentHeader(header)
		if err != nil {
			return nil, err
		}
		req.PaymentPayload = *p
	}
	if req.X402Version == 0 {
		req.X402Version = req.PaymentPayload.X402Version
	}
	return &req, nil
}

func statusFor(err error) int {
	var xe *types.X402Error
	if errors.As(err, &xe) && xe.Code == types.ErrNetworkError {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

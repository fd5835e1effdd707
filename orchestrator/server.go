package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/x402-a2a/client"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/middleware"
	"github.com/vitwit/x402-a2a/services"
	"github.com/vitwit/x402-a2a/types"
)

const (
	DefaultCallTimeout = 30 * time.Second

	// MaxPlanSteps bounds an executed plan to one step per known service.
	MaxPlanSteps = 5

	callConcurrency = 3
	maxBodyBytes    = 1 << 20
)

// Config for the orchestrator HTTP server.
type Config struct {
	Facilitator middleware.Facilitator
	PayTo       string
	Network     types.Network
	Asset       string

	ResourceRootURL string

	// Endpoints maps a service name to its URL. Services without an endpoint
	// are answered from local mock data.
	Endpoints map[string]string

	// Payer pays the downstream services. Nil calls them without payment.
	Payer      *client.Client
	HTTPClient *http.Client

	CallTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

// StepResult is the outcome of one plan step.
type StepResult struct {
	Service     string                `json:"service"`
	Description string                `json:"description"`
	Status      string                `json:"status"`
	Source      string                `json:"source,omitempty"`
	Result      interface{}           `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	Receipt     *types.SettleResponse `json:"receipt,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"

	SourceService = "service"
	SourceMock    = "mock"
)

type PaymentInfo struct {
	Payer     string `json:"payer,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

// ExecuteResponse is the bundled body of POST /execute.
type ExecuteResponse struct {
	Success    bool         `json:"success"`
	Results    []StepResult `json:"results"`
	Plan       Plan         `json:"plan"`
	Price      *big.Int     `json:"price"`
	Payment    PaymentInfo  `json:"payment"`
	ExecutedAt string       `json:"executedAt"`
}

// ProcessResponse is the 402 body of POST /process.
type ProcessResponse struct {
	X402Version int                         `json:"x402Version"`
	Accepts     []types.PaymentRequirements `json:"accepts"`
	Plan        Plan                        `json:"plan"`
	Price       *big.Int                    `json:"price"`
	Message     string                      `json:"message"`
}

type Server struct {
	cfg    Config
	gate   *middleware.Gate
	router chi.Router
	log    logger.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	gate, err := middleware.NewGate(middleware.Config{
		Facilitator:     cfg.Facilitator,
		PayTo:           cfg.PayTo,
		Network:         cfg.Network,
		Asset:           cfg.Asset,
		PriceFunc:       planPrice,
		Description:     "Service execution",
		MimeType:        "application/json",
		ResourceRootURL: cfg.ResourceRootURL,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	s := &Server{
		cfg:  cfg,
		gate: gate,
		log:  logger.OrNoop(cfg.Logger).With(logger.Fields{"component": "orchestrator"}),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Post("/process", s.handleProcess)
	r.With(gate.Wrap).Post("/execute", s.handleExecute)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserText string `json:"userText"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil || strings.TrimSpace(body.UserText) == "" {
		writeError(w, http.StatusBadRequest, "userText is required")
		return
	}

	plan := GeneratePlan(body.UserText)
	if len(plan.Services) == 0 {
		writeError(w, http.StatusBadRequest, "No services identified in user text")
		return
	}
	price := plan.Price()
	s.log.Info("plan generated", logger.Fields{"services": len(plan.Services), "price": price.String()})

	writeJSON(w, http.StatusPaymentRequired, &ProcessResponse{
		X402Version: types.ProtocolVersion,
		Accepts:     []types.PaymentRequirements{*s.gate.Requirements("/execute", price)},
		Plan:        plan,
		Price:       price,
		Message:     "Payment required to execute services",
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	plan, err := readPlan(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := s.execute(r.Context(), plan)

	failed := 0
	for _, res := range results {
		if res.Status != StatusSuccess {
			failed++
		}
	}
	if failed == len(results) {
		// a non-2xx status keeps the payment from being settled
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   "all services failed",
			"results": results,
		})
		return
	}

	resp := &ExecuteResponse{
		Success:    true,
		Results:    results,
		Plan:       plan,
		Price:      plan.Price(),
		ExecutedAt: s.cfg.Now().UTC().Format(time.RFC3339),
	}
	if p, ok := middleware.PaymentFromContext(r.Context()); ok {
		resp.Payment = PaymentInfo{Payer: p.Verified.Payer, PaymentID: p.Verified.PaymentID}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"services":  services.Names,
		"endpoints": s.cfg.Endpoints,
	})
}

// execute runs every step concurrently and keeps plan order in the result.
func (s *Server) execute(ctx context.Context, plan Plan) []StepResult {
	results := make([]StepResult, len(plan.Services))
	var g errgroup.Group
	g.SetLimit(callConcurrency)
	for i, step := range plan.Services {
		g.Go(func() error {
			results[i] = s.run(ctx, step)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Server) run(ctx context.Context, step Step) StepResult {
	res := StepResult{Service: strings.ToLower(step.Service), Description: step.Description}

	url, ok := s.cfg.Endpoints[res.Service]
	if !ok || url == "" {
		out, err := services.Result(res.Service, step.Description, s.cfg.Now())
		if err != nil {
			res.Status, res.Error = StatusError, err.Error()
			return res
		}
		res.Status, res.Source, res.Result = StatusSuccess, SourceMock, out
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	out, receipt, err := s.call(ctx, url, services.Request{Service: res.Service, Description: step.Description})
	if err != nil {
		s.log.Warn("service call failed", logger.Fields{"service": res.Service, "url": url, "error": err})
		res.Status, res.Source, res.Error = StatusError, SourceService, err.Error()
		return res
	}
	res.Status, res.Source, res.Result, res.Receipt = StatusSuccess, SourceService, out, receipt
	return res
}

func (s *Server) call(ctx context.Context, url string, body services.Request) (interface{}, *types.SettleResponse, error) {
	var (
		resp    *http.Response
		receipt *types.SettleResponse
	)
	if s.cfg.Payer != nil {
		res, err := s.cfg.Payer.PostJSON(ctx, url, body)
		if err != nil {
			return nil, nil, err
		}
		resp, receipt = res.Response, res.Receipt
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if resp, err = s.cfg.HTTPClient.Do(req); err != nil {
			return nil, nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, receipt, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, receipt, fmt.Errorf("decode %s response: %w", url, err)
	}
	return out, receipt, nil
}

// planPrice prices POST /execute from its body and leaves the body readable.
func planPrice(r *http.Request) (*big.Int, error) {
	plan, err := readPlan(r)
	if err != nil {
		return nil, err
	}
	return plan.Price(), nil
}

func readPlan(r *http.Request) (Plan, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return Plan{}, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var body struct {
		Plan *Plan `json:"plan"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Plan == nil || len(body.Plan.Services) == 0 {
		return Plan{}, errors.New("plan with services required")
	}
	if len(body.Plan.Services) > MaxPlanSteps {
		return Plan{}, fmt.Errorf("plan has %d services, at most %d allowed", len(body.Plan.Services), MaxPlanSteps)
	}
	return *body.Plan, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package services

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/middleware"
	"github.com/vitwit/x402-a2a/types"
)

// DefaultPrice of one call in atomic units (0.001 USDC).
var DefaultPrice = big.NewInt(1000)

// Config for one service process.
type Config struct {
	Name string

	Facilitator middleware.Facilitator
	PayTo       string
	Network     types.Network
	Asset       string
	Price       *big.Int

	ResourceRootURL string
	Logger          logger.Logger
	Now             func() time.Time
}

// NewHandler serves POST /<name> behind the payment gate and GET /healthz.
func NewHandler(cfg Config) (http.Handler, error) {
	if _, err := Result(cfg.Name, "", time.Time{}); err != nil {
		return nil, fmt.Errorf("services: %q: %w", cfg.Name, err)
	}
	if cfg.Price == nil {
		cfg.Price = DefaultPrice
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logger.OrNoop(cfg.Logger).With(logger.Fields{"service": cfg.Name})

	pay, err := middleware.New(middleware.Config{
		Facilitator:     cfg.Facilitator,
		PayTo:           cfg.PayTo,
		Network:         cfg.Network,
		Asset:           cfg.Asset,
		Price:           cfg.Price,
		Description:     cfg.Name + " service call",
		MimeType:        "application/json",
		ResourceRootURL: cfg.ResourceRootURL,
		OutputSchema: map[string]interface{}{
			"input":  map[string]interface{}{"type": "http", "method": http.MethodPost},
			"output": map[string]interface{}{},
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "service": cfg.Name})
	})
	r.With(pay).Post("/"+cfg.Name, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
				return
			}
		}

		out, err := Result(cfg.Name, req.Description, cfg.Now())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if p, ok := middleware.PaymentFromContext(r.Context()); ok {
			log.Info("serving paid request", logger.Fields{"payer": p.Verified.Payer, "paymentId": p.Verified.PaymentID})
		}
		writeJSON(w, http.StatusOK, out)
	})
	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

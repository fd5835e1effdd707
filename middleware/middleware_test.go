package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-a2a"
	"github.com/vitwit/x402-a2a/internal/x402test"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/types"
)

var testNow = time.Unix(1_760_000_000, 0)

type stubFacilitator struct {
	verifyErr error
	verify    *types.VerifyResponse
	settle    *types.SettleResponse
	settled   int
}

func (s *stubFacilitator) Verify(context.Context, *types.VerifyRequest) (*types.VerifyResponse, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.verify, nil
}

func (s *stubFacilitator) Settle(context.Context, *types.VerifyRequest) (*types.SettleResponse, error) {
	s.settled++
	return s.settle, nil
}

func localFacilitator(t *testing.T) *x402.X402 {
	t.Helper()
	x, err := x402.New(x402.DefaultConfig(), x402.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	require.NoError(t, x.AddNetwork(context.Background(), types.NetworkBaseSepolia, types.ClientConfig{}))
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func testConfig(f Facilitator) Config {
	return Config{
		Facilitator:     f,
		PayTo:           x402test.PayTo,
		Network:         types.NetworkBaseSepolia,
		Price:           big.NewInt(10000),
		Description:     "news feed",
		MimeType:        "application/json",
		ResourceRootURL: "http://localhost:5404",
	}
}

func protected(t *testing.T, cfg Config, h http.HandlerFunc) http.Handler {
	t.Helper()
	mw, err := New(cfg)
	require.NoError(t, err)
	return mw(h)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"headlines":["btc up"]}`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	good := testConfig(&stubFacilitator{})

	cases := map[string]func(*Config){
		"no facilitator": func(c *Config) { c.Facilitator = nil },
		"bad payTo":      func(c *Config) { c.PayTo = "nope" },
		"bad network":    func(c *Config) { c.Network = "solana" },
		"no price":       func(c *Config) { c.Price = nil },
		"no asset":       func(c *Config) { c.Network = types.NetworkAnvil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := good
			mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestMissingHeaderReturns402(t *testing.T) {
	h := protected(t, testConfig(&stubFacilitator{}), okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/news", nil))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.X402Version)
	assert.Equal(t, "X-PAYMENT header is required", body.Error)
	require.Len(t, body.Accepts, 1)

	accept := body.Accepts[0]
	assert.Equal(t, "exact", accept.Scheme)
	assert.Equal(t, "base-sepolia", accept.Network)
	assert.Equal(t, "10000", accept.MaxAmountRequired)
	assert.Equal(t, "http://localhost:5404/news", accept.Resource)
	assert.Equal(t, x402test.Asset, accept.Asset)
	assert.Equal(t, 60, accept.MaxTimeoutSeconds)
	assert.Equal(t, "USDC", accept.Extra["name"])
}

func TestGarbageHeaderReturns402(t *testing.T) {
	h := protected(t, testConfig(&stubFacilitator{}), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, "%%%")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid X-PAYMENT header")
}

func TestBrowserGetsPaywall(t *testing.T) {
	h := protected(t, testConfig(&stubFacilitator{}), okHandler)

	req := httptest.NewRequest(http.MethodGet, "/news", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Payment Required")
	assert.Contains(t, rec.Body.String(), "news feed")
}

func TestPaidRequestSettles(t *testing.T) {
	var seen *Payment
	h := protected(t, testConfig(localFacilitator(t)), func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PaymentFromContext(r.Context())
		okHandler(w, r)
	})

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	reqs := x402test.Requirements()
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, reqs))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"headlines":["btc up"]}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, types.HeaderPaymentResponse, rec.Header().Get("Access-Control-Expose-Headers"))

	receipt, err := types.DecodeSettleResponse(rec.Header().Get(types.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, x402test.Payer().Hex(), receipt.Payer)
	assert.NotEmpty(t, receipt.Transaction)

	require.NotNil(t, seen)
	assert.True(t, seen.Verified.IsValid)
	assert.Equal(t, "10000", seen.Request.PaymentRequirements.MaxAmountRequired)
}

func TestUnderpaymentRejected(t *testing.T) {
	called := false
	h := protected(t, testConfig(localFacilitator(t)), func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, x402test.Requirements(), x402test.WithValue("9999")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ReasonAuthorizationValue)
	assert.False(t, called)
}

func TestHandlerErrorSkipsSettlement(t *testing.T) {
	f := &stubFacilitator{verify: &types.VerifyResponse{IsValid: true}}
	h := protected(t, testConfig(f), func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, x402test.Requirements()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
	assert.Zero(t, f.settled)
	assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
}

func TestFacilitatorErrorReturns502(t *testing.T) {
	f := &stubFacilitator{verifyErr: errors.New("connection refused")}
	h := protected(t, testConfig(f), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, x402test.Requirements()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSettlementFailureWithholdsResponse(t *testing.T) {
	f := &stubFacilitator{
		verify: &types.VerifyResponse{IsValid: true},
		settle: &types.SettleResponse{Success: false, ErrorReason: types.ReasonSettlementFailed},
	}
	h := protected(t, testConfig(f), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, x402test.Requirements()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ReasonSettlementFailed)
	assert.NotContains(t, rec.Body.String(), "headlines")
	assert.Equal(t, 1, f.settled)
}

func TestPriceFunc(t *testing.T) {
	cfg := testConfig(&stubFacilitator{})
	cfg.Price = nil
	cfg.PriceFunc = func(r *http.Request) (*big.Int, error) {
		if r.URL.Query().Get("tier") == "" {
			return nil, errors.New("tier is required")
		}
		return big.NewInt(2500), nil
	}
	h := protected(t, cfg, okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/news?tier=pro", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"maxAmountRequired":"2500"`))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/news", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverlappingRequestsShareOnePayment(t *testing.T) {
	x := localFacilitator(t)
	header := x402test.Header(t, testNow, x402test.Requirements())

	var (
		h      http.Handler
		served int
		inner  *httptest.ResponseRecorder
	)
	h = protected(t, testConfig(x), func(w http.ResponseWriter, r *http.Request) {
		served++
		if inner == nil {
			req := httptest.NewRequest(http.MethodPost, "/news", nil)
			req.Header.Set(types.HeaderPayment, header)
			inner = httptest.NewRecorder()
			h.ServeHTTP(inner, req)
		}
		okHandler(w, r)
	})

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, header)
	outer := httptest.NewRecorder()
	h.ServeHTTP(outer, req)

	require.Equal(t, http.StatusOK, outer.Code, outer.Body.String())
	assert.NotEmpty(t, outer.Header().Get(types.HeaderPaymentResponse))

	require.NotNil(t, inner)
	assert.Equal(t, http.StatusPaymentRequired, inner.Code)
	assert.Contains(t, inner.Body.String(), types.ReasonSettlementInProgress)
	assert.Empty(t, inner.Header().Get(types.HeaderPaymentResponse))
	assert.Equal(t, 1, served)

	payments, err := x.Payments(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSharedFacilitatorDeliversOnce(t *testing.T) {
	x := localFacilitator(t)
	header := x402test.Header(t, testNow, x402test.Requirements())

	second := protected(t, testConfig(x), okHandler)
	var inner *httptest.ResponseRecorder
	first := protected(t, testConfig(x), func(w http.ResponseWriter, r *http.Request) {
		req := httptest.NewRequest(http.MethodPost, "/news", nil)
		req.Header.Set(types.HeaderPayment, header)
		inner = httptest.NewRecorder()
		second.ServeHTTP(inner, req)
		okHandler(w, r)
	})

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, header)
	outer := httptest.NewRecorder()
	first.ServeHTTP(outer, req)

	require.NotNil(t, inner)
	require.Equal(t, http.StatusOK, inner.Code, inner.Body.String())
	assert.NotEmpty(t, inner.Header().Get(types.HeaderPaymentResponse))

	assert.Equal(t, http.StatusPaymentRequired, outer.Code)
	assert.Contains(t, outer.Body.String(), types.ReasonNonceAlreadyUsed)
	assert.NotContains(t, outer.Body.String(), "headlines")
	assert.Empty(t, outer.Header().Get(types.HeaderPaymentResponse))
}

func TestReplayedReceiptIsRejected(t *testing.T) {
	f := &stubFacilitator{
		verify: &types.VerifyResponse{IsValid: true},
		settle: &types.SettleResponse{Success: true, Transaction: "0xabc", Network: "base-sepolia", Replayed: true},
	}
	h := protected(t, testConfig(f), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/news", nil)
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, x402test.Requirements()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ReasonNonceAlreadyUsed)
	assert.NotContains(t, rec.Body.String(), "headlines")
	assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
}

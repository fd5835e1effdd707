package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-a2a"
	"github.com/vitwit/x402-a2a/internal/x402test"
	"github.com/vitwit/x402-a2a/types"
)

var testNow = time.Unix(1_760_000_000, 0)

func TestResultIsDeterministic(t *testing.T) {
	for _, name := range Names {
		a, err := Result(name, "btc", testNow)
		require.NoError(t, err)
		b, err := Result(name, "btc", testNow)
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
		assert.Equal(t, name, a["service"])
		assert.Equal(t, "2025-10-09T08:53:20Z", a["timestamp"])
	}

	_, err := Result("sentiment", "", testNow)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestWeatherCityDetection(t *testing.T) {
	cases := map[string]string{
		"weather in Tokyo tomorrow": "Tokyo",
		"NEW YORK forecast":         "New York",
		"sydney or paris":           "Paris",
		"berlin":                    "Berlin",
		"somewhere warm":            "London",
		"":                          "London",
	}
	for text, city := range cases {
		out, err := Result(Weather, text, testNow)
		require.NoError(t, err)
		assert.Equal(t, city, out["city"], text)
		assert.NotEmpty(t, out["forecast"])
	}
}

func TestNewsSymbols(t *testing.T) {
	out, err := Result(News, "doge and eth news", testNow)
	require.NoError(t, err)
	results := out["results"].([]SymbolNews)
	require.Len(t, results, 2)
	assert.Equal(t, "ETH", results[0].Symbol)
	assert.Equal(t, "DOGE", results[1].Symbol)

	out, err = Result(News, "market news", testNow)
	require.NoError(t, err)
	results = out["results"].([]SymbolNews)
	require.Len(t, results, 2)
	assert.Equal(t, "BTC", results[0].Symbol)
}

func TestNewHandlerRejectsUnknownService(t *testing.T) {
	_, err := NewHandler(Config{Name: "sentiment"})
	assert.Error(t, err)
}

func TestPaidServiceCall(t *testing.T) {
	x, err := x402.New(x402.DefaultConfig(), x402.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	defer x.Close()
	require.NoError(t, x.AddNetwork(context.Background(), types.NetworkBaseSepolia, types.ClientConfig{}))

	h, err := NewHandler(Config{
		Name:            Weather,
		Facilitator:     x,
		PayTo:           x402test.PayTo,
		Network:         types.NetworkBaseSepolia,
		ResourceRootURL: "http://localhost:5405",
		Now:             func() time.Time { return testNow },
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(Request{Service: Weather, Description: "weather in Tokyo"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/weather", bytes.NewReader(body)))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	require.Len(t, challenge.Accepts, 1)
	reqs := challenge.Accepts[0]
	assert.Equal(t, "1000", reqs.MaxAmountRequired)
	assert.Equal(t, "http://localhost:5405/weather", reqs.Resource)

	req := httptest.NewRequest(http.MethodPost, "/weather", bytes.NewReader(body))
	req.Header.Set(types.HeaderPayment, x402test.Header(t, testNow, reqs))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(types.HeaderPaymentResponse))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Tokyo", out["city"])
}

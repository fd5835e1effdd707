// Package orchestrator turns free text into a plan of paid service calls,
// prices the bundle and executes it once the payment is verified.
package orchestrator

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-a2a/services"
)

// BasePrice of a single service call in atomic units (0.001 USDC).
const BasePrice = 1000

// Step is one service call in a plan.
type Step struct {
	Service     string `json:"service"`
	Description string `json:"description"`
}

type Plan struct {
	Services []Step `json:"services"`
}

type rule struct {
	service     string
	description string
	keywords    []string
}

var rules = []rule{
	{services.News, "Get cryptocurrency news", []string{"news", "btc", "eth", "doge", "crypto"}},
	{services.Weather, "Get weather information", []string{"weather", "london", "new york", "tokyo"}},
	{services.OHLCV, "Get price data", []string{"price", "ohlcv", "chart"}},
	{services.NFT, "Get NFT information", []string{"nft", "rarity"}},
	{services.Backtest, "Run trading backtest", []string{"backtest", "trading", "strategy"}},
}

// GeneratePlan matches keywords in text. Each service appears at most once
// and always in the same order.
func GeneratePlan(text string) Plan {
	text = strings.ToLower(text)
	plan := Plan{Services: []Step{}}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				plan.Services = append(plan.Services, Step{Service: r.service, Description: r.description})
				break
			}
		}
	}
	return plan
}

var (
	twoServices   = decimal.RequireFromString("1.8")
	threeServices = decimal.RequireFromString("2.5")
	bulkDiscount  = decimal.RequireFromString("0.9")
)

// CalculatePrice prices n bundled service calls.
func CalculatePrice(n int) *big.Int {
	base := decimal.NewFromInt(BasePrice)
	var price decimal.Decimal
	switch {
	case n <= 0:
		return big.NewInt(0)
	case n == 1:
		price = base
	case n == 2:
		price = base.Mul(twoServices)
	case n == 3:
		price = base.Mul(threeServices)
	default:
		price = base.Mul(decimal.NewFromInt(int64(n))).Mul(bulkDiscount)
	}
	return price.Floor().BigInt()
}

// Price of the plan.
func (p Plan) Price() *big.Int {
	return CalculatePrice(len(p.Services))
}

// Package services implements the paid microservices composed by the
// orchestrator: news, weather, ohlcv, nft and backtest.
package services

import (
	"errors"
	"strings"
	"time"
)

const (
	News     = "news"
	Weather  = "weather"
	OHLCV    = "ohlcv"
	NFT      = "nft"
	Backtest = "backtest"
)

// Names lists every service in plan order.
var Names = []string{News, Weather, OHLCV, NFT, Backtest}

// DefaultPorts are the local ports each service listens on.
var DefaultPorts = map[string]int{
	News:     5404,
	Weather:  5405,
	OHLCV:    5406,
	NFT:      5407,
	Backtest: 5408,
}

var ErrUnknownService = errors.New("unknown service")

// Request is the body every service accepts.
type Request struct {
	Service     string `json:"service"`
	Description string `json:"description"`
}

type Headline struct {
	Title     string `json:"title"`
	Source    string `json:"source"`
	Time      string `json:"time"`
	Sentiment string `json:"sentiment"`
}

type SymbolNews struct {
	Symbol string     `json:"symbol"`
	News   []Headline `json:"news"`
}

var newsBySymbol = map[string][]Headline{
	"BTC": {
		{Title: "Bitcoin reaches new all-time high", Source: "CoinDesk", Time: "2 hours ago", Sentiment: "positive"},
		{Title: "Major institution adopts Bitcoin", Source: "Reuters", Time: "4 hours ago", Sentiment: "positive"},
	},
	"ETH": {
		{Title: "Ethereum network upgrade successful", Source: "Ethereum Foundation", Time: "1 hour ago", Sentiment: "positive"},
		{Title: "Gas fees drop significantly", Source: "DeFi Pulse", Time: "3 hours ago", Sentiment: "positive"},
	},
	"DOGE": {
		{Title: "Dogecoin community celebrates milestone", Source: "Reddit", Time: "30 minutes ago", Sentiment: "positive"},
		{Title: "Elon Musk mentions DOGE again", Source: "Twitter", Time: "1 hour ago", Sentiment: "neutral"},
	},
}

var newsSymbols = []string{"BTC", "ETH", "DOGE"}

type Forecast struct {
	Day       string `json:"day"`
	High      int    `json:"high"`
	Low       int    `json:"low"`
	Condition string `json:"condition"`
}

type Conditions struct {
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"windSpeed"`
}

type cityWeather struct {
	current  Conditions
	forecast []Forecast
}

// weatherCities is ordered; the first city named in a description wins.
var weatherCities = []string{"London", "New York", "Tokyo", "Paris", "Berlin", "Sydney"}

const defaultCity = "London"

var weatherByCity = map[string]cityWeather{
	"London": {
		current: Conditions{Temperature: 15, Condition: "Partly Cloudy", Humidity: 65, WindSpeed: 12},
		forecast: []Forecast{
			{Day: "Today", High: 18, Low: 12, Condition: "Partly Cloudy"},
			{Day: "Tomorrow", High: 20, Low: 14, Condition: "Sunny"},
			{Day: "Day After", High: 17, Low: 11, Condition: "Rainy"},
		},
	},
	"New York": {
		current: Conditions{Temperature: 22, Condition: "Sunny", Humidity: 45, WindSpeed: 8},
		forecast: []Forecast{
			{Day: "Today", High: 25, Low: 18, Condition: "Sunny"},
			{Day: "Tomorrow", High: 23, Low: 16, Condition: "Cloudy"},
			{Day: "Day After", High: 20, Low: 14, Condition: "Rainy"},
		},
	},
	"Tokyo": {
		current: Conditions{Temperature: 28, Condition: "Hot and Humid", Humidity: 80, WindSpeed: 5},
		forecast: []Forecast{
			{Day: "Today", High: 30, Low: 25, Condition: "Hot and Humid"},
			{Day: "Tomorrow", High: 32, Low: 26, Condition: "Very Hot"},
			{Day: "Day After", High: 29, Low: 24, Condition: "Thunderstorms"},
		},
	},
	"Paris": {
		current: Conditions{Temperature: 17, Condition: "Overcast", Humidity: 70, WindSpeed: 10},
		forecast: []Forecast{
			{Day: "Today", High: 19, Low: 13, Condition: "Overcast"},
			{Day: "Tomorrow", High: 21, Low: 14, Condition: "Sunny"},
			{Day: "Day After", High: 18, Low: 12, Condition: "Showers"},
		},
	},
	"Berlin": {
		current: Conditions{Temperature: 13, Condition: "Windy", Humidity: 60, WindSpeed: 20},
		forecast: []Forecast{
			{Day: "Today", High: 15, Low: 9, Condition: "Windy"},
			{Day: "Tomorrow", High: 16, Low: 10, Condition: "Cloudy"},
			{Day: "Day After", High: 14, Low: 8, Condition: "Rainy"},
		},
	},
	"Sydney": {
		current: Conditions{Temperature: 24, Condition: "Clear", Humidity: 55, WindSpeed: 14},
		forecast: []Forecast{
			{Day: "Today", High: 26, Low: 18, Condition: "Clear"},
			{Day: "Tomorrow", High: 27, Low: 19, Condition: "Sunny"},
			{Day: "Day After", High: 23, Low: 17, Condition: "Breezy"},
		},
	},
}

type Candle struct {
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

var candles = []Candle{
	{Symbol: "BTC", Open: 45000, High: 46000, Low: 44000, Close: 45500, Volume: 1000000},
	{Symbol: "ETH", Open: 3000, High: 3100, Low: 2950, Close: 3050, Volume: 500000},
}

type Trait struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Rarity int    `json:"rarity"`
}

type BacktestStats struct {
	TotalReturn float64 `json:"totalReturn"`
	SharpeRatio float64 `json:"sharpeRatio"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	WinRate     float64 `json:"winRate"`
	Trades      int     `json:"trades"`
}

// Result computes the deterministic payload of service name for description.
func Result(name, description string, now time.Time) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"service":     name,
		"description": description,
		"timestamp":   now.UTC().Format(time.RFC3339),
	}
	text := strings.ToLower(description)

	switch name {
	case News:
		out["results"] = newsFor(text)
	case Weather:
		city := cityFor(text)
		w := weatherByCity[city]
		out["city"] = city
		out["current"] = w.current
		out["forecast"] = w.forecast
	case OHLCV:
		out["data"] = candles
	case NFT:
		out["rarity"] = 85
		out["traits"] = []Trait{
			{Name: "Background", Value: "Rare", Rarity: 15},
			{Name: "Eyes", Value: "Laser", Rarity: 5},
			{Name: "Hat", Value: "Crown", Rarity: 2},
		}
	case Backtest:
		out["results"] = BacktestStats{TotalReturn: 15.5, SharpeRatio: 1.8, MaxDrawdown: -5.2, WinRate: 65.5, Trades: 120}
	default:
		return nil, ErrUnknownService
	}
	return out, nil
}

// newsFor returns news for the symbols named in text, BTC and ETH otherwise.
func newsFor(text string) []SymbolNews {
	var symbols []string
	for _, s := range newsSymbols {
		if strings.Contains(text, strings.ToLower(s)) {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC", "ETH"}
	}

	out := make([]SymbolNews, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, SymbolNews{Symbol: s, News: newsBySymbol[s]})
	}
	return out
}

func cityFor(text string) string {
	for _, c := range weatherCities {
		if strings.Contains(text, strings.ToLower(c)) {
			return c
		}
	}
	return defaultCity
}

package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCoinGeckoPrices(t *testing.T) {
	var gotKey, gotIDs, gotVs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-demo-api-key")
		gotIDs = r.URL.Query().Get("ids")
		gotVs = r.URL.Query().Get("vs_currencies")
		_, _ = w.Write([]byte(`{"solana":{"usd":142.5},"bonk":{"usd":0.00002134}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko("demo-key", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(0))
	prices, err := cg.Prices(context.Background(), []string{"Solana", "bonk"}, "USD")
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if prices[0] != 142.5 || prices[1] != 0.00002134 {
		t.Fatalf("unexpected prices %v", prices)
	}
	if gotKey != "demo-key" || gotIDs != "solana,bonk" || gotVs != "usd" {
		t.Fatalf("unexpected request key=%q ids=%q vs=%q", gotKey, gotIDs, gotVs)
	}
}

func TestCoinGeckoMissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"solana":{"usd":142.5}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko("", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(0))
	if _, err := cg.Price(context.Background(), "bonk", "usd"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestCoinGeckoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGecko("", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(0))
	if _, err := cg.Price(context.Background(), "solana", "usd"); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestCoinGeckoRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"solana":{"usd":1}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko("", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(1))
	if _, err := cg.Price(context.Background(), "solana", "usd"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cg.Price(ctx, "solana", "usd"); err == nil {
		t.Fatalf("expected limiter wait to fail on cancelled context")
	}
}

func TestStaticOracle(t *testing.T) {
	s := Static{"solana": {"usd": 150}}
	price, err := s.Price(context.Background(), "SOLANA", "USD")
	if err != nil || price != 150 {
		t.Fatalf("unexpected static price %v err %v", price, err)
	}
	if _, err := s.Prices(context.Background(), []string{"solana", "wif"}, "usd"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected missing quote, got %v", err)
	}
}

func TestCoinGeckoHistory(t *testing.T) {
	var gotPath, gotVs, gotDays string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVs = r.URL.Query().Get("vs_currency")
		gotDays = r.URL.Query().Get("days")
		_, _ = w.Write([]byte(`{"prices":[[1700000000000,1.5],[1700003600000,1.8],[1700007200000,1.65]],"market_caps":[]}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko("", WithCoinsEndpoint(srv.URL+"/coins/"), WithHTTPClient(srv.Client()), WithRateLimit(0))
	series, err := cg.History(context.Background(), "DogWifCoin", "USD", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(series) != 3 || series[0] != 1.5 || series[2] != 1.65 {
		t.Fatalf("unexpected series %v", series)
	}
	if gotPath != "/coins/dogwifcoin/market_chart" || gotVs != "usd" || gotDays != "3" {
		t.Fatalf("unexpected request path=%q vs=%q days=%q", gotPath, gotVs, gotDays)
	}
}

func TestCoinGeckoHistoryRejectsMalformedPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices":[[1700000000000]]}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko("", WithCoinsEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(0))
	if _, err := cg.History(context.Background(), "bonk", "usd", 1); err == nil {
		t.Fatalf("expected malformed point error")
	}
	if _, err := cg.History(context.Background(), "bonk", "usd", 0); err == nil {
		t.Fatalf("expected days validation error")
	}
}

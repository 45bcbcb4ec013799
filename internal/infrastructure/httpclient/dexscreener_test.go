package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestDEXScreenerSource_FetchPrices(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/tokens/v1/ethereum/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[
			{"pairAddress":"p1","baseToken":{"address":"0xAAA","symbol":"PEPE"},"quoteToken":{"symbol":"WETH"},"priceUsd":"0.0000101","liquidity":{"usd":9000000}},
			{"pairAddress":"p2","baseToken":{"address":"0xaaa","symbol":"PEPE"},"quoteToken":{"symbol":"USDC"},"priceUsd":"0.0000100","liquidity":{"usd":50000}},
			{"pairAddress":"p3","baseToken":{"address":"0xbbb","symbol":"LINK"},"quoteToken":{"symbol":"WETH"},"priceUsd":"14.9","liquidity":{"usd":100}},
			{"pairAddress":"p4","baseToken":{"address":"0xbbb","symbol":"LINK"},"quoteToken":{"symbol":"WETH"},"priceUsd":"15.1","liquidity":null},
			{"pairAddress":"p5","baseToken":{"address":"0xbbb","symbol":"LINK"},"quoteToken":{"symbol":"WETH"},"priceUsd":"15.0","liquidity":{"usd":2000}}
		]`))
	}))
	defer srv.Close()

	src := NewDEXScreenerSource(DEXScreenerConfig{
		BaseURL: srv.URL,
		Tokens: map[string]DEXTokenRef{
			"PEPE": {ChainID: "ethereum", Address: "0xAAA"},
			"LINK": {ChainID: "ethereum", Address: "0xBBB"},
			"UNI":  {ChainID: "ethereum", Address: "0xCCC"},
		},
	}, "USDT", zap.NewNop())

	prices, err := src.FetchPrices(context.Background(), []string{"PEPE", "LINK", "UNI", "BTC"})
	if err != nil {
		t.Fatalf("FetchPrices() unexpected error = %v", err)
	}
	if prices["PEPE"] != 0.00001 {
		t.Errorf("PEPE = %v, want stablecoin pair price 0.00001", prices["PEPE"])
	}
	if prices["LINK"] != 15.0 {
		t.Errorf("LINK = %v, want most liquid pair price 15", prices["LINK"])
	}
	if _, ok := prices["UNI"]; ok {
		t.Error("token without pairs should be absent")
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestDEXScreenerSource_Batches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"schemaVersion":"1.0.0","pairs":[]}`))
	}))
	defer srv.Close()

	tokens := make(map[string]DEXTokenRef)
	var symbols []string
	for i := 0; i < 65; i++ {
		symbol := "T" + strings.Repeat("X", i+1)
		tokens[symbol] = DEXTokenRef{ChainID: "bsc", Address: "0x" + symbol}
		symbols = append(symbols, symbol)
	}
	src := NewDEXScreenerSource(DEXScreenerConfig{BaseURL: srv.URL, Tokens: tokens}, "USDT", zap.NewNop())

	if _, err := src.FetchPrices(context.Background(), symbols); err != nil {
		t.Fatalf("FetchPrices() unexpected error = %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("requests = %d, want 3 batches of at most %d", requests.Load(), DEXScreenerMaxTokensPerRequest)
	}
}

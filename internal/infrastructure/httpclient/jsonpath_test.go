package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"market_preloader/internal/domain/entity"

	"go.uber.org/zap"
)

func TestJSONPathSource_AlphaVantageShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "demo" {
			t.Errorf("apikey = %q", r.URL.Query().Get("apikey"))
		}
		switch r.URL.Query().Get("symbol") {
		case "IBM":
			w.Write([]byte(`{"Global Quote":{"01. symbol":"IBM","05. price":"187.4300"}}`))
		default:
			w.Write([]byte(`{"Global Quote":{}}`))
		}
	}))
	defer srv.Close()

	src := NewJSONPathSource(JSONPathConfig{
		Name:        "alphavantage",
		URLTemplate: srv.URL + "/query?function=GLOBAL_QUOTE&symbol={symbol}&apikey={apiKey}",
		PricePath:   `$["Global Quote"]["05. price"]`,
		APIKey:      "demo",
	}, "USDT", zap.NewNop())

	prices, err := src.FetchPrices(context.Background(), []string{"IBM", "NOPE"})
	if err != nil {
		t.Fatalf("FetchPrices() unexpected error = %v", err)
	}
	if prices["IBM"] != 187.43 {
		t.Errorf("IBM = %v, want 187.43", prices["IBM"])
	}
	if _, ok := prices["NOPE"]; ok {
		t.Error("unknown symbol should be absent")
	}
}

func TestJSONPathSource_SymbolMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTC/USD" {
			t.Errorf("symbol = %q, want BTC/USD", got)
		}
		w.Write([]byte(`{"price":"65000.00"}`))
	}))
	defer srv.Close()

	src := NewJSONPathSource(JSONPathConfig{
		Name:        "twelvedata",
		URLTemplate: srv.URL + "/price?symbol={symbol}",
		PricePath:   "$.price",
		Symbols:     map[string]string{"BTC": "BTC/USD"},
	}, "USDT", zap.NewNop())

	prices, err := src.FetchPrices(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("FetchPrices() unexpected error = %v", err)
	}
	if prices["BTC"] != 65000 {
		t.Errorf("BTC = %v", prices["BTC"])
	}
	if _, ok := prices["ETH"]; ok {
		t.Error("unmapped symbol should not be requested")
	}
}

func TestJSONPathSource_Errors(t *testing.T) {
	t.Run("all requests fail", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		src := NewJSONPathSource(JSONPathConfig{Name: "q", URLTemplate: srv.URL + "/?s={symbol}", PricePath: "$.price"}, "USDT", zap.NewNop())

		if _, err := src.FetchPrices(context.Background(), []string{"A", "B"}); !errors.Is(err, entity.ErrSourceUnavailable) {
			t.Errorf("FetchPrices() error = %v, want ErrSourceUnavailable", err)
		}
	})

	t.Run("non numeric price", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"price":"n/a"}`))
		}))
		defer srv.Close()
		src := NewJSONPathSource(JSONPathConfig{Name: "q", URLTemplate: srv.URL + "/?s={symbol}", PricePath: "$.price"}, "USDT", zap.NewNop())

		if _, err := src.FetchPrices(context.Background(), []string{"A"}); !errors.Is(err, entity.ErrMalformedResponse) {
			t.Errorf("FetchPrices() error = %v, want ErrMalformedResponse", err)
		}
	})
}

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"market_preloader/internal/domain/entity"

	"github.com/PaesslerAG/jsonpath"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// JSONPathConfig describes a single-quote REST API such as Alpha Vantage or TwelveData.
type JSONPathConfig struct {
	Name string
	// URLTemplate may contain {symbol} and {apiKey}, e.g.
	// https://www.alphavantage.co/query?function=GLOBAL_QUOTE&symbol={symbol}&apikey={apiKey}
	URLTemplate string
	// PricePath locates the price in the response, e.g. $["Global Quote"]["05. price"].
	PricePath string
	APIKey    string
	// Symbols maps a symbol to the upstream ticker ("BTC" -> "BTC/USD"). When empty,
	// every requested symbol is sent as is.
	Symbols map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// JSONPathSource fetches one quote per symbol and extracts the price with a JSONPath expression.
type JSONPathSource struct {
	client          *fasthttp.Client
	cfg             JSONPathConfig
	referenceSymbol string
	logger          *zap.Logger
}

// NewJSONPathSource creates a quote adapter.
func NewJSONPathSource(cfg JSONPathConfig, referenceSymbol string, logger *zap.Logger) *JSONPathSource {
	symbols := make(map[string]string, len(cfg.Symbols))
	for symbol, ticker := range cfg.Symbols {
		symbols[entity.NormalizeSymbol(symbol)] = ticker
	}
	cfg.Symbols = symbols
	return &JSONPathSource{
		client:          &fasthttp.Client{},
		cfg:             cfg,
		referenceSymbol: entity.NormalizeSymbol(referenceSymbol),
		logger:          logger.Named("JSONPathSource").With(zap.String("source", cfg.Name)),
	}
}

func (s *JSONPathSource) Name() string { return s.cfg.Name }

// FetchPrices requests each symbol in turn. A response without a value at the
// price path means the upstream does not know the symbol. The call fails only
// when every request failed.
func (s *JSONPathSource) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	result := entity.NewPriceMap(s.referenceSymbol)

	var (
		attempted int
		failures  []error
	)
	for _, symbol := range entity.NormalizeSymbols(symbols) {
		if symbol == s.referenceSymbol {
			continue
		}
		ticker := symbol
		if len(s.cfg.Symbols) > 0 {
			mapped, ok := s.cfg.Symbols[symbol]
			if !ok {
				continue
			}
			ticker = mapped
		}
		attempted++

		price, found, err := s.fetchQuote(ctx, ticker)
		if err != nil {
			if errors.Is(err, entity.ErrMalformedResponse) {
				return nil, err
			}
			s.logger.Debug("Quote request failed", zap.String("symbol", symbol), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		if found {
			result[symbol] = price
		}
	}

	if attempted > 0 && len(failures) == attempted {
		return nil, failures[0]
	}
	return result, nil
}

func (s *JSONPathSource) fetchQuote(ctx context.Context, ticker string) (float64, bool, error) {
	requestURL := strings.NewReplacer(
		"{symbol}", url.QueryEscape(ticker),
		"{apiKey}", url.QueryEscape(s.cfg.APIKey),
	).Replace(s.cfg.URLTemplate)

	body, err := getJSON(ctx, s.client, s.cfg.Name, requestURL, s.cfg.Headers, s.cfg.Timeout)
	if err != nil {
		return 0, false, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, false, entity.NewSourceError(s.cfg.Name, entity.ErrMalformedResponse, fmt.Errorf("decode quote for %s: %w", ticker, err))
	}

	value, err := jsonpath.Get(s.cfg.PricePath, doc)
	if err != nil {
		// unknown ticker or throttling notice in place of the quote
		return 0, false, nil
	}
	// jsonpath returns a list for wildcard and slice expressions; keep the first match.
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return 0, false, nil
		}
		value = list[0]
	}

	price, err := parsePrice(value)
	if err != nil {
		return 0, false, entity.NewSourceError(s.cfg.Name, entity.ErrMalformedResponse, fmt.Errorf("quote for %s: %w", ticker, err))
	}
	return price, true, nil
}

package httpclient

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"market_preloader/internal/domain/entity"
	"market_preloader/internal/pkg/utils"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// CoinGeckoSourceName identifies the CoinGecko adapter in logs and metrics.
const CoinGeckoSourceName = "coingecko"

const (
	defaultCoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	coinGeckoMaxIDs         = 250
)

// CoinGeckoConfig configures a CoinGeckoSource.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	// VsCurrency is the CoinGecko currency the reference symbol tracks, e.g. "usd".
	VsCurrency string
	// CoinIDs maps a symbol to its CoinGecko coin id ("BTC" -> "bitcoin").
	CoinIDs map[string]string
	Timeout time.Duration
}

// CoinGeckoSource reads prices from the CoinGecko /simple/price endpoint.
type CoinGeckoSource struct {
	client          *fasthttp.Client
	cfg             CoinGeckoConfig
	referenceSymbol string
	logger          *zap.Logger
}

// NewCoinGeckoSource creates a CoinGecko adapter. Symbols without a coin id are never requested.
func NewCoinGeckoSource(cfg CoinGeckoConfig, referenceSymbol string, logger *zap.Logger) *CoinGeckoSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCoinGeckoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}
	ids := make(map[string]string, len(cfg.CoinIDs))
	for symbol, id := range cfg.CoinIDs {
		ids[entity.NormalizeSymbol(symbol)] = strings.ToLower(strings.TrimSpace(id))
	}
	cfg.CoinIDs = ids
	return &CoinGeckoSource{
		client:          &fasthttp.Client{},
		cfg:             cfg,
		referenceSymbol: entity.NormalizeSymbol(referenceSymbol),
		logger:          logger.Named("CoinGeckoSource"),
	}
}

func (s *CoinGeckoSource) Name() string { return CoinGeckoSourceName }

// FetchPrices requests every known coin id in batches and maps the ids back to symbols.
func (s *CoinGeckoSource) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	result := entity.NewPriceMap(s.referenceSymbol)

	symbolsByID := make(map[string][]string)
	for _, symbol := range entity.NormalizeSymbols(symbols) {
		if symbol == s.referenceSymbol {
			continue
		}
		id, ok := s.cfg.CoinIDs[symbol]
		if !ok {
			s.logger.Debug("No CoinGecko id configured for symbol", zap.String("symbol", symbol))
			continue
		}
		symbolsByID[id] = append(symbolsByID[id], symbol)
	}
	if len(symbolsByID) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(symbolsByID))
	for id := range symbolsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	headers := map[string]string{}
	if s.cfg.APIKey != "" {
		headers["x-cg-demo-api-key"] = s.cfg.APIKey
	}

	for _, batch := range utils.BatchStrings(ids, coinGeckoMaxIDs) {
		query := url.Values{}
		query.Set("ids", strings.Join(batch, ","))
		query.Set("vs_currencies", s.cfg.VsCurrency)
		requestURL := s.cfg.BaseURL + "/simple/price?" + query.Encode()

		s.logger.Debug("Requesting prices from CoinGecko", zap.Int("ids", len(batch)))
		body, err := getJSON(ctx, s.client, CoinGeckoSourceName, requestURL, headers, s.cfg.Timeout)
		if err != nil {
			return nil, err
		}

		var payload map[string]map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, entity.NewSourceError(CoinGeckoSourceName, entity.ErrMalformedResponse,
				fmt.Errorf("decode /simple/price: %w", err))
		}

		for id, quotes := range payload {
			raw, ok := quotes[s.cfg.VsCurrency]
			if !ok {
				continue
			}
			price, err := parsePrice(raw)
			if err != nil {
				return nil, entity.NewSourceError(CoinGeckoSourceName, entity.ErrMalformedResponse,
					fmt.Errorf("coin %s: %w", id, err))
			}
			for _, symbol := range symbolsByID[strings.ToLower(id)] {
				result[symbol] = price
			}
		}
	}
	return result, nil
}

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"market_preloader/internal/domain/entity"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
)

// BinanceSourceName identifies the Binance adapter in logs and metrics.
const BinanceSourceName = "binance"

// BinanceSource reads spot ticker prices from Binance. A symbol is priced through
// its <SYMBOL><quote> pair, e.g. BTC through BTCUSDT.
type BinanceSource struct {
	client          *binance.Client
	quote           string
	referenceSymbol string
	logger          *zap.Logger
}

// NewBinanceSource wraps a go-binance client. The quote asset defaults to the reference symbol.
func NewBinanceSource(client *binance.Client, quote, referenceSymbol string, logger *zap.Logger) *BinanceSource {
	ref := entity.NormalizeSymbol(referenceSymbol)
	if ref == "" {
		ref = entity.DefaultReferenceSymbol
	}
	q := entity.NormalizeSymbol(quote)
	if q == "" {
		q = ref
	}
	return &BinanceSource{
		client:          client,
		quote:           q,
		referenceSymbol: ref,
		logger:          logger.Named("BinanceSource"),
	}
}

func (s *BinanceSource) Name() string { return BinanceSourceName }

// FetchPrices lists all ticker prices in one request and keeps the requested pairs.
// Asking for an unknown pair by name fails the whole request upstream, so the
// full list is filtered locally instead.
func (s *BinanceSource) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	result := entity.NewPriceMap(s.referenceSymbol)

	wanted := make(map[string]string) // pair -> symbol
	for _, symbol := range entity.NormalizeSymbols(symbols) {
		if symbol == s.referenceSymbol {
			continue
		}
		wanted[symbol+s.quote] = symbol
	}
	if len(wanted) == 0 {
		return result, nil
	}

	tickers, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, entity.NewSourceError(BinanceSourceName, classifyBinanceError(err), err)
	}

	for _, ticker := range tickers {
		if ticker == nil {
			continue
		}
		symbol, ok := wanted[strings.ToUpper(ticker.Symbol)]
		if !ok {
			continue
		}
		price, err := parsePrice(ticker.Price)
		if err != nil {
			return nil, entity.NewSourceError(BinanceSourceName, entity.ErrMalformedResponse,
				fmt.Errorf("pair %s: %w", ticker.Symbol, err))
		}
		result[symbol] = price
	}

	s.logger.Debug("Fetched prices from Binance",
		zap.Int("requested", len(wanted)),
		zap.Int("found", len(result)-1),
		zap.Int("tickers", len(tickers)))
	return result, nil
}

// classifyBinanceError maps API and transport errors to unavailable; anything
// else the client returns comes from decoding the payload.
func classifyBinanceError(err error) error {
	var (
		apiErr *common.APIError
		urlErr *url.Error
		netErr net.Error
	)
	switch {
	case errors.As(err, &apiErr),
		errors.As(err, &urlErr),
		errors.As(err, &netErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return entity.ErrSourceUnavailable
	default:
		return entity.ErrMalformedResponse
	}
}

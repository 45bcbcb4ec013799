package httpclient

import (
	"context"
	"errors"
	"fmt"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"
	"market_preloader/internal/infrastructure/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RatedSource is a price source with the request rate it may be called at.
type RatedSource struct {
	Source port.PriceSource
	// Limiter may be nil for an unlimited source.
	Limiter *rate.Limiter
}

// FallbackSource asks each source in order for the symbols still missing.
type FallbackSource struct {
	sources         []RatedSource
	referenceSymbol string
	logger          *zap.Logger
}

var _ port.PriceSource = (*FallbackSource)(nil)

// NewFallbackSource chains sources in priority order.
func NewFallbackSource(referenceSymbol string, logger *zap.Logger, sources ...RatedSource) *FallbackSource {
	return &FallbackSource{
		sources:         sources,
		referenceSymbol: entity.NormalizeSymbol(referenceSymbol),
		logger:          logger.Named("FallbackSource"),
	}
}

func (f *FallbackSource) Name() string { return "fallback" }

// FetchPrices fails only when every source that was asked failed. Symbols no
// source recognises are simply absent from the result.
func (f *FallbackSource) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	result := entity.NewPriceMap(f.referenceSymbol)
	missing := result.Missing(symbols)

	var (
		asked     int
		succeeded int
		errs      []error
	)
	for _, rs := range f.sources {
		if len(missing) == 0 {
			break
		}
		name := rs.Source.Name()
		if rs.Limiter != nil {
			if err := rs.Limiter.Wait(ctx); err != nil {
				errs = append(errs, entity.NewSourceError(name, entity.ErrSourceUnavailable, fmt.Errorf("rate limiter: %w", err)))
				asked++
				break
			}
		}
		asked++

		prices, err := rs.Source.FetchPrices(ctx, missing)
		if err != nil {
			kind := entity.ErrorKind(err)
			metrics.PriceSourceErrors.WithLabelValues(name, kind).Inc()
			f.logger.Warn("Price source failed, trying next",
				zap.String("source", name),
				zap.String("kind", kind),
				zap.Strings("symbols", missing),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		succeeded++
		result.Merge(prices)
		missing = result.Missing(missing)
	}

	if asked > 0 && succeeded == 0 {
		return nil, errors.Join(errs...)
	}
	if len(missing) > 0 {
		f.logger.Debug("No source priced some symbols", zap.Strings("symbols", missing))
	}
	return result, nil
}

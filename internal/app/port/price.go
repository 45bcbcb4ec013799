package port

import (
	"context"

	"market_preloader/internal/domain/entity"
)

// PriceSource fetches current prices for a set of symbols from an external ticker API.
// Implementations are stateless: caching is the caller's responsibility.
type PriceSource interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// FetchPrices returns the subset of symbols the upstream recognises, plus the
	// reference symbol at price 1. Errors wrap entity.ErrSourceUnavailable or
	// entity.ErrMalformedResponse.
	FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error)
}

package port

import (
	"context"
	"time"

	"market_preloader/internal/domain/entity"
)

// Outcome reports what a preload or refresh did. It is a status, not an error.
type Outcome string

const (
	// OutcomeApplied means a fresh snapshot was stored and published.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed means a collaborator failed; the previous data is kept.
	OutcomeFailed Outcome = "failed"
	// OutcomeDiscarded means the result was superseded by a newer refresh or a clear.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeSkipped means there was no user to refresh for.
	OutcomeSkipped Outcome = "skipped"
)

// CacheView is one consistent read of the cache: every field comes from the
// same stored refresh.
type CacheView struct {
	Snapshot    entity.PortfolioSnapshot
	Populated   bool
	Profile     map[string]any
	Prices      entity.PriceMap
	LastUpdated time.Time
	Stale       bool
	LastError   error
}

// Preloader is the read/refresh surface of the preload cache used by the
// scheduler and the HTTP layer.
type Preloader interface {
	Preload(ctx context.Context, userID string) Outcome
	Refresh(ctx context.Context) Outcome
	Clear()

	Snapshot() (entity.PortfolioSnapshot, bool)
	View(now time.Time) CacheView
	CachedPrice(symbol string) (float64, bool)
	Prices() entity.PriceMap
	Profile() (map[string]any, bool)

	UserID() string
	LastUpdated() time.Time
	IsStale(now time.Time) bool
	LastError() error

	OnRefreshComplete(fn func(entity.PortfolioSnapshot)) (unsubscribe func())
}

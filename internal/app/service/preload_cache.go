package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"
	"market_preloader/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleAfter is the age after which cached data is considered unreliable for display.
	DefaultStaleAfter = 30 * time.Second
	// DefaultFetchTimeout bounds one fetch-and-store sequence.
	DefaultFetchTimeout = 30 * time.Second
)

// PreloadCacheConfig holds the tunables of a PreloadCache.
type PreloadCacheConfig struct {
	// Symbols is the fixed set of assets whose prices are fetched on every refresh.
	Symbols         []string
	ReferenceSymbol string
	StaleAfter      time.Duration
	// FetchTimeout bounds a fetch sequence. The sequence does not inherit the
	// caller's cancellation, since other callers may be waiting on it.
	FetchTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// cacheEntry is replaced wholesale on every applied refresh, never merged.
type cacheEntry struct {
	snapshot    *entity.PortfolioSnapshot
	profile     map[string]any
	prices      entity.PriceMap
	lastUpdated time.Time
}

type refreshObserver struct {
	id uint64
	fn func(entity.PortfolioSnapshot)
}

// PreloadCache holds the last known portfolio snapshot, user profile and price map
// for the bound user. It is the only writer of its entry; every accessor returns a copy.
//
// Each fetch sequence takes a token. A result is applied only if no newer token was
// applied meanwhile, the cache was not cleared since the fetch began, and the cache is
// still bound to the same user.
type PreloadCache struct {
	prices          port.PriceSource
	users           port.UserDataStore
	symbols         []string
	referenceSymbol string
	staleAfter      time.Duration
	fetchTimeout    time.Duration
	now             func() time.Time
	logger          *zap.Logger

	flights singleflight.Group

	mu             sync.RWMutex
	entry          cacheEntry
	userID         string
	issued         uint64
	applied        uint64
	epoch          uint64
	lastErr        error
	observers      []refreshObserver
	nextObserverID uint64
}

var _ port.Preloader = (*PreloadCache)(nil)

// NewPreloadCache creates an empty cache. Nothing is fetched until Preload is called.
func NewPreloadCache(prices port.PriceSource, users port.UserDataStore, cfg PreloadCacheConfig, logger *zap.Logger) *PreloadCache {
	if cfg.ReferenceSymbol == "" {
		cfg.ReferenceSymbol = entity.DefaultReferenceSymbol
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PreloadCache{
		prices:          prices,
		users:           users,
		symbols:         entity.NormalizeSymbols(cfg.Symbols),
		referenceSymbol: entity.NormalizeSymbol(cfg.ReferenceSymbol),
		staleAfter:      cfg.StaleAfter,
		fetchTimeout:    cfg.FetchTimeout,
		now:             cfg.Now,
		logger:          logger.Named("PreloadCache"),
	}
}

// Preload binds the cache to userID and runs a fetch-and-store sequence.
// It never returns an error: failures are logged, remembered in LastError and
// leave the previous data in place.
func (c *PreloadCache) Preload(ctx context.Context, userID string) port.Outcome {
	if userID == "" {
		c.logger.Debug("Preload skipped", zap.Error(entity.ErrNoActiveSession))
		return record(port.OutcomeSkipped)
	}

	c.mu.Lock()
	if c.userID != userID {
		// Another user's data must never be shown under this session.
		c.resetLocked()
		c.userID = userID
	}
	c.mu.Unlock()

	return c.run(ctx, userID)
}

// Refresh re-runs the fetch-and-store sequence for the bound user.
func (c *PreloadCache) Refresh(ctx context.Context) port.Outcome {
	userID := c.UserID()
	if userID == "" {
		c.logger.Debug("Refresh skipped", zap.Error(entity.ErrNoActiveSession))
		return record(port.OutcomeSkipped)
	}
	return c.run(ctx, userID)
}

// Clear wipes all stored state. It is a no-op on an empty cache.
func (c *PreloadCache) Clear() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	metrics.CacheLastUpdated.Set(0)
	c.logger.Debug("Cache cleared")
}

func (c *PreloadCache) resetLocked() {
	c.epoch++
	c.entry = cacheEntry{}
	c.userID = ""
	c.lastErr = nil
}

// run coalesces concurrent requests for the same user and epoch into one fetch.
// The fetch runs detached from ctx so one caller giving up does not fail the
// others; a caller whose ctx ends first gets OutcomeFailed while the fetch goes on
// and may still be applied.
func (c *PreloadCache) run(ctx context.Context, userID string) port.Outcome {
	c.mu.RLock()
	key := fmt.Sprintf("%s@%d", userID, c.epoch)
	c.mu.RUnlock()

	ch := c.flights.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetchAndStore(fetchCtx, userID), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Refresh request coalesced into in-flight refresh", zap.String("userID", userID))
		}
		return res.Val.(port.Outcome)
	case <-ctx.Done():
		c.logger.Debug("Caller stopped waiting for refresh", zap.String("userID", userID), zap.Error(ctx.Err()))
		return port.OutcomeFailed
	}
}

// fetchAndStore fetches the account and the prices concurrently, joins them and
// stores the recomputed snapshot unless the result was superseded.
func (c *PreloadCache) fetchAndStore(ctx context.Context, userID string) port.Outcome {
	start := time.Now()
	logger := c.logger.With(zap.String("runID", uuid.NewString()), zap.String("userID", userID))

	c.mu.Lock()
	c.issued++
	token := c.issued
	epoch := c.epoch
	c.mu.Unlock()

	var (
		account entity.UserAccount
		prices  entity.PriceMap
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return safeCall("user data store", func() error {
			a, err := c.users.GetAccount(gctx, userID)
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			account = a
			return nil
		})
	})
	g.Go(func() error {
		return safeCall("price source", func() error {
			p, err := c.prices.FetchPrices(gctx, c.symbols)
			if err != nil {
				return fmt.Errorf("failed to fetch prices: %w", err)
			}
			prices = p
			return nil
		})
	})
	err := g.Wait()
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.mu.Lock()
		if epoch == c.epoch {
			c.lastErr = err
		}
		c.mu.Unlock()
		logger.Warn("Refresh failed, keeping last known data",
			zap.String("kind", entity.ErrorKind(err)),
			zap.Error(err))
		return record(port.OutcomeFailed)
	}

	prices, dropped := usablePrices(prices)
	if len(dropped) > 0 {
		logger.Warn("Ignoring unusable prices", zap.Strings("symbols", dropped))
	}

	at := c.now()
	var snapshot entity.PortfolioSnapshot
	if err := safeCall("snapshot builder", func() error {
		snapshot = BuildSnapshot(userID, account, prices, c.referenceSymbol, at)
		return nil
	}); err != nil {
		c.mu.Lock()
		if epoch == c.epoch {
			c.lastErr = err
		}
		c.mu.Unlock()
		logger.Error("Failed to build snapshot, keeping last known data", zap.Error(err))
		return record(port.OutcomeFailed)
	}

	c.mu.Lock()
	var reason string
	switch {
	case epoch != c.epoch:
		reason = "cache cleared since refresh started"
	case userID != c.userID:
		reason = "cache bound to another user"
	case token < c.applied:
		reason = "newer refresh already applied"
	}
	if reason != "" {
		c.mu.Unlock()
		logger.Debug("Discarding refresh result", zap.Uint64("token", token), zap.String("reason", reason))
		return record(port.OutcomeDiscarded)
	}

	c.entry = cacheEntry{
		snapshot:    &snapshot,
		profile:     cloneProfile(account.Profile),
		prices:      prices.Clone(),
		lastUpdated: at,
	}
	c.applied = token
	c.lastErr = nil
	observers := make([]refreshObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	metrics.CacheLastUpdated.Set(float64(at.Unix()))
	logger.Info("Snapshot applied",
		zap.Uint64("token", token),
		zap.Int("holdings", len(snapshot.Holdings)),
		zap.Int("prices", len(prices)),
		zap.Float64("totalValue", snapshot.TotalValue),
		zap.Duration("elapsed", time.Since(start)))

	for _, o := range observers {
		c.notify(o, snapshot.Clone())
	}
	return record(port.OutcomeApplied)
}

func (c *PreloadCache) notify(o refreshObserver, snapshot entity.PortfolioSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Refresh observer panicked", zap.Uint64("observer", o.id), zap.Any("panic", r))
		}
	}()
	o.fn(snapshot)
}

// Snapshot returns the most recent snapshot, or false if the cache was never populated.
func (c *PreloadCache) Snapshot() (entity.PortfolioSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry.snapshot == nil {
		return entity.PortfolioSnapshot{}, false
	}
	return c.entry.snapshot.Clone(), true
}

// View returns the snapshot, profile and prices of one entry, read under a
// single lock so they always belong to the same refresh.
func (c *PreloadCache) View(now time.Time) port.CacheView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := port.CacheView{
		Prices:      c.entry.prices.Clone(),
		Profile:     cloneProfile(c.entry.profile),
		LastUpdated: c.entry.lastUpdated,
		Stale:       c.entry.lastUpdated.IsZero() || now.Sub(c.entry.lastUpdated) > c.staleAfter,
		LastError:   c.lastErr,
	}
	if c.entry.snapshot != nil {
		view.Snapshot = c.entry.snapshot.Clone()
		view.Populated = true
	}
	return view
}

// CachedPrice looks a symbol up in the current price map.
func (c *PreloadCache) CachedPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.prices.Price(symbol)
}

// Prices returns a copy of the current price map.
func (c *PreloadCache) Prices() entity.PriceMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.prices.Clone()
}

// Profile returns a copy of the cached user profile.
func (c *PreloadCache) Profile() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry.profile == nil {
		return nil, false
	}
	return cloneProfile(c.entry.profile), true
}

// UserID returns the user the cache is bound to, or "".
func (c *PreloadCache) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// LastUpdated returns the time of the last applied refresh (zero if never).
func (c *PreloadCache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry.lastUpdated
}

// IsStale reports whether now - lastUpdated exceeds the staleness threshold.
// A cache that was never populated is stale.
func (c *PreloadCache) IsStale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry.lastUpdated.IsZero() {
		return true
	}
	return now.Sub(c.entry.lastUpdated) > c.staleAfter
}

// LastError returns the error of the most recent failed refresh since the last applied one.
func (c *PreloadCache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// OnRefreshComplete registers fn to be called, in registration order, after each
// applied refresh. The returned function removes the observer.
func (c *PreloadCache) OnRefreshComplete(fn func(entity.PortfolioSnapshot)) func() {
	c.mu.Lock()
	c.nextObserverID++
	id := c.nextObserverID
	c.observers = append(c.observers, refreshObserver{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func record(outcome port.Outcome) port.Outcome {
	metrics.RefreshTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// safeCall turns a panic in a collaborator into an error so it cannot escape a refresh.
func safeCall(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", what, r)
		}
	}()
	return fn()
}

func cloneProfile(profile map[string]any) map[string]any {
	if profile == nil {
		return nil
	}
	out := make(map[string]any, len(profile))
	for k, v := range profile {
		out[k] = v
	}
	return out
}

package service

import (
	"context"
	"sync"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"
	"market_preloader/internal/infrastructure/metrics"

	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the scheduler refreshes an active session.
const DefaultRefreshInterval = 30 * time.Second

// SchedulerConfig holds the tunables of a Scheduler.
type SchedulerConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

// Scheduler drives the preload cache from session events and a periodic timer.
//
// Every session gets a generation number. Completions that belong to an older
// generation (the user logged out or another user logged in meanwhile) only log.
type Scheduler struct {
	cache    port.Preloader
	users    port.UserDataStore
	sessions port.SessionStore
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu            sync.Mutex
	state         entity.SessionState
	userID        string
	generation    uint64
	cancelSession context.CancelFunc
	sessionCtx    context.Context
	unsubscribe   func()
	loopRunning   bool
	// persistedGen is the generation whose user id was last written to the session store.
	persistedGen uint64

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler in the Unauthenticated state.
func NewScheduler(cache port.Preloader, users port.UserDataStore, sessions port.SessionStore, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	metrics.SessionState.Set(float64(entity.StateUnauthenticated))
	return &Scheduler{
		cache:    cache,
		users:    users,
		sessions: sessions,
		interval: cfg.RefreshInterval,
		now:      cfg.Now,
		logger:   logger.Named("Scheduler"),
		state:    entity.StateUnauthenticated,
	}
}

// State returns the current session state.
func (s *Scheduler) State() entity.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the user of the active session, or "".
func (s *Scheduler) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SessionEstablished starts a session for userID: any previous timer is cancelled,
// the cache is preloaded and a fresh timer is started.
// The preload is not cut short when ctx is cancelled; a request that goes away
// must not end the session it just started.
func (s *Scheduler) SessionEstablished(ctx context.Context, userID string) entity.SessionState {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.endSessionLocked()
	s.generation++
	gen := s.generation
	s.userID = userID
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	s.setStateLocked(entity.StateLoading)
	s.mu.Unlock()

	s.logger.Info("Session established, preloading", zap.String("userID", userID), zap.Uint64("generation", gen))
	outcome := s.cache.Preload(ctx, userID)

	if outcome == port.OutcomeApplied {
		s.onApplied(ctx, gen, userID)
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation {
			s.dropLateResultLocked(userID)
			return s.state
		}
		s.setStateLocked(entity.StateReady)
		s.startLoopLocked(gen)
		return s.state
	}

	persisted := s.persistedUserID(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.logger.Debug("Ignoring preload result of an ended session", zap.String("userID", userID))
		return s.state
	}
	if persisted != "" {
		s.logger.Warn("Initial preload failed, serving stale data",
			zap.String("userID", userID),
			zap.String("outcome", string(outcome)),
			zap.Error(s.cache.LastError()))
		s.setStateLocked(entity.StateStale)
		s.startLoopLocked(gen)
		return s.state
	}

	s.logger.Warn("Initial preload failed and no previous session is known",
		zap.String("userID", userID),
		zap.String("outcome", string(outcome)),
		zap.Error(s.cache.LastError()))
	s.endSessionLocked()
	s.userID = ""
	s.cache.Clear()
	s.setStateLocked(entity.StateUnauthenticated)
	return s.state
}

// SessionEnded cancels the timer and the push subscription, clears the cache and
// forgets the persisted user id.
func (s *Scheduler) SessionEnded(ctx context.Context) {
	s.mu.Lock()
	userID := s.userID
	s.endSessionLocked()
	s.generation++
	s.userID = ""
	s.setStateLocked(entity.StateUnauthenticated)
	s.mu.Unlock()

	s.cache.Clear()
	if err := s.sessions.ClearLastUserID(ctx); err != nil {
		s.logger.Warn("Failed to clear persisted user id", zap.Error(err))
	}
	s.logger.Info("Session ended", zap.String("userID", userID))
}

// Restore optimistically preloads for the last persisted user id when no session
// is active. This shows the previous user's data before the auth provider has
// confirmed the session.
func (s *Scheduler) Restore(ctx context.Context) entity.SessionState {
	if state := s.State(); state != entity.StateUnauthenticated {
		return state
	}
	userID := s.persistedUserID(ctx)
	if userID == "" {
		s.logger.Debug("No persisted session to restore")
		return entity.StateUnauthenticated
	}
	s.logger.Info("Optimistically restoring last session", zap.String("userID", userID))
	return s.SessionEstablished(ctx, userID)
}

// Tick refreshes the active session once. The timer calls it every refresh
// interval; it also serves manual refresh requests.
func (s *Scheduler) Tick(ctx context.Context) entity.SessionState {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.tick(context.WithoutCancel(ctx), gen)
}

func (s *Scheduler) tick(ctx context.Context, gen uint64) entity.SessionState {
	s.mu.Lock()
	if gen != s.generation || s.state == entity.StateUnauthenticated {
		state := s.state
		s.mu.Unlock()
		return state
	}
	userID := s.userID
	s.mu.Unlock()

	outcome := s.cache.Refresh(ctx)
	if outcome == port.OutcomeApplied {
		s.onApplied(ctx, gen, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return s.state
	}
	switch {
	case outcome == port.OutcomeApplied:
		s.setStateLocked(entity.StateReady)
	case s.state == entity.StateReady && s.cache.IsStale(s.now()):
		s.setStateLocked(entity.StateStale)
	}
	return s.state
}

// Stop cancels the timer and the push subscription and waits for the timer goroutine.
// The cache contents are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.endSessionLocked()
	s.generation++
	s.mu.Unlock()
	s.wg.Wait()
}

// onApplied persists the user id once per session and opens the push subscription
// if the session has none yet.
func (s *Scheduler) onApplied(ctx context.Context, gen uint64, userID string) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	sessionCtx := s.sessionCtx
	needSubscription := s.unsubscribe == nil
	needPersist := s.persistedGen != gen
	if needPersist {
		s.persistedGen = gen
	}
	s.mu.Unlock()

	if needPersist {
		if err := s.sessions.SetLastUserID(ctx, userID); err != nil {
			s.logger.Warn("Failed to persist user id", zap.String("userID", userID), zap.Error(err))
			s.mu.Lock()
			if s.persistedGen == gen {
				// retried on the next applied refresh
				s.persistedGen = 0
			}
			s.mu.Unlock()
		}
	}
	if !needSubscription {
		return
	}

	unsubscribe, err := s.users.Subscribe(sessionCtx, userID, func() {
		s.logger.Debug("User data changed remotely, refreshing", zap.String("userID", userID))
		s.tick(sessionCtx, gen)
	})
	if err != nil {
		s.logger.Warn("Failed to subscribe to user data changes", zap.String("userID", userID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.unsubscribe != nil {
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
}

// dropLateResultLocked clears data applied for a session that ended while its
// preload was in flight.
func (s *Scheduler) dropLateResultLocked(userID string) {
	if s.userID != userID && s.cache.UserID() == userID {
		s.logger.Info("Dropping data preloaded for an ended session", zap.String("userID", userID))
		s.cache.Clear()
	}
}

func (s *Scheduler) startLoopLocked(gen uint64) {
	if s.loopRunning {
		return
	}
	s.loopRunning = true
	ctx := s.sessionCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, gen)
			}
		}
	}()
}

func (s *Scheduler) endSessionLocked() {
	if s.cancelSession != nil {
		s.cancelSession()
		s.cancelSession = nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.loopRunning = false
}

func (s *Scheduler) setStateLocked(state entity.SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug("Session state changed", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	metrics.SessionState.Set(float64(state))
}

func (s *Scheduler) persistedUserID(ctx context.Context) string {
	userID, err := s.sessions.LastUserID(ctx)
	if err != nil {
		s.logger.Warn("Failed to read persisted user id", zap.Error(err))
		return ""
	}
	return userID
}

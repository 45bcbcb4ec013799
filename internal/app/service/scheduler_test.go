package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"market_preloader/internal/domain/entity"

	"go.uber.org/zap"
)

type schedulerEnv struct {
	clock     *fakeClock
	prices    *stubPrices
	users     *stubUsers
	sessions  *memSessions
	cache     *PreloadCache
	scheduler *Scheduler
	failing   *atomic.Bool
}

func newSchedulerEnv(t *testing.T, interval time.Duration) *schedulerEnv {
	t.Helper()
	env := &schedulerEnv{
		clock:    newFakeClock(),
		sessions: &memSessions{},
		failing:  &atomic.Bool{},
	}
	env.prices = &stubPrices{fn: func(context.Context, []string) (entity.PriceMap, error) {
		if env.failing.Load() {
			return nil, entity.ErrSourceUnavailable
		}
		return entity.PriceMap{"USDT": 1, "BTC": 20000}, nil
	}}
	env.users = fixedAccount(entity.UserAccount{
		ReferenceBalance: 100,
		Holdings:         []entity.AssetHolding{{Symbol: "BTC", Amount: 0.5}},
	})
	env.cache = newTestCache(t, env.prices, env.users, env.clock)
	env.scheduler = NewScheduler(env.cache, env.users, env.sessions, SchedulerConfig{
		RefreshInterval: interval,
		Now:             env.clock.Now,
	}, zap.NewNop())
	t.Cleanup(env.scheduler.Stop)
	return env
}

func TestScheduler_SessionEstablished(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)

	if got := env.scheduler.SessionEstablished(context.Background(), "u1"); got != entity.StateReady {
		t.Fatalf("SessionEstablished() = %v, want ready", got)
	}
	if env.sessions.lastUserID != "u1" {
		t.Errorf("persisted user id = %q, want u1", env.sessions.lastUserID)
	}
	if snap, ok := env.cache.Snapshot(); !ok || snap.TotalValue != 10100 {
		t.Errorf("Snapshot() = %+v, %v", snap, ok)
	}
	if env.scheduler.UserID() != "u1" {
		t.Errorf("UserID() = %q", env.scheduler.UserID())
	}

	onChange := env.users.subscriber("u1")
	if onChange == nil {
		t.Fatal("no push subscription opened for u1")
	}
	before := env.prices.calls.Load()
	onChange()
	if env.prices.calls.Load() != before+1 {
		t.Error("pushed change did not trigger a refresh")
	}
}

func TestScheduler_InitialFailure(t *testing.T) {
	t.Run("nothing persisted", func(t *testing.T) {
		env := newSchedulerEnv(t, time.Hour)
		env.failing.Store(true)

		if got := env.scheduler.SessionEstablished(context.Background(), "u1"); got != entity.StateUnauthenticated {
			t.Errorf("SessionEstablished() = %v, want unauthenticated", got)
		}
		if env.cache.UserID() != "" {
			t.Errorf("cache still bound to %q", env.cache.UserID())
		}
		if env.sessions.lastUserID != "" {
			t.Errorf("failed session persisted user id %q", env.sessions.lastUserID)
		}
	})

	t.Run("previous session persisted", func(t *testing.T) {
		env := newSchedulerEnv(t, time.Hour)
		env.sessions.lastUserID = "u1"
		env.failing.Store(true)

		if got := env.scheduler.SessionEstablished(context.Background(), "u1"); got != entity.StateStale {
			t.Fatalf("SessionEstablished() = %v, want stale", got)
		}

		env.failing.Store(false)
		if got := env.scheduler.Tick(context.Background()); got != entity.StateReady {
			t.Errorf("Tick() after recovery = %v, want ready", got)
		}
		if env.users.subscriber("u1") == nil {
			t.Error("recovered session did not open a push subscription")
		}
	})
}

func TestScheduler_TickMarksStale(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)
	env.scheduler.SessionEstablished(context.Background(), "u1")
	env.failing.Store(true)

	env.clock.Advance(10 * time.Second)
	if got := env.scheduler.Tick(context.Background()); got != entity.StateReady {
		t.Errorf("Tick() with fresh data = %v, want ready", got)
	}

	env.clock.Advance(time.Minute)
	if got := env.scheduler.Tick(context.Background()); got != entity.StateStale {
		t.Errorf("Tick() with old data = %v, want stale", got)
	}
	if _, ok := env.cache.Snapshot(); !ok {
		t.Error("stale session should keep serving the last snapshot")
	}

	env.failing.Store(false)
	if got := env.scheduler.Tick(context.Background()); got != entity.StateReady {
		t.Errorf("Tick() after recovery = %v, want ready", got)
	}
}

func TestScheduler_SessionEnded(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)
	env.scheduler.SessionEstablished(context.Background(), "u1")

	env.scheduler.SessionEnded(context.Background())

	if got := env.scheduler.State(); got != entity.StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated", got)
	}
	if _, ok := env.cache.Snapshot(); ok {
		t.Error("cache not cleared on session end")
	}
	if env.sessions.lastUserID != "" {
		t.Errorf("persisted user id = %q after session end", env.sessions.lastUserID)
	}
	if env.users.subscriber("u1") != nil {
		t.Error("push subscription still open after session end")
	}

	calls := env.prices.calls.Load()
	if got := env.scheduler.Tick(context.Background()); got != entity.StateUnauthenticated {
		t.Errorf("Tick() = %v, want unauthenticated", got)
	}
	if env.prices.calls.Load() != calls {
		t.Error("Tick() refreshed without a session")
	}
}

func TestScheduler_LogoutDuringInitialPreload(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)
	release := make(chan struct{})
	env.users.fn = func(context.Context, string) (entity.UserAccount, error) {
		<-release
		return entity.UserAccount{ReferenceBalance: 1}, nil
	}

	done := make(chan entity.SessionState, 1)
	go func() { done <- env.scheduler.SessionEstablished(context.Background(), "u1") }()
	waitFor(t, "preload to start", func() bool { return env.users.calls.Load() == 1 })

	env.scheduler.SessionEnded(context.Background())
	close(release)

	if got := <-done; got != entity.StateUnauthenticated {
		t.Errorf("SessionEstablished() = %v, want unauthenticated", got)
	}
	if _, ok := env.cache.Snapshot(); ok {
		t.Error("late preload repopulated the cache after logout")
	}
	if env.sessions.lastUserID != "" {
		t.Errorf("late preload persisted user id %q", env.sessions.lastUserID)
	}
}

func TestScheduler_Restore(t *testing.T) {
	t.Run("persisted user", func(t *testing.T) {
		env := newSchedulerEnv(t, time.Hour)
		env.sessions.lastUserID = "u7"

		if got := env.scheduler.Restore(context.Background()); got != entity.StateReady {
			t.Fatalf("Restore() = %v, want ready", got)
		}
		if env.cache.UserID() != "u7" {
			t.Errorf("cache bound to %q, want u7", env.cache.UserID())
		}
	})

	t.Run("offline with persisted user", func(t *testing.T) {
		env := newSchedulerEnv(t, time.Hour)
		env.sessions.lastUserID = "u7"
		env.failing.Store(true)

		if got := env.scheduler.Restore(context.Background()); got != entity.StateStale {
			t.Errorf("Restore() = %v, want stale", got)
		}
	})

	t.Run("nothing persisted", func(t *testing.T) {
		env := newSchedulerEnv(t, time.Hour)

		if got := env.scheduler.Restore(context.Background()); got != entity.StateUnauthenticated {
			t.Errorf("Restore() = %v, want unauthenticated", got)
		}
		if env.prices.calls.Load() != 0 {
			t.Error("Restore() fetched without a persisted user")
		}
	})
}

func TestScheduler_TimerRefreshes(t *testing.T) {
	env := newSchedulerEnv(t, 5*time.Millisecond)
	env.scheduler.SessionEstablished(context.Background(), "u1")

	waitFor(t, "timer refresh", func() bool { return env.prices.calls.Load() >= 3 })

	env.scheduler.Stop()
	calls := env.prices.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if env.prices.calls.Load() != calls {
		t.Error("timer kept refreshing after Stop()")
	}
}

func TestScheduler_PersistsUserIDOncePerSession(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)
	env.scheduler.SessionEstablished(context.Background(), "u1")
	for i := 0; i < 5; i++ {
		if got := env.scheduler.Tick(context.Background()); got != entity.StateReady {
			t.Fatalf("Tick() = %v, want ready", got)
		}
	}
	if n := env.sessions.setCount(); n != 1 {
		t.Errorf("SetLastUserID called %d times, want 1", n)
	}

	env.scheduler.SessionEstablished(context.Background(), "u2")
	env.scheduler.Tick(context.Background())
	if n := env.sessions.setCount(); n != 2 {
		t.Errorf("SetLastUserID called %d times after a new session, want 2", n)
	}
	if env.sessions.lastUserID != "u2" {
		t.Errorf("persisted user id = %q, want u2", env.sessions.lastUserID)
	}
}

func TestScheduler_CancelledRequestKeepsSession(t *testing.T) {
	env := newSchedulerEnv(t, time.Hour)
	release := make(chan struct{})
	env.users.fn = func(ctx context.Context, _ string) (entity.UserAccount, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return entity.UserAccount{}, err
		}
		return entity.UserAccount{ReferenceBalance: 1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan entity.SessionState, 1)
	go func() { done <- env.scheduler.SessionEstablished(ctx, "u1") }()
	waitFor(t, "preload to start", func() bool { return env.users.calls.Load() == 1 })

	cancel()
	close(release)

	if got := <-done; got != entity.StateReady {
		t.Errorf("SessionEstablished() = %v, want ready", got)
	}
	if _, ok := env.cache.Snapshot(); !ok {
		t.Error("preload of a cancelled request was not applied")
	}
	if env.sessions.lastUserID != "u1" {
		t.Errorf("persisted user id = %q, want u1", env.sessions.lastUserID)
	}
}

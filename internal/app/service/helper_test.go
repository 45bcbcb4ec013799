package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"market_preloader/internal/domain/entity"

	"go.uber.org/zap"
)

type stubPrices struct {
	calls atomic.Int32
	fn    func(ctx context.Context, symbols []string) (entity.PriceMap, error)
}

func (s *stubPrices) Name() string { return "stub" }

func (s *stubPrices) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	s.calls.Add(1)
	return s.fn(ctx, symbols)
}

func fixedPrices(prices map[string]float64) *stubPrices {
	return &stubPrices{fn: func(context.Context, []string) (entity.PriceMap, error) {
		out := entity.NewPriceMap(entity.DefaultReferenceSymbol)
		for k, v := range prices {
			out[k] = v
		}
		return out, nil
	}}
}

type stubUsers struct {
	calls atomic.Int32
	fn    func(ctx context.Context, userID string) (entity.UserAccount, error)

	mu   sync.Mutex
	subs map[string]func()
}

func (s *stubUsers) GetAccount(ctx context.Context, userID string) (entity.UserAccount, error) {
	s.calls.Add(1)
	return s.fn(ctx, userID)
}

func (s *stubUsers) Subscribe(_ context.Context, userID string, onChange func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]func())
	}
	s.subs[userID] = onChange
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, userID)
	}, nil
}

func (s *stubUsers) subscriber(userID string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[userID]
}

func fixedAccount(account entity.UserAccount) *stubUsers {
	return &stubUsers{fn: func(context.Context, string) (entity.UserAccount, error) {
		return account, nil
	}}
}

type memSessions struct {
	mu         sync.Mutex
	lastUserID string
	version    string
	sets       int
}

func (m *memSessions) LastUserID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUserID, nil
}

func (m *memSessions) SetLastUserID(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID = userID
	m.sets++
	return nil
}

func (m *memSessions) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func (m *memSessions) ClearLastUserID(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID = ""
	return nil
}

func (m *memSessions) AppVersion(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}

func (m *memSessions) SetAppVersion(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, prices *stubPrices, users *stubUsers, clock *fakeClock) *PreloadCache {
	t.Helper()
	return NewPreloadCache(prices, users, PreloadCacheConfig{
		Symbols:    []string{"BTC", "ETH"},
		StaleAfter: 30 * time.Second,
		Now:        clock.Now,
	}, zap.NewNop())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

package userdata

import (
	"context"
	"sync"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"
)

// MemoryStore keeps accounts in process memory. It backs development setups and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]entity.UserAccount
	subs     map[string]map[uint64]func()
	nextID   uint64
}

var _ port.UserDataStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with accounts (may be nil).
func NewMemoryStore(accounts map[string]entity.UserAccount) *MemoryStore {
	s := &MemoryStore{
		accounts: make(map[string]entity.UserAccount, len(accounts)),
		subs:     make(map[string]map[uint64]func()),
	}
	for userID, account := range accounts {
		s.accounts[userID] = cloneAccount(account)
	}
	return s
}

// GetAccount returns the stored account, or an empty one for an unknown user.
func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (entity.UserAccount, error) {
	if err := ctx.Err(); err != nil {
		return entity.UserAccount{}, entity.NewSourceError("memory", entity.ErrSourceUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAccount(s.accounts[userID]), nil
}

// Put replaces a user's account and notifies the user's subscribers.
func (s *MemoryStore) Put(userID string, account entity.UserAccount) {
	s.mu.Lock()
	s.accounts[userID] = cloneAccount(account)
	callbacks := make([]func(), 0, len(s.subs[userID]))
	for _, fn := range s.subs[userID] {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Subscribe registers onChange for Put calls on userID until the returned function
// is called or ctx is done.
func (s *MemoryStore) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[uint64]func())
	}
	s.subs[userID][id] = onChange
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[userID], id)
			if len(s.subs[userID]) == 0 {
				delete(s.subs, userID)
			}
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return unsubscribe, nil
}

func cloneAccount(a entity.UserAccount) entity.UserAccount {
	out := a
	if a.Holdings != nil {
		out.Holdings = make([]entity.AssetHolding, len(a.Holdings))
		copy(out.Holdings, a.Holdings)
	}
	if a.Profile != nil {
		out.Profile = make(map[string]any, len(a.Profile))
		for k, v := range a.Profile {
			out.Profile[k] = v
		}
	}
	return out
}

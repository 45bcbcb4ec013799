package sessionstore

import (
	"context"
	"sync"

	"market_preloader/internal/app/port"
)

// MemoryStore keeps session values for the lifetime of the process.
type MemoryStore struct {
	mu         sync.RWMutex
	lastUserID string
	appVersion string
}

var _ port.SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LastUserID(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUserID, nil
}

func (s *MemoryStore) SetLastUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserID = userID
	return nil
}

func (s *MemoryStore) ClearLastUserID(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserID = ""
	return nil
}

func (s *MemoryStore) AppVersion(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appVersion, nil
}

func (s *MemoryStore) SetAppVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appVersion = version
	return nil
}

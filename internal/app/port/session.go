package port

import (
	"context"

	"market_preloader/internal/domain/entity"
)

// SessionStore is the local persistent key-value store that survives restarts.
type SessionStore interface {
	// LastUserID returns the last authenticated user id, or "" when none is stored.
	LastUserID(ctx context.Context) (string, error)
	SetLastUserID(ctx context.Context, userID string) error
	ClearLastUserID(ctx context.Context) error

	// AppVersion returns the last seen deployed app version, or "" when none is stored.
	AppVersion(ctx context.Context) (string, error)
	SetAppVersion(ctx context.Context, version string) error
}

// TokenVerifier turns an auth provider ID token into a user id.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (userID string, err error)
}

// SessionController is the session surface of the refresh scheduler.
type SessionController interface {
	SessionEstablished(ctx context.Context, userID string) entity.SessionState
	SessionEnded(ctx context.Context)
	Tick(ctx context.Context) entity.SessionState
	State() entity.SessionState
	UserID() string
}

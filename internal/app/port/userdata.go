package port

import (
	"context"

	"market_preloader/internal/domain/entity"
)

// UserDataStore returns a user's balance, holdings and profile.
type UserDataStore interface {
	GetAccount(ctx context.Context, userID string) (entity.UserAccount, error)
	// Subscribe invokes onChange every time the user's remote data changes.
	// The returned function stops the subscription without blocking and is safe to call
	// more than once. onChange must not be invoked synchronously from Subscribe.
	Subscribe(ctx context.Context, userID string, onChange func()) (unsubscribe func(), err error)
}

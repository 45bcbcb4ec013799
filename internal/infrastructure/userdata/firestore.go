package userdata

import (
	"context"
	"errors"
	"fmt"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreSourceName = "firestore"

// DefaultCollection holds one document per user, keyed by user id.
const DefaultCollection = "users"

// FirestoreStore reads user documents from Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     *zap.Logger
}

var _ port.UserDataStore = (*FirestoreStore)(nil)

// NewFirestoreStore creates a store over collection (DefaultCollection when empty).
func NewFirestoreStore(client *firestore.Client, collection string, logger *zap.Logger) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
		logger:     logger.Named("FirestoreStore"),
	}
}

// GetAccount reads users/{userID}. A user without a document has an empty account.
func (s *FirestoreStore) GetAccount(ctx context.Context, userID string) (entity.UserAccount, error) {
	snap, err := s.client.Collection(s.collection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug("No user document, treating as empty account", zap.String("userID", userID))
			return entity.UserAccount{}, nil
		}
		return entity.UserAccount{}, entity.NewSourceError(firestoreSourceName, entity.ErrSourceUnavailable, err)
	}

	account, err := decodeUserAccount(snap.Data())
	if err != nil {
		return entity.UserAccount{}, entity.NewSourceError(firestoreSourceName, entity.ErrMalformedResponse,
			fmt.Errorf("document %s/%s: %w", s.collection, userID, err))
	}
	return account, nil
}

// Subscribe listens to the user's document and calls onChange on every change
// after the initial snapshot.
func (s *FirestoreStore) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	it := s.client.Collection(s.collection).Doc(userID).Snapshots(ctx)

	go func() {
		defer it.Stop()
		initial := true
		for {
			_, err := it.Next()
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return
				}
				s.logger.Warn("User document listener stopped", zap.String("userID", userID), zap.Error(err))
				return
			}
			if initial {
				initial = false
				continue
			}
			onChange()
		}
	}()

	return cancel, nil
}

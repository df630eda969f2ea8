package ratelimit

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const countersCollection = "rl"

// FirestoreCounterStore persists limiter documents in a dedicated Firestore
// collection, one document per bucket or daily-counter key.
type FirestoreCounterStore struct {
	client *firestore.Client
	col    *firestore.CollectionRef
}

func NewFirestoreCounterStore(client *firestore.Client) *FirestoreCounterStore {
	return &FirestoreCounterStore{
		client: client,
		col:    client.Collection(countersCollection),
	}
}

// Mutate runs fn against the document for key inside a transaction. The
// Firestore client retries the transaction on write conflict, up to
// mutateAttempts times; persistent failures bubble up for the limiter's
// fail-open handling.
func (s *FirestoreCounterStore) Mutate(ctx context.Context, key string, fn func(data map[string]any) (map[string]any, error)) error {
	ref := s.col.Doc(key)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		data := map[string]any{}
		switch {
		case status.Code(err) == codes.NotFound:
			// First use of this key.
		case err != nil:
			return err
		default:
			data = snap.Data()
		}

		updated, err := fn(data)
		if err != nil {
			return err
		}
		if updated == nil {
			// Denied: no write.
			return nil
		}
		return tx.Set(ref, updated, firestore.MergeAll)
	}, firestore.MaxAttempts(mutateAttempts))
	if err != nil {
		return fmt.Errorf("failed to mutate counter %s: %w", key, err)
	}
	return nil
}

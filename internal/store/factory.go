package store

import (
	"context"
	"strings"
)

// NewStore picks a backend from configuration: Firestore when a project id
// is set, Postgres when a database URL is set, otherwise in-memory.
func NewStore(ctx context.Context, firestoreProject, databaseURL string) (Store, error) {
	if strings.TrimSpace(firestoreProject) != "" {
		return NewFirestoreStore(ctx, firestoreProject)
	}
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewInMemoryStore(), nil
}

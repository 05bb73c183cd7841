package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names match the production Firestore layout.
const (
	callsCollection = "callmemory"
	usersCollection = "users"
)

// FirestoreStore persists call records and users in Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connect firestore: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) SaveCall(ctx context.Context, rec CallRecord) error {
	ref := s.client.Collection(callsCollection).Doc(rec.CallID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		data := map[string]any{
			"userId":      rec.UserID,
			"callId":      rec.CallID,
			"transcripts": rec.Transcripts,
			"lastUpdated": firestore.ServerTimestamp,
		}
		// created_at is written once and preserved by the merge afterwards.
		if snap == nil || !snap.Exists() {
			data["created_at"] = firestore.ServerTimestamp
		}
		return tx.Set(ref, data, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("save call %s: %w", rec.CallID, err)
	}
	return nil
}

func (s *FirestoreStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	snap, err := s.client.Collection(callsCollection).Doc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", callID, err)
	}
	var rec CallRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return &rec, nil
}

func (s *FirestoreStore) LatestCallByUser(ctx context.Context, userID string) (*CallRecord, error) {
	iter := s.client.Collection(callsCollection).
		Where("userId", "==", userID).
		OrderBy("created_at", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest call for %s: %w", userID, err)
	}
	var rec CallRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode latest call for %s: %w", userID, err)
	}
	return &rec, nil
}

func (s *FirestoreStore) GetUser(ctx context.Context, uid string) (*User, error) {
	snap, err := s.client.Collection(usersCollection).Doc(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", uid, err)
	}
	var u User
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return &u, nil
}

func (s *FirestoreStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	iter := s.client.Collection(usersCollection).
		Where("email", "==", email).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	var u User
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

func (s *FirestoreStore) UpsertUser(ctx context.Context, u *User) error {
	c := *u
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(usersCollection).Doc(c.UID).Set(ctx, &c)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", c.UID, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

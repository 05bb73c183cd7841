package store

import (
	"context"
	"errors"
	"time"

	"github.com/alexlistens/voicechat/internal/transcript"
)

var ErrNotFound = errors.New("record not found")

// CallRecord is the persisted aggregate of one call: its transcript plus
// metadata. Repeated saves for the same call id merge into one record.
type CallRecord struct {
	UserID      string            `json:"user_id" firestore:"userId"`
	CallID      string            `json:"call_id" firestore:"callId"`
	Transcripts []transcript.Line `json:"transcripts" firestore:"transcripts"`
	CreatedAt   time.Time         `json:"created_at" firestore:"created_at"`
	LastUpdated time.Time         `json:"last_updated" firestore:"lastUpdated"`
}

// User is one registered account.
type User struct {
	UID          string    `json:"uid" firestore:"uid"`
	Email        string    `json:"email" firestore:"email"`
	Username     string    `json:"username" firestore:"username"`
	FirstName    string    `json:"first_name" firestore:"firstName"`
	LastName     string    `json:"last_name" firestore:"lastName"`
	PasswordHash string    `json:"-" firestore:"passwordHash"`
	CreatedAt    time.Time `json:"created_at" firestore:"created_at"`
}

// Store persists call records and user accounts.
//
// SaveCall is an upsert-merge keyed by CallID: the transcripts field is
// overwritten wholesale on every save (last writer wins), LastUpdated is
// assigned by the store, and CreatedAt is set once on first save and
// preserved afterwards.
type Store interface {
	SaveCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, callID string) (*CallRecord, error)
	// LatestCallByUser returns the user's most recent call record by
	// CreatedAt. Returns ErrNotFound when the user has no calls.
	LatestCallByUser(ctx context.Context, userID string) (*CallRecord, error)

	GetUser(ctx context.Context, uid string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error

	Close() error
}

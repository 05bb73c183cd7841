package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexlistens/voicechat/internal/transcript"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord
	users map[string]*User
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls: make(map[string]*CallRecord),
		users: make(map[string]*User),
	}
}

func (s *InMemoryStore) SaveCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.calls[rec.CallID]
	if !ok {
		rec.CreatedAt = now
		rec.LastUpdated = now
		s.calls[rec.CallID] = cloneCall(&rec)
		return nil
	}

	existing.UserID = rec.UserID
	existing.Transcripts = append([]transcript.Line(nil), rec.Transcripts...)
	existing.LastUpdated = now
	return nil
}

func (s *InMemoryStore) GetCall(_ context.Context, callID string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(rec), nil
}

func (s *InMemoryStore) LatestCallByUser(_ context.Context, userID string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*CallRecord
	for _, rec := range s.calls {
		if rec.UserID == userID && userID != "" {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return cloneCall(matches[0]), nil
}

func (s *InMemoryStore) GetUser(_ context.Context, uid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *InMemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) UpsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneUser(u)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.users[c.UID] = c
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneCall(rec *CallRecord) *CallRecord {
	c := *rec
	c.Transcripts = append([]transcript.Line(nil), rec.Transcripts...)
	return &c
}

func cloneUser(u *User) *User {
	c := *u
	return &c
}

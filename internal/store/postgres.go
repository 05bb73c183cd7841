package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexlistens/voicechat/internal/transcript"
)

// PostgresStore persists call records and users in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			call_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			transcripts JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_user_created ON call_records (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, rec CallRecord) error {
	payload, err := json.Marshal(rec.Transcripts)
	if err != nil {
		return fmt.Errorf("encode transcripts: %w", err)
	}

	// Merge semantics: transcripts are replaced wholesale, last_updated is
	// server-assigned, created_at keeps its original value on conflict.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_records (call_id, user_id, transcripts)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (call_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			transcripts = EXCLUDED.transcripts,
			last_updated = now()`,
		rec.CallID, rec.UserID, payload,
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", rec.CallID, err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT call_id, user_id, transcripts, created_at, last_updated
		 FROM call_records WHERE call_id = $1`, callID)
	return scanCall(row)
}

func (s *PostgresStore) LatestCallByUser(ctx context.Context, userID string) (*CallRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT call_id, user_id, transcripts, created_at, last_updated
		 FROM call_records WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT 1`, userID)
	return scanCall(row)
}

func scanCall(row pgx.Row) (*CallRecord, error) {
	var rec CallRecord
	var payload []byte
	err := row.Scan(&rec.CallID, &rec.UserID, &payload, &rec.CreatedAt, &rec.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call record: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Transcripts); err != nil {
			return nil, fmt.Errorf("decode transcripts: %w", err)
		}
	}
	if rec.Transcripts == nil {
		rec.Transcripts = []transcript.Line{}
	}
	return &rec, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, uid string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT uid, email, username, first_name, last_name, password_hash, created_at
		 FROM users WHERE uid = $1`, uid)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT uid, email, username, first_name, last_name, password_hash, created_at
		 FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.UID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (uid, email, username, first_name, last_name, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uid) DO UPDATE SET
			email = EXCLUDED.email,
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			password_hash = EXCLUDED.password_hash`,
		u.UID, u.Email, u.Username, u.FirstName, u.LastName, u.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

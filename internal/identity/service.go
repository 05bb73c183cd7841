// Package identity provides minimal email/password authentication with JWT
// access tokens and an auth-state observer contract.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexlistens/voicechat/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSecretTooShort     = errors.New("jwt secret must be at least 32 bytes")
)

const DefaultTokenTTL = 7 * 24 * time.Hour

// UserStore is the slice of the document store identity needs.
type UserStore interface {
	GetUser(ctx context.Context, uid string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	UpsertUser(ctx context.Context, u *store.User) error
}

type Config struct {
	Secret     []byte
	Issuer     string
	TokenTTL   time.Duration
	BcryptCost int
}

// Service registers and authenticates users and notifies subscribers on
// every auth-state change.
type Service struct {
	users      UserStore
	secret     []byte
	issuer     string
	tokenTTL   time.Duration
	bcryptCost int

	mu        sync.Mutex
	observers map[int]func(*store.User)
	nextID    int
}

func NewService(users UserStore, cfg Config) (*Service, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrSecretTooShort
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		users:      users,
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		tokenTTL:   cfg.TokenTTL,
		bcryptCost: cfg.BcryptCost,
		observers:  make(map[int]func(*store.User)),
	}, nil
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Register creates an account and returns the signed token for it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.User, string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", fmt.Errorf("invalid email address")
	}
	if len(req.Password) < 8 {
		return nil, "", fmt.Errorf("password must be at least 8 characters")
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("check existing account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u := &store.User{
		UID:          uuid.NewString(),
		Email:        email,
		Username:     strings.TrimSpace(req.Username),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if u.Username == "" {
		u.Username = strings.SplitN(email, "@", 2)[0]
	}
	if err := s.users.UpsertUser(ctx, u); err != nil {
		return nil, "", fmt.Errorf("create account: %w", err)
	}

	token, err := s.issueToken(u.UID)
	if err != nil {
		return nil, "", err
	}
	s.notifyAll(u)
	return u, token, nil
}

// SignIn checks credentials and returns the user and a signed token.
func (s *Service) SignIn(ctx context.Context, email, password string) (*store.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("look up account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(u.UID)
	if err != nil {
		return nil, "", err
	}
	s.notifyAll(u)
	return u, token, nil
}

// SignOut notifies subscribers that no user is authenticated. Tokens are
// stateless, so sign-out is an observer-level event; clients drop the token.
func (s *Service) SignOut() {
	s.notifyAll(nil)
}

// Subscribe registers fn to receive the current user (or nil) on every
// auth-state change and returns an unsubscribe function.
func (s *Service) Subscribe(fn func(*store.User)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Service) notifyAll(u *store.User) {
	s.mu.Lock()
	fns := make([]func(*store.User), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (s *Service) issueToken(uid string) (string, error) {
	tokenID, err := nanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		ID:        tokenID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a signed token and returns the subject uid.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// UserFromToken resolves the account behind a token, or nil for an empty
// token (anonymous).
func (s *Service) UserFromToken(ctx context.Context, tokenString string) (*store.User, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, nil
	}
	uid, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return u, nil
}

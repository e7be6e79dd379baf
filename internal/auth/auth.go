package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/ratemarket/internal/db"
)

var (
	ErrInvalidOwner       = errors.New("invalid owner")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const maxOwnerLen = 64

// AccountStore keeps the bcrypt hash of each owner's API key. *db.DB
// satisfies it; lookups of unknown owners wrap db.ErrNotFound and duplicate
// creates wrap db.ErrDuplicate.
type AccountStore interface {
	CreateAccount(ctx context.Context, owner, keyHash string) error
	AccountKeyHash(ctx context.Context, owner string) (string, error)
}

// MemoryAccounts is an AccountStore for running without a database.
type MemoryAccounts struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{hashes: make(map[string]string)}
}

func (m *MemoryAccounts) CreateAccount(ctx context.Context, owner, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashes[owner]; ok {
		return fmt.Errorf("account %s: %w", owner, db.ErrDuplicate)
	}
	m.hashes[owner] = keyHash
	return nil
}

func (m *MemoryAccounts) AccountKeyHash(ctx context.Context, owner string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.hashes[owner]
	if !ok {
		return "", fmt.Errorf("account %s: %w", owner, db.ErrNotFound)
	}
	return hash, nil
}

// Service registers owners and exchanges their API keys for signed tokens.
type Service struct {
	accounts AccountStore
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func NewService(accounts AccountStore, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{accounts: accounts, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Register creates an owner and returns its API key. Only the hash is kept,
// so the key cannot be recovered later.
func (s *Service) Register(ctx context.Context, owner string) (string, error) {
	if owner == "" || len(owner) > maxOwnerLen || strings.TrimSpace(owner) != owner {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := s.accounts.CreateAccount(ctx, owner, string(hash)); err != nil {
		return "", err
	}
	return key, nil
}

// Login verifies an API key and issues a token whose subject is the owner.
func (s *Service) Login(ctx context.Context, owner, key string) (string, error) {
	hash, err := s.accounts.AccountKeyHash(ctx, owner)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.secret)
}

// OwnerFromToken validates a token and returns its owner.
func (s *Service) OwnerFromToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

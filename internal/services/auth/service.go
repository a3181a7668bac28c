package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
)

// Errors
var (
	ErrInvalidToken = errors.New("invalid api token")
	ErrEmptyToken   = errors.New("api token must not be empty")
)

// Service checks bearer tokens for the reporting API against a bcrypt hash.
// A token that has passed the bcrypt check is remembered for CacheDuration so
// every request does not pay the hashing cost.
type Service struct {
	hash  []byte
	clock clock.Clock

	mu       sync.RWMutex
	accepted map[string]time.Time

	cacheDuration time.Duration
}

// Config holds configuration for the auth service
type Config struct {
	// TokenHash is a bcrypt hash; empty disables authentication
	TokenHash     string
	CacheDuration time.Duration
}

// DefaultConfig returns default auth configuration
func DefaultConfig() Config {
	return Config{
		CacheDuration: 10 * time.Minute,
	}
}

// New creates a new auth Service
func New(clock clock.Clock, cfg Config) *Service {
	if cfg.CacheDuration == 0 {
		cfg.CacheDuration = DefaultConfig().CacheDuration
	}
	return &Service{
		hash:          []byte(cfg.TokenHash),
		clock:         clock,
		accepted:      make(map[string]time.Time),
		cacheDuration: cfg.CacheDuration,
	}
}

// Enabled reports whether a token hash is configured
func (s *Service) Enabled() bool {
	return len(s.hash) > 0
}

// Validate checks token against the configured hash. With auth disabled every
// token, including an empty one, is accepted.
func (s *Service) Validate(token string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}

	now := s.clock.Now()
	s.mu.RLock()
	expires, ok := s.accepted[token]
	s.mu.RUnlock()
	if ok && now.Before(expires) {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}

	s.mu.Lock()
	s.accepted[token] = now.Add(s.cacheDuration)
	s.mu.Unlock()
	return nil
}

// CleanExpired drops remembered tokens whose cache entry has lapsed
func (s *Service) CleanExpired() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, expires := range s.accepted {
		if !now.Before(expires) {
			delete(s.accepted, token)
		}
	}
}

// HashToken returns the bcrypt hash to put in api.token_hash
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// GenerateToken returns a new random token with the given prefix
func GenerateToken(prefix string) string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return prefix + base64.RawURLEncoding.EncodeToString(b)
}

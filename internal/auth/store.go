// Package auth holds the backend session credentials and refreshes them on demand.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// ErrNoRefreshToken is returned when a refresh is requested without a refresh token.
var ErrNoRefreshToken = errors.New("auth: no refresh token available")

// RefreshFunc exchanges a refresh token for a new credential.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Store is the single owner of the session credential. It satisfies
// httpx.TokenSource so the token is always read at send time.
type Store struct {
	mu      sync.RWMutex
	token   *oauth2.Token
	refresh RefreshFunc
	path    string

	refreshMu sync.Mutex
}

type Option func(*Store)

// WithSessionFile persists the credential to path after every refresh.
func WithSessionFile(path string) Option {
	return func(s *Store) { s.path = path }
}

func NewStore(token *oauth2.Token, refresh RefreshFunc, opts ...Option) *Store {
	s := &Store{refresh: refresh}
	if token != nil {
		s.token = withJWTExpiry(token)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// Token returns a copy of the current credential, or nil.
func (s *Store) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	cp := *s.token
	return &cp
}

// Valid reports whether an unexpired access token is held.
func (s *Store) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil && s.token.Valid()
}

// Set replaces the credential, e.g. after an external login.
func (s *Store) Set(token *oauth2.Token) {
	s.mu.Lock()
	if token == nil {
		s.token = nil
	} else {
		s.token = withJWTExpiry(token)
	}
	s.mu.Unlock()
}

// Refresh obtains a new access token. Concurrent callers are serialized; a
// caller that waited while another refresh succeeded reuses that result.
func (s *Store) Refresh(ctx context.Context) error {
	before := s.AccessToken()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if current := s.AccessToken(); current != before && current != "" {
		return nil
	}
	if s.refresh == nil {
		return ErrNoRefreshToken
	}

	s.mu.RLock()
	var refreshToken string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	s.mu.RUnlock()
	if strings.TrimSpace(refreshToken) == "" {
		return ErrNoRefreshToken
	}

	next, err := s.refresh(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("auth.Store.Refresh: %w", err)
	}
	if next == nil || next.AccessToken == "" {
		return fmt.Errorf("auth.Store.Refresh: empty access token")
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	next = withJWTExpiry(next)

	s.mu.Lock()
	s.token = next
	s.mu.Unlock()
	log.Info().Time("expiry", next.Expiry).Msg("access token refreshed")

	if s.path != "" {
		if err := SaveSession(s.path, next); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("persist session failed")
		}
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Opaque tokens report false.
func TokenExpiry(accessToken string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func withJWTExpiry(token *oauth2.Token) *oauth2.Token {
	cp := *token
	if cp.Expiry.IsZero() {
		if exp, ok := TokenExpiry(cp.AccessToken); ok {
			cp.Expiry = exp
		}
	}
	if cp.TokenType == "" {
		cp.TokenType = "Bearer"
	}
	return &cp
}

// LoadSession reads a persisted credential. A missing file yields nil, nil.
func LoadSession(path string) (*oauth2.Token, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth.LoadSession: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(buf, &token); err != nil {
		return nil, fmt.Errorf("auth.LoadSession: %w", err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, nil
	}
	return &token, nil
}

func SaveSession(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("auth.SaveSession: %w", err)
	}
	buf, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("auth.SaveSession: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("auth.SaveSession: %w", err)
	}
	return nil
}

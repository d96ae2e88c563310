package client

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"verse-sync/internal/protocol"
)

// Session holds the device's tokens. Concurrent refreshes collapse into one
// request.
type Session struct {
	mu       sync.Mutex
	access   string
	refresh  string
	group    singleflight.Group
	onChange func(protocol.TokenPair)
}

func NewSession(accessToken, refreshToken string) *Session {
	return &Session{access: strings.TrimSpace(accessToken), refresh: strings.TrimSpace(refreshToken)}
}

// OnChange registers a callback that receives every refreshed pair, e.g. to
// persist it.
func (s *Session) OnChange(fn func(protocol.TokenPair)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) AccessToken() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

func (s *Session) RefreshToken() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

func (s *Session) HasTokens() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access != "" || s.refresh != ""
}

// Set replaces both tokens, for example after signing in again.
func (s *Session) Set(pair protocol.TokenPair) {
	s.mu.Lock()
	s.access = pair.AccessToken
	s.refresh = pair.RefreshToken
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(pair)
	}
}

// Clear drops both tokens.
func (s *Session) Clear() {
	s.Set(protocol.TokenPair{})
}

type refreshFunc func(ctx context.Context, refreshToken string) (protocol.TokenPair, error)

// renew refreshes the access token unless another caller already replaced
// stale. Callers racing on the same stale token share one refresh.
func (s *Session) renew(ctx context.Context, stale string, fn refreshFunc) error {
	if cur := s.AccessToken(); cur != "" && cur != stale {
		return nil
	}
	refreshToken := s.RefreshToken()
	if refreshToken == "" {
		return ErrSessionExpired
	}
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		pair, err := fn(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		s.Set(pair)
		return nil, nil
	})
	return err
}

// Package auth holds the platform credential the publisher uses. It only tracks validity;
// obtaining or refreshing tokens happens elsewhere.
package auth

import (
	"errors"
	"sync"
	"time"

	logx "tweetq/pkg/logx"
)

// Provider is what the dispatch coordinator needs from the auth layer.
type Provider interface {
	IsValid() bool
	OnExpired(fn func())
}

var ErrEmptyToken = errors.New("auth: empty token")

// Session is a bearer-token session. It becomes invalid when Invalidate is called (the
// publisher saw an auth failure) or its expiry passes, and valid again after Restore.
type Session struct {
	mu        sync.Mutex
	token     string
	valid     bool
	expiresAt time.Time

	onExpired  []func()
	onRestored []func()

	now func() time.Time
	log logx.Logger
}

type Option func(*Session)

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }
func WithLogger(log logx.Logger) Option     { return func(s *Session) { s.log = log } }

// WithExpiry sets an absolute expiry for the initial token.
func WithExpiry(at time.Time) Option { return func(s *Session) { s.expiresAt = at } }

func NewSession(token string, opts ...Option) *Session {
	s := &Session{token: token, valid: token != "", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsValid reports whether a usable token is present. A token past its expiry is
// invalidated on the spot.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	valid := s.valid
	expired := valid && !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt)
	s.mu.Unlock()
	if expired {
		s.Invalidate("token expired")
		return false
	}
	return valid
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return ""
	}
	return s.token
}

// Invalidate marks the session expired and runs OnExpired callbacks once per transition.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	s.valid = false
	cbs := append([]func(){}, s.onExpired...)
	s.mu.Unlock()

	s.log.Warn("auth session expired", logx.String("reason", reason))
	for _, fn := range cbs {
		fn()
	}
}

// Restore installs a fresh token. OnRestored callbacks run when the session was invalid.
func (s *Session) Restore(token string, expiresAt time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	s.mu.Lock()
	was := s.valid
	s.token = token
	s.expiresAt = expiresAt
	s.valid = true
	cbs := append([]func(){}, s.onRestored...)
	s.mu.Unlock()

	if was {
		return nil
	}
	s.log.Info("auth session restored")
	for _, fn := range cbs {
		fn()
	}
	return nil
}

func (s *Session) OnExpired(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onExpired = append(s.onExpired, fn)
	s.mu.Unlock()
}

func (s *Session) OnRestored(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onRestored = append(s.onRestored, fn)
	s.mu.Unlock()
}

// Static is a Provider that is always valid. Used with the dry-run publisher.
type Static struct{}

func (Static) IsValid() bool     { return true }
func (Static) OnExpired(func()) {}

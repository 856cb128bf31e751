// Package session owns the authentication state shared by every transport:
// the bearer token, the logged-in flag, and the centralized auth-failure
// counter. Both the WebSocket auth-error path and the REST 401 path report
// into the same counter, so the two transports share one lockout policy.
package session

import (
	"log/slog"
	"sync"
)

const defaultFailureLimit = 3

// Store holds the auth token and login state. Transports read the token and
// may request it be cleared; they never own its storage.
type Store struct {
	logger *slog.Logger

	mu            sync.Mutex
	token         string
	authenticated bool
	failures      int
	failureLimit  int
	onLimit       func()
	subs          map[int]func(was, is bool)
	nextID        int
}

// NewStore creates a session store. failureLimit is the number of credential
// rejections (across all transports) after which the limit callback fires;
// zero or negative selects the default of 3.
func NewStore(logger *slog.Logger, failureLimit int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if failureLimit <= 0 {
		failureLimit = defaultFailureLimit
	}
	return &Store{
		logger:       logger,
		failureLimit: failureLimit,
		subs:         make(map[int]func(was, is bool)),
	}
}

// Token returns the current auth token, empty when logged out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken stores a fresh token and resets the failure counter.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.failures = 0
	s.mu.Unlock()
}

// ClearToken drops the stored token. Called by the WebSocket client when it
// locks out; the token itself stays owned here.
func (s *Store) ClearToken() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.mu.Unlock()
	if had {
		s.logger.Info("session: auth token cleared")
	}
}

// Authenticated reports the current login level.
func (s *Store) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SetAuthenticated records the login level and notifies subscribers of the
// transition. Subscribers see edges only: setting the same level twice
// delivers nothing, and registering a subscriber never replays the current
// level.
func (s *Store) SetAuthenticated(v bool) {
	s.mu.Lock()
	was := s.authenticated
	if was == v {
		s.mu.Unlock()
		return
	}
	s.authenticated = v
	subs := make([]func(was, is bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(was, v)
	}
}

// Subscribe registers an observer for login-state transitions. The returned
// closure removes it and is safe to call more than once.
func (s *Store) Subscribe(fn func(was, is bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// OnAuthFailureLimit registers the single callback invoked when the failure
// counter crosses the limit. The WebSocket client uses it to enter lock-out.
func (s *Store) OnAuthFailureLimit(fn func()) {
	s.mu.Lock()
	s.onLimit = fn
	s.mu.Unlock()
}

// ReportAuthFailure records one credential rejection. When the counter
// reaches the limit the registered callback is invoked (outside the store's
// lock) and the counter resets so a later manual reconnect starts clean.
func (s *Store) ReportAuthFailure(reason string) {
	s.mu.Lock()
	s.failures++
	count := s.failures
	var limitFn func()
	if count >= s.failureLimit {
		limitFn = s.onLimit
		s.failures = 0
	}
	s.mu.Unlock()

	s.logger.Warn("session: auth failure reported",
		"count", count, "limit", s.failureLimit, "reason", reason)

	if limitFn != nil {
		limitFn()
	}
}

// ResetAuthFailures zeroes the failure counter, used after a successful
// authentication or a manual reconnect.
func (s *Store) ResetAuthFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// AuthFailures reports the current counter value.
func (s *Store) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

package ingestion

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FeedStatus labels the health of one feed.
type FeedStatus string

const (
	// StatusInit is the state before the first completed cycle.
	StatusInit FeedStatus = "init"
	// StatusOK means the last cycle succeeded.
	StatusOK FeedStatus = "ok"
	// StatusBackoff means the feed answered with a retryable HTTP status.
	StatusBackoff FeedStatus = "backoff"
	// StatusUnauthorized means the feed rejected our credentials.
	StatusUnauthorized FeedStatus = "unauthorized"
	// StatusError means the last cycle failed below the HTTP layer
	// (network, timeout, malformed body).
	StatusError FeedStatus = "error"
)

const (
	// maxRetries caps the exponent of the backoff curve.
	maxRetries = 7
	// maxBackoff caps the delay itself.
	maxBackoff = 600 * time.Second
)

// ErrUnauthorized marks a 401/403 answer from a feed. Credential problems
// do not self-heal, so pollers must not back off faster on them.
var ErrUnauthorized = errors.New("feed credentials rejected")

// HTTPError reports a feed endpoint answering with a non-success status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Tokens carries HTTP conditional-request validators between cycles.
// The poller copies them out of the state before a fetch and commits them
// back on success; sources that support conditional requests read and
// update them in place.
type Tokens struct {
	ETag         string
	LastModified string
}

// StateSnapshot is a point-in-time copy of a feed's state for status
// reporting. Timestamps are RFC3339 strings, empty when unset.
type StateSnapshot struct {
	Source       string     `json:"source"`
	Status       FeedStatus `json:"status"`
	Message      string     `json:"message"`
	Retries      int        `json:"retries"`
	Failures     int        `json:"consecutive_failures"`
	LastFetch    string     `json:"last_fetch,omitempty"`
	BackoffUntil string     `json:"backoff_until,omitempty"`
}

// FeedState is the fetch/backoff state machine for one source. The owning
// poller goroutine is the only writer; other goroutines read through
// Snapshot and Status.
type FeedState struct {
	mu sync.RWMutex

	source      string
	backoffBase time.Duration

	status       FeedStatus
	message      string
	retries      int
	failures     int
	backoffUntil time.Time
	lastFetch    time.Time
	tokens       Tokens
}

// NewFeedState creates the state for one source. backoffBase is the first
// backoff delay; the per-feed poll interval is the usual choice.
func NewFeedState(source string, backoffBase time.Duration) *FeedState {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &FeedState{
		source:      source,
		backoffBase: backoffBase,
		status:      StatusInit,
		message:     "init",
	}
}

// Source returns the feed name this state belongs to.
func (s *FeedState) Source() string {
	return s.source
}

// Status returns the current status label.
func (s *FeedState) Status() FeedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Message returns the current human-readable status detail.
func (s *FeedState) Message() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.message
}

// Waiting reports whether the feed is inside its backoff window.
func (s *FeedState) Waiting(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Before(s.backoffUntil)
}

// Tokens returns a copy of the conditional-request validators.
func (s *FeedState) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// SetTokens commits validators captured during a successful fetch.
func (s *FeedState) SetTokens(tok Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tok
}

// Succeed records a successful cycle that produced n records. A 304
// "not modified" answer counts as a success with zero records.
func (s *FeedState) Succeed(now time.Time, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusOK
	s.message = fmt.Sprintf("ok (%d)", n)
	s.retries = 0
	s.failures = 0
	s.backoffUntil = time.Time{}
	s.lastFetch = now
}

// Fail records a transient failure and schedules the next attempt:
// retries grows to a cap of 7 and the delay doubles from the base up to
// 600s. The status label is backoff for coded HTTP answers and error for
// transport or parse failures; the arithmetic is identical.
func (s *FeedState) Fail(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retries < maxRetries {
		s.retries++
	}
	s.failures++

	delay := s.backoffBase << uint(s.retries-1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	s.backoffUntil = now.Add(delay)
	s.lastFetch = now

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		s.status = StatusBackoff
		s.message = fmt.Sprintf("backoff: http %d", httpErr.StatusCode)
	} else {
		s.status = StatusError
		s.message = fmt.Sprintf("error: %v", err)
	}
}

// Unauthorized records a credential failure. Retries and backoff stay
// untouched; the feed keeps its base cadence until the operator fixes the
// key. Failures still count toward degraded tracking.
func (s *FeedState) Unauthorized(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusUnauthorized
	s.message = "unauthorized"
	s.failures++
	s.lastFetch = now
}

// Retries returns the transient-failure count driving the backoff curve.
func (s *FeedState) Retries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries
}

// Failures returns the consecutive non-success cycle count.
func (s *FeedState) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// BackoffUntil returns the end of the current backoff window, zero when
// none is active.
func (s *FeedState) BackoffUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backoffUntil
}

// Snapshot returns a copy for status reporting.
func (s *FeedState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		Source:   s.source,
		Status:   s.status,
		Message:  s.message,
		Retries:  s.retries,
		Failures: s.failures,
	}
	if !s.lastFetch.IsZero() {
		snap.LastFetch = s.lastFetch.UTC().Format(time.RFC3339)
	}
	if !s.backoffUntil.IsZero() {
		snap.BackoffUntil = s.backoffUntil.UTC().Format(time.RFC3339)
	}
	return snap
}

package console

import (
	"crypto/subtle"
	"time"
)

// Lockout tracks failed console logins and enforces a growing backoff.
type Lockout struct {
	failures    int
	lastFailure time.Time
}

// Duration returns the lockout window for the current failure count.
func (l *Lockout) Duration() time.Duration {
	switch {
	case l.failures >= 10:
		return 5 * time.Minute
	case l.failures >= 5:
		return 30 * time.Second
	case l.failures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// Locked reports whether new connections should be rejected at now.
func (l *Lockout) Locked(now time.Time) bool {
	d := l.Duration()
	if d == 0 {
		return false
	}
	return now.Sub(l.lastFailure) < d
}

// Remaining returns how long the lockout still lasts.
func (l *Lockout) Remaining(now time.Time) time.Duration {
	if !l.Locked(now) {
		return 0
	}
	return l.Duration() - now.Sub(l.lastFailure)
}

// Failures returns the consecutive failure count.
func (l *Lockout) Failures() int {
	return l.failures
}

// RecordFailure counts a failed attempt.
func (l *Lockout) RecordFailure(now time.Time) {
	l.failures++
	l.lastFailure = now
}

// Reset clears the failure counter after a successful login.
func (l *Lockout) Reset() {
	l.failures = 0
}

// CheckPassword compares got against want in constant time. An empty want
// never matches, so an unset password keeps the console closed.
func CheckPassword(got, want []byte) bool {
	if len(want) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

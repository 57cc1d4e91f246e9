// Package lockout tracks consecutive failed sign-ins and enforces a timed lock.
//
// Guard methods are pure state transitions. Callers serialize them per
// account and persist the returned state.
package lockout

import (
	"time"

	"account-security/internal/models"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 15 * time.Minute
)

type Status int

const (
	Unlocked Status = iota
	Locked
)

func (s Status) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

type Guard struct {
	threshold int
	window    time.Duration
}

func NewGuard(threshold int, window time.Duration) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{threshold: threshold, window: window}
}

func (g *Guard) Threshold() int { return g.threshold }

func (g *Guard) Window() time.Duration { return g.window }

// CheckAllowed reports whether an attempt may proceed and, if not, how long
// until the lock lifts.
func (g *Guard) CheckAllowed(state models.SecurityState, now time.Time) (bool, time.Duration) {
	if state.LockedUntil != nil && state.LockedUntil.After(now) {
		return false, state.LockedUntil.Sub(now)
	}
	return true, 0
}

func (g *Guard) Status(state models.SecurityState, now time.Time) Status {
	if allowed, _ := g.CheckAllowed(state, now); !allowed {
		return Locked
	}
	return Unlocked
}

// RecordFailure counts one failed attempt. Reaching the threshold locks the
// account for the window; failures during an active lock never extend it. A
// lock that has already elapsed starts a fresh count.
func (g *Guard) RecordFailure(state models.SecurityState, now time.Time) models.SecurityState {
	next := state
	if next.LockedUntil != nil && !next.LockedUntil.After(now) {
		next.FailedAttemptCount = 0
		next.LockedUntil = nil
	}

	next.FailedAttemptCount++
	failedAt := now
	next.LastFailedAt = &failedAt

	if next.FailedAttemptCount >= g.threshold && next.LockedUntil == nil {
		until := now.Add(g.window)
		next.LockedUntil = &until
	}
	return next
}

// RecordSuccess clears failure tracking and remembers the sign-in environment.
func (g *Guard) RecordSuccess(state models.SecurityState, ip, clientSignature string, now time.Time) models.SecurityState {
	next := state
	next.FailedAttemptCount = 0
	next.LastFailedAt = nil
	next.LockedUntil = nil
	next.LastLoginIP = ip
	next.LastLoginClientSignature = clientSignature
	return next
}

// JustLocked reports whether the transition from before to after engaged a lock.
func JustLocked(before, after models.SecurityState) bool {
	return after.LockedUntil != nil && (before.LockedUntil == nil || !before.LockedUntil.Equal(*after.LockedUntil))
}

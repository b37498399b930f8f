// Package engine implements the app-usage time-limit monitor: it tracks
// cumulative foreground time of named entities per user and fires callbacks
// when a caller-registered limit is reached or a usage session ends.
//
// The package has no knowledge of how start/stop events are produced, how
// callbacks reach a remote client, or how observer registrations might
// survive a restart — those are the host's concerns. The engine consumes an
// injectable clock and a Notifier sink.
package engine

import (
	"errors"
	"fmt"
)

// UserID identifies the user whose foreground activity is being tracked.
type UserID int32

// UID identifies the app that registered an observer.
type UID int32

// ObserverID is a uid-scoped identifier distinguishing one observer
// registration from another. Re-registering the same id replaces the prior
// observer of that kind.
type ObserverID int32

// Entity is an opaque named unit of usage: an app package, or a caller-defined
// group token. Entities are compared by equality.
type Entity = string

// Callback is an opaque, client-supplied token passed through to the Notifier
// unchanged. The engine never interprets it. In the system this engine is
// modeled on, the equivalent value is a platform PendingIntent; here it is
// whatever the host wants delivered back (a URL, a message struct, a channel).
type Callback = any

// Notifier is the sink the engine delivers limit-crossing and session-end
// events to. Implementations are called best-effort: the engine does not
// observe or retry on error, and calls may happen while the engine's internal
// lock is held (see Controller's doc comment).
type Notifier interface {
	// OnLimitReached fires at most once per AppUsageGroup (and at most once
	// per session for a SessionUsageGroup), the first time usageTimeMs
	// crosses timeLimitMs.
	OnLimitReached(observerID ObserverID, userID UserID, timeLimitMs, timeElapsedMs int64, callback Callback)

	// OnSessionEnd fires when a SessionUsageGroup's idle gap after a
	// limit-exceeding session has persisted past newSessionThresholdMs.
	OnSessionEnd(observerID ObserverID, userID UserID, timeElapsedMs int64, callback Callback)
}

// Sentinel errors reported synchronously from registration and event APIs.
// Use errors.Is to check the kind; the returned error additionally wraps
// contextual detail for logging.
var (
	// ErrInvalidArgument reports a timeLimitMs below the configured minimum,
	// or an empty observed-entity set.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrQuotaExceeded reports a uid at its per-kind observer cap.
	ErrQuotaExceeded = errors.New("engine: observer quota exceeded")

	// ErrAlreadyActive reports noteUsageStart called for an entity already
	// in the started state for that user.
	ErrAlreadyActive = errors.New("engine: entity already active")

	// ErrNotActive reports noteUsageStop called for an entity that is not
	// currently started for that user.
	ErrNotActive = errors.New("engine: entity not active")
)

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func quotaExceededf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrQuotaExceeded, fmt.Sprintf(format, args...))
}

func alreadyActivef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAlreadyActive, fmt.Sprintf(format, args...))
}

func notActivef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotActive, fmt.Sprintf(format, args...))
}

// groupKind distinguishes the two UsageGroup variants sharing the
// groupKey/observedIndex machinery.
type groupKind uint8

const (
	kindApp groupKind = iota
	kindSession
)

func (k groupKind) String() string {
	if k == kindSession {
		return "session"
	}
	return "app"
}

// groupKey identifies a UsageGroup without holding a reference to it. Timer
// payloads and the per-user observedIndex carry keys rather than pointers:
// the Controller owns the arenas (userState, observerAppData) and resolves a
// key under its lock at dispatch time. A group removed before a pending timer
// fires simply yields no hit and the firing no-ops — see DESIGN.md for why
// this replaces the weak-reference design of the system this engine models.
type groupKey struct {
	userID     UserID
	uid        UID
	observerID ObserverID
	kind       groupKind
}

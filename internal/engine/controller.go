package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/apptimelimit/internal/clock"
)

// Controller is the app-usage time-limit monitor's single entry point. It
// owns every UserState and observerAppData in the process behind one mutex:
// all registration and accounting operations run fully serialized, and
// Notifier callbacks are delivered synchronously under c.mu from the Timer
// Service's goroutine (see deliver and scheduler.go), not from the
// goroutine that triggered the crossing. A Notifier must not call back into
// the Controller from within a callback; doing so deadlocks against the
// lock deliver is still holding.
//
// The Controller has no knowledge of how start/stop events are produced or
// how a Callback reaches its destination; it only tracks elapsed foreground
// time per entity and fires Notifier when a registered limit is crossed.
type Controller struct {
	cfg      Config
	clk      clock.Clock
	notifier Notifier
	log      zerolog.Logger

	mu    sync.Mutex
	users map[UserID]*userState
	apps  *observerRegistry
	sched scheduler

	metrics metricsRecorder
}

// metricsRecorder is the subset of internal/metrics the Controller reports
// through. Defined here so the package does not import internal/metrics
// directly; the host wires a concrete implementation (or NopMetrics) in at
// construction.
type metricsRecorder interface {
	ObserverRegistered(kind string)
	ObserverRemoved(kind string)
	LimitReached(kind string)
	SessionEnded()
	ObserverAppEvicted()
	ActiveEntities(delta int)
	PendingTimers(n int)
}

// NopMetrics is a metricsRecorder that discards everything, the default when
// a host does not care to wire Prometheus in.
type NopMetrics struct{}

func (NopMetrics) ObserverRegistered(string) {}
func (NopMetrics) ObserverRemoved(string)    {}
func (NopMetrics) LimitReached(string)       {}
func (NopMetrics) SessionEnded()             {}
func (NopMetrics) ObserverAppEvicted()       {}
func (NopMetrics) ActiveEntities(delta int)  {}
func (NopMetrics) PendingTimers(n int)       {}

// NewController builds a Controller. notifier and log must not be nil; clk
// defaults to the real system clock if nil, and metrics defaults to
// NopMetrics if nil.
func NewController(cfg Config, clk clock.Clock, notifier Notifier, metrics metricsRecorder, log zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	c := &Controller{
		cfg:      cfg,
		clk:      clk,
		notifier: notifier,
		log:      log.With().Str("component", "engine").Logger(),
		users:    make(map[UserID]*userState),
		metrics:  metrics,
	}
	c.apps = newObserverRegistry(cfg.IdleObserverAppCacheSize, c.log, c.metrics.ObserverAppEvicted)
	real := newRealScheduler(c.deliver)
	real.setOnSizeChange(c.metrics.PendingTimers)
	c.sched = real
	return c
}

// Close stops the Timer Service. No further timer-driven notifications fire
// after this returns; pending CHECK_TIMEOUT/INFORM_* messages are discarded.
func (c *Controller) Close() {
	c.sched.stop()
}

// noteActiveLocked catches a freshly registered group up to the observed
// entities that are already active: it calls noteUsageStart once per active
// entity in observed, not once overall, matching the register-time behavior
// of the system this engine models. A group registered while more than one
// of its observed entities is already active starts with actives already
// above 1, the same cold-start state a run of unconditional per-entity
// start events would produce.
func (c *Controller) noteActiveLocked(user *userState, g usageGroup, observed []Entity, nowMs int64) {
	for _, e := range observed {
		if user.isActive(e) {
			g.noteUsageStart(nowMs)
		}
	}
}

func (c *Controller) userFor(userID UserID) *userState {
	u, ok := c.users[userID]
	if !ok {
		u = newUserState(userID)
		c.users[userID] = u
	}
	return u
}

// AddAppUsageObserver registers (or replaces) an app usage observer: the
// Controller fires callback once via Notifier.OnLimitReached the first time
// the combined foreground time of observed reaches timeLimitMs, then removes
// the registration. Re-registering the same (uid, observerID) replaces the
// prior registration and its accumulated usage.
func (c *Controller) AddAppUsageObserver(userID UserID, uid UID, observerID ObserverID, observed []Entity, timeLimitMs int64, callback Callback) error {
	if len(observed) == 0 {
		return invalidArgf("observed entity set must not be empty")
	}
	if timeLimitMs < c.cfg.MinTimeLimitMs {
		return invalidArgf("timeLimitMs %d below minimum %d", timeLimitMs, c.cfg.MinTimeLimitMs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.apps.get(uid)
	if _, exists := data.appGroups[observerID]; !exists && len(data.appGroups) >= c.cfg.MaxAppObserversPerUID {
		return quotaExceededf("uid %d already has %d app usage observers", uid, c.cfg.MaxAppObserversPerUID)
	}

	c.removeAppGroupLocked(uid, observerID)

	user := c.userFor(userID)
	// onRemove runs from deliverLimitReached, itself only ever invoked by
	// deliver with c.mu already held: it must not re-lock.
	g := newAppUsageGroup(observerID, userID, uid, observed, timeLimitMs, callback, c.sched, c.log, c.notifier, func() {
		c.removeAppGroupLocked(uid, observerID)
	})
	data.appGroups[observerID] = g
	user.addGroup(g.key(), observed)
	c.noteActiveLocked(user, g, observed, c.clk.Now())
	c.metrics.ObserverRegistered("app")
	return nil
}

// RemoveAppUsageObserver cancels a previously registered app usage observer.
// Removing a nonexistent observer is a no-op, matching the idempotent
// removal semantics the original implementation this engine models exposes.
func (c *Controller) RemoveAppUsageObserver(uid UID, observerID ObserverID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeAppGroupLocked(uid, observerID)
}

func (c *Controller) removeAppGroupLocked(uid UID, observerID ObserverID) {
	data, ok := c.apps.peek(uid)
	if !ok {
		return
	}
	g, ok := data.appGroups[observerID]
	if !ok {
		return
	}
	delete(data.appGroups, observerID)
	g.cancelCheckTimeout()
	c.sched.cancel(msgInformLimitReached, g.key())
	if user, ok := c.users[g.userID]; ok {
		user.removeGroup(g.key(), g.observed)
		c.dropUserIfEmptyLocked(user)
	}
	c.apps.markIfEmpty(uid)
	c.metrics.ObserverRemoved("app")
}

// AddUsageSessionObserver registers (or replaces) a usage session observer:
// Notifier.OnLimitReached fires each time a session's combined foreground
// time crosses timeLimitMs, and Notifier.OnSessionEnd fires once the
// observed entities have stayed idle for sessionThresholdMs afterward.
func (c *Controller) AddUsageSessionObserver(userID UserID, uid UID, observerID ObserverID, observed []Entity, timeLimitMs, sessionThresholdMs int64, callback Callback) error {
	if len(observed) == 0 {
		return invalidArgf("observed entity set must not be empty")
	}
	if timeLimitMs < c.cfg.MinTimeLimitMs {
		return invalidArgf("timeLimitMs %d below minimum %d", timeLimitMs, c.cfg.MinTimeLimitMs)
	}
	if sessionThresholdMs < 0 {
		return invalidArgf("sessionThresholdMs must be non-negative, got %d", sessionThresholdMs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.apps.get(uid)
	if _, exists := data.sessionGroups[observerID]; !exists && len(data.sessionGroups) >= c.cfg.MaxSessionObserversPerUID {
		return quotaExceededf("uid %d already has %d usage session observers", uid, c.cfg.MaxSessionObserversPerUID)
	}

	c.removeSessionGroupLocked(uid, observerID)

	user := c.userFor(userID)
	g := newSessionUsageGroup(observerID, userID, uid, observed, timeLimitMs, sessionThresholdMs, callback, c.sched, c.log, c.notifier)
	data.sessionGroups[observerID] = g
	user.addGroup(g.key(), observed)
	c.noteActiveLocked(user, g, observed, c.clk.Now())
	c.metrics.ObserverRegistered("session")
	return nil
}

// RemoveUsageSessionObserver cancels a previously registered usage session
// observer. Removing a nonexistent observer is a no-op.
func (c *Controller) RemoveUsageSessionObserver(uid UID, observerID ObserverID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeSessionGroupLocked(uid, observerID)
}

func (c *Controller) removeSessionGroupLocked(uid UID, observerID ObserverID) {
	data, ok := c.apps.peek(uid)
	if !ok {
		return
	}
	g, ok := data.sessionGroups[observerID]
	if !ok {
		return
	}
	delete(data.sessionGroups, observerID)
	g.cancelCheckTimeout()
	c.sched.cancel(msgInformLimitReached, g.key())
	c.sched.cancel(msgInformSessionEnd, g.key())
	if user, ok := c.users[g.userID]; ok {
		user.removeGroup(g.key(), g.observed)
		c.dropUserIfEmptyLocked(user)
	}
	c.apps.markIfEmpty(uid)
	c.metrics.ObserverRemoved("session")
}

// NoteUsageStart records that entity has come to the foreground for userID.
// It is an error to call this for an entity already marked started for that
// user; the caller is expected to pair every start with exactly one stop.
// Every group observing entity gets its own noteUsageStart call, even when
// another of its observed entities is already active: usageGroupBase's
// actives counter, not this dispatch, is what collapses overlapping
// activity down to a single counted period.
func (c *Controller) NoteUsageStart(userID UserID, entity Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user := c.userFor(userID)
	if user.isActive(entity) {
		return alreadyActivef("entity %q already active for user %d", entity, userID)
	}

	user.markActive(entity)
	now := c.clk.Now()
	for _, key := range user.groupsFor(entity) {
		if g := c.apps.lookup(key); g != nil {
			g.noteUsageStart(now)
		}
	}
	c.metrics.ActiveEntities(1)
	return nil
}

// NoteUsageStop records that entity has left the foreground for userID. It
// is an error to call this for an entity not currently marked started.
// Every affected group gets its own noteUsageStop call regardless of whether
// another observed entity in the group is still active, mirroring
// NoteUsageStart's dispatch.
func (c *Controller) NoteUsageStop(userID UserID, entity Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user := c.userFor(userID)
	if !user.isActive(entity) {
		return notActivef("entity %q not active for user %d", entity, userID)
	}

	affected := user.groupsFor(entity)
	user.markInactive(entity)
	now := c.clk.Now()
	for _, key := range affected {
		if g := c.apps.lookup(key); g != nil {
			g.noteUsageStop(now)
		}
	}
	c.dropUserIfEmptyLocked(user)
	c.metrics.ActiveEntities(-1)
	return nil
}

// OnUserRemoved tears down all accounting state scoped to userID: its
// started entities, and every observer group registered against it. A
// removed user's observer registrations are gone too, not merely idle.
func (c *Controller) OnUserRemoved(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[userID]
	if !ok {
		return
	}

	seen := make(map[groupKey]bool)
	for _, keys := range user.observedIndex {
		// removeGroup shrinks this slice in place; walk a copy.
		keys = append([]groupKey(nil), keys...)
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true
			switch key.kind {
			case kindApp:
				c.removeAppGroupLocked(key.uid, key.observerID)
			case kindSession:
				c.removeSessionGroupLocked(key.uid, key.observerID)
			}
		}
	}
	c.metrics.ActiveEntities(-len(user.active))
	delete(c.users, userID)
}

func (c *Controller) dropUserIfEmptyLocked(user *userState) {
	if user.empty() {
		delete(c.users, user.userID)
	}
}

// deliver is the scheduler's deliverFunc: it reacquires the lock, resolves
// key against the current arena state, and dispatches to the matching
// handler. A key that no longer resolves to anything (the group was removed
// after the message was posted but before it fired) is logged at debug and
// dropped; this is the ordinary, expected outcome of the arena+key design
// replacing reference-based cancellation, not an error condition.
func (c *Controller) deliver(kind messageKind, key groupKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case msgCheckTimeout:
		g := c.apps.lookup(key)
		if g == nil {
			c.log.Debug().Interface("key", key).Msg("stale CHECK_TIMEOUT for removed group, dropped")
			return
		}
		g.checkTimeout(c.clk.Now())

	case msgInformLimitReached:
		g := c.apps.lookup(key)
		if g == nil {
			c.log.Debug().Interface("key", key).Msg("stale INFORM_LIMIT_REACHED for removed group, dropped")
			return
		}
		g.deliverLimitReached(c.clk.Now())
		c.metrics.LimitReached(key.kind.String())

	case msgInformSessionEnd:
		data, ok := c.apps.apps[key.uid]
		if !ok {
			c.log.Debug().Interface("key", key).Msg("stale INFORM_SESSION_END for removed uid, dropped")
			return
		}
		g, ok := data.sessionGroups[key.observerID]
		if !ok {
			c.log.Debug().Interface("key", key).Msg("stale INFORM_SESSION_END for removed group, dropped")
			return
		}
		g.informSessionEnd(c.clk.Now())
		c.metrics.SessionEnded()
	}
}

// Dump renders a diagnostic text summary of every tracked user and observer
// app, intended for an operator-facing CLI (cmd/limitd's dump command) or a
// debug log line, not for programmatic consumption.
func (c *Controller) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "users: %d\n", len(c.users))
	for userID, user := range c.users {
		fmt.Fprintf(&b, "  user %d: %d active entities, %d observed entities\n", userID, len(user.active), len(user.observedIndex))
	}
	fmt.Fprintf(&b, "observer apps: %d\n", len(c.apps.apps))
	for uid, data := range c.apps.apps {
		fmt.Fprintf(&b, "  uid %d: %d app observers, %d session observers\n", uid, len(data.appGroups), len(data.sessionGroups))
		for observerID, g := range data.appGroups {
			fmt.Fprintf(&b, "    app observer %d: usageTimeMs=%d timeLimitMs=%d actives=%d\n", observerID, g.usageTimeMs, g.timeLimitMs, g.actives)
		}
		for observerID, g := range data.sessionGroups {
			fmt.Fprintf(&b, "    session observer %d: usageTimeMs=%d timeLimitMs=%d actives=%d limitReached=%v\n", observerID, g.usageTimeMs, g.timeLimitMs, g.actives, g.limitReached)
		}
	}
	return b.String()
}

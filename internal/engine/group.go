package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// notStarted is a sentinel "no timestamp recorded yet" value used for
// sessionUsageGroup.lastUsageEndMs. A real timestamp is always non-negative.
const notStarted = -1

// usageGroupVariant is implemented by appUsageGroup and sessionUsageGroup.
// deliverLimitReached runs when a previously posted msgInformLimitReached
// message comes due; each variant reacts differently (an app group notifies
// once and removes itself, a session group notifies and keeps running until
// session end). This stands in for the abstract-method-in-a-base-class shape
// of the system this engine models, which Go does not have a direct
// equivalent of.
type usageGroupVariant interface {
	deliverLimitReached(nowMs int64)
}

// usageGroupBase holds the accounting state and CHECK_TIMEOUT scheduling
// shared by AppUsageGroup and SessionUsageGroup. It tracks, for one
// (observer, set of observed entities) registration, how much foreground
// time has accumulated and whether the configured limit has been crossed.
//
// actives counts noteUsageStart calls not yet matched by noteUsageStop,
// exactly mirroring the original controller's mActives: the Controller calls
// noteUsageStart/noteUsageStop once per observed entity transition, not once
// per group, so a group observing several entities that become active
// together can see actives run above 1 before the first one stops. Only the
// 0-to-1 transition opens a new counted period and the last-to-0 transition
// closes it; everything in between is a no-op bounds check. This is
// deliberate, not a bug: §9 of the behavior this models calls the resulting
// double-count an open ambiguity and asks for it to be reproduced with a
// clamp-and-log safety net rather than silently special-cased away.
type usageGroupBase struct {
	kind       groupKind
	observerID ObserverID
	userID     UserID
	uid        UID
	observed   []Entity

	timeLimitMs int64
	callback    Callback

	usageTimeMs          int64
	actives              int
	lastKnownUsageTimeMs int64
	limitReached         bool

	sched scheduler
	log   zerolog.Logger
}

// usageGroup is the interface the Controller dispatches through: both
// appUsageGroup and sessionUsageGroup satisfy it, the former via
// usageGroupBase's promoted methods plus its own deliverLimitReached, the
// latter also overriding noteUsageStart and noteUsageStop to add
// session-boundary handling.
type usageGroup interface {
	usageGroupVariant
	key() groupKey
	isActive() bool
	noteUsageStart(nowMs int64)
	noteUsageStop(nowMs int64)
	checkTimeout(nowMs int64)
}

func newUsageGroupBase(kind groupKind, observerID ObserverID, userID UserID, uid UID, observed []Entity, timeLimitMs int64, callback Callback, sched scheduler, log zerolog.Logger) usageGroupBase {
	return usageGroupBase{
		kind:        kind,
		observerID:  observerID,
		userID:      userID,
		uid:         uid,
		observed:    observed,
		timeLimitMs: timeLimitMs,
		callback:    callback,
		sched:       sched,
		log:         log,
	}
}

func (g *usageGroupBase) key() groupKey {
	return groupKey{userID: g.userID, uid: g.uid, observerID: g.observerID, kind: g.kind}
}

func (g *usageGroupBase) isActive() bool {
	return g.actives > 0
}

// noteUsageStart is called once per observed-entity start event reaching
// this group, not once per group activation: the Controller fans a single
// entity start out to every group observing it, unconditionally. Only the
// transition from 0 to 1 actually opens a counted period and arms
// CHECK_TIMEOUT; further calls while already active just bump the counter,
// with a clamp-and-log recovery if it runs past the number of entities the
// group observes (more starts than distinct observed entities means two
// starts landed for the same entity without an intervening stop).
func (g *usageGroupBase) noteUsageStart(nowMs int64) {
	g.actives++
	if g.actives == 1 {
		g.lastKnownUsageTimeMs = nowMs
		if remaining := g.timeLimitMs - g.usageTimeMs; remaining > 0 {
			g.scheduleCheckTimeout(remaining)
		}
		return
	}
	if g.actives > len(g.observed) {
		g.log.Error().
			Int32("observerId", int32(g.observerID)).
			Int32("userId", int32(g.userID)).
			Int("actives", g.actives).
			Strs("observed", entitiesToStrings(g.observed)).
			Msg("too many noted usage starts, clamping active count")
		g.actives = len(g.observed)
	}
}

// noteUsageStop is the mirror of noteUsageStart: called once per observed
// entity stop event. Only the transition to 0 closes the counted period,
// folding its elapsed time into usageTimeMs, checking whether that push
// crosses the limit, and cancelling the pending CHECK_TIMEOUT. A count that
// goes negative is clamped to zero and logged rather than allowed to
// corrupt later accounting.
func (g *usageGroupBase) noteUsageStop(nowMs int64) {
	g.actives--
	if g.actives == 0 {
		delta := nowMs - g.lastKnownUsageTimeMs
		if delta < 0 {
			g.log.Warn().
				Int32("observerId", int32(g.observerID)).
				Int64("lastKnownUsageTimeMs", g.lastKnownUsageTimeMs).
				Int64("nowMs", nowMs).
				Msg("usage clock moved backwards since period start, clamping elapsed time to zero")
			delta = 0
		}
		g.usageTimeMs += delta
		g.checkLimitCrossed()
		g.cancelCheckTimeout()
		return
	}
	if g.actives < 0 {
		g.log.Error().
			Int32("observerId", int32(g.observerID)).
			Int32("userId", int32(g.userID)).
			Strs("observed", entitiesToStrings(g.observed)).
			Msg("too many noted usage stops, clamping active count")
		g.actives = 0
	}
}

// checkTimeout runs when a previously scheduled CHECK_TIMEOUT fires. It is a
// no-op once the limit has already been crossed (remaining <= 0, so nothing
// left to check) or while the group is not active, so a stale timer for a
// group that has since stopped is likewise a no-op. A timer for a removed
// group never reaches this: the Controller resolves groupKey afresh before
// calling it and drops a key that no longer resolves.
func (g *usageGroupBase) checkTimeout(nowMs int64) {
	remaining := g.timeLimitMs - g.usageTimeMs
	if remaining <= 0 || !g.isActive() {
		return
	}
	used := nowMs - g.lastKnownUsageTimeMs
	if remaining <= used {
		g.usageTimeMs += used
		g.lastKnownUsageTimeMs = nowMs
		g.checkLimitCrossed()
		return
	}
	g.scheduleCheckTimeout(remaining - used)
}

// checkLimitCrossed posts a msgInformLimitReached message the first time
// usageTimeMs reaches timeLimitMs. The notification is delivered via the
// scheduler rather than called inline here so that the variant's callback
// invocation (which may do arbitrary host-side work through Notifier) never
// runs while the caller that pushed usageTimeMs over the limit is still
// inside its own call into the Controller.
func (g *usageGroupBase) checkLimitCrossed() {
	if g.limitReached || g.usageTimeMs < g.timeLimitMs {
		return
	}
	g.limitReached = true
	g.sched.post(msgInformLimitReached, g.key(), 0)
}

func (g *usageGroupBase) scheduleCheckTimeout(delayMs int64) {
	if delayMs < 0 {
		delayMs = 0
	}
	g.sched.post(msgCheckTimeout, g.key(), time.Duration(delayMs)*time.Millisecond)
}

func (g *usageGroupBase) cancelCheckTimeout() {
	g.sched.cancel(msgCheckTimeout, g.key())
}

// entitiesToStrings renders observed entities for structured log fields.
func entitiesToStrings(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = string(e)
	}
	return out
}

package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// sessionUsageGroup backs a usage-session observer. Unlike appUsageGroup it
// is never removed on limit reached: once the observed entities fall idle
// for newSessionThresholdMs after a limit-exceeding session, it reports
// session end and resets, ready to accumulate and report again on the next
// session.
type sessionUsageGroup struct {
	usageGroupBase
	notifier              Notifier
	newSessionThresholdMs int64
	lastUsageEndMs        int64
	sessionEndPending     bool
}

func newSessionUsageGroup(observerID ObserverID, userID UserID, uid UID, observed []Entity, timeLimitMs, newSessionThresholdMs int64, callback Callback, sched scheduler, log zerolog.Logger, notifier Notifier) *sessionUsageGroup {
	return &sessionUsageGroup{
		usageGroupBase:        newUsageGroupBase(kindSession, observerID, userID, uid, observed, timeLimitMs, callback, sched, log),
		notifier:              notifier,
		newSessionThresholdMs: newSessionThresholdMs,
		lastUsageEndMs:        notStarted,
	}
}

// noteUsageStart resumes accounting. Only the transition from no observed
// entity active to at least one active can start a new session, regardless
// of whether the prior session ever crossed its limit: if the gap since the
// previous stop exceeds newSessionThresholdMs, accounting restarts from
// zero. Either way, any still-pending INFORM_SESSION_END is cancelled — the
// entities are active again, so the session has not ended.
func (g *sessionUsageGroup) noteUsageStart(nowMs int64) {
	if !g.isActive() {
		if g.lastUsageEndMs != notStarted && nowMs-g.lastUsageEndMs > g.newSessionThresholdMs {
			g.startNewSession()
		}
		if g.sessionEndPending {
			g.sched.cancel(msgInformSessionEnd, g.key())
			g.sessionEndPending = false
		}
	}
	g.usageGroupBase.noteUsageStart(nowMs)
}

// noteUsageStop closes the counted period. Only once the last observed
// entity has stopped (actives back to 0) does it record the session's end
// time and, if the session's limit has been crossed, arm the
// INFORM_SESSION_END timer for newSessionThresholdMs after this stop. Each
// such stop re-arms the timer relative to itself, so a session only ends
// once the observed entities have stayed idle for the full threshold with no
// further activity pushing the deadline out.
func (g *sessionUsageGroup) noteUsageStop(nowMs int64) {
	g.usageGroupBase.noteUsageStop(nowMs)
	if g.isActive() {
		return
	}
	g.lastUsageEndMs = nowMs
	if g.limitReached {
		if g.sessionEndPending {
			g.sched.cancel(msgInformSessionEnd, g.key())
		}
		g.sessionEndPending = true
		g.sched.post(msgInformSessionEnd, g.key(), time.Duration(g.newSessionThresholdMs)*time.Millisecond)
	}
}

// deliverLimitReached delivers the limit-reached notification without
// removing the group: a session group keeps accounting until
// informSessionEnd resets it.
func (g *sessionUsageGroup) deliverLimitReached(nowMs int64) {
	g.log.Info().
		Int32("observerId", int32(g.observerID)).
		Int32("userId", int32(g.userID)).
		Int64("timeLimitMs", g.timeLimitMs).
		Int64("usageTimeMs", g.usageTimeMs).
		Msg("usage session limit reached")
	g.notifier.OnLimitReached(g.observerID, g.userID, g.timeLimitMs, g.usageTimeMs, g.callback)
}

// informSessionEnd runs when a scheduled INFORM_SESSION_END fires: the
// observed entities have been idle for the full threshold since the last
// stop of a limit-exceeding session. It reports session end and resets
// accounting so the group is ready to detect a fresh limit crossing on the
// next session.
func (g *sessionUsageGroup) informSessionEnd(nowMs int64) {
	if !g.sessionEndPending {
		return
	}
	g.sessionEndPending = false
	g.log.Info().
		Int32("observerId", int32(g.observerID)).
		Int32("userId", int32(g.userID)).
		Int64("usageTimeMs", g.usageTimeMs).
		Msg("usage session ended")
	g.notifier.OnSessionEnd(g.observerID, g.userID, g.usageTimeMs, g.callback)
	g.startNewSession()
}

func (g *sessionUsageGroup) startNewSession() {
	if g.sessionEndPending {
		g.sched.cancel(msgInformSessionEnd, g.key())
		g.sessionEndPending = false
	}
	g.usageTimeMs = 0
	g.limitReached = false
}

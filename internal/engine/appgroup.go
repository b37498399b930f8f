package engine

import (
	"github.com/rs/zerolog"
)

// appUsageGroup backs an app usage observer: once its observed entities'
// combined usage reaches timeLimitMs, it notifies once via
// deliverLimitReached and then removes itself. A caller wanting to be
// notified again must re-register.
type appUsageGroup struct {
	usageGroupBase
	notifier Notifier
	onRemove func()
}

func newAppUsageGroup(observerID ObserverID, userID UserID, uid UID, observed []Entity, timeLimitMs int64, callback Callback, sched scheduler, log zerolog.Logger, notifier Notifier, onRemove func()) *appUsageGroup {
	return &appUsageGroup{
		usageGroupBase: newUsageGroupBase(kindApp, observerID, userID, uid, observed, timeLimitMs, callback, sched, log),
		notifier:       notifier,
		onRemove:       onRemove,
	}
}

// deliverLimitReached delivers the one-shot INFORM_LIMIT_REACHED
// notification and removes the group from its owning arenas. Removal happens
// synchronously so that a subsequent noteUsageStart for the same entities
// finds no group to re-trigger on.
func (g *appUsageGroup) deliverLimitReached(nowMs int64) {
	g.log.Info().
		Int32("observerId", int32(g.observerID)).
		Int32("userId", int32(g.userID)).
		Int64("timeLimitMs", g.timeLimitMs).
		Int64("usageTimeMs", g.usageTimeMs).
		Msg("app usage limit reached")
	g.notifier.OnLimitReached(g.observerID, g.userID, g.timeLimitMs, g.usageTimeMs, g.callback)
	g.cancelCheckTimeout()
	if g.onRemove != nil {
		g.onRemove()
	}
}

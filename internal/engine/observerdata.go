package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// observerAppData holds every observer a single uid has registered, split by
// kind. The Controller keeps one of these per uid that has registered an
// observer, until observerRegistry reclaims it as idle.
type observerAppData struct {
	uid           UID
	appGroups     map[ObserverID]*appUsageGroup
	sessionGroups map[ObserverID]*sessionUsageGroup
}

func newObserverAppData(uid UID) *observerAppData {
	return &observerAppData{
		uid:           uid,
		appGroups:     make(map[ObserverID]*appUsageGroup),
		sessionGroups: make(map[ObserverID]*sessionUsageGroup),
	}
}

func (d *observerAppData) empty() bool {
	return len(d.appGroups) == 0 && len(d.sessionGroups) == 0
}

func (d *observerAppData) lookup(key groupKey) usageGroup {
	switch key.kind {
	case kindApp:
		if g, ok := d.appGroups[key.observerID]; ok {
			return g
		}
	case kindSession:
		if g, ok := d.sessionGroups[key.observerID]; ok {
			return g
		}
	}
	return nil
}

// observerRegistry owns the observerAppData arena, keyed by uid, plus a
// bounded LRU of uids eligible for idle reclamation. A uid enters the LRU
// only once its observerAppData becomes empty (its last observer removed);
// it is evicted from the arena, rather than kept forever, the moment the LRU
// needs room. A uid with any live observer is never placed in the LRU, so it
// is never a candidate for eviction while it has registrations outstanding.
//
// This mirrors the bounded lru.Cache the CA's certificate cache uses to cap
// how many generated certificates it holds in memory at once, applied here
// to cap how many long-idle, observer-free uids this engine remembers.
type observerRegistry struct {
	log zerolog.Logger

	apps map[UID]*observerAppData

	// idle is an LRU of uids whose observerAppData is currently empty. Its
	// OnEvict callback deletes the evicted uid from apps. size<=0 disables
	// eviction entirely (entries in apps are then kept for the registry's
	// lifetime).
	idle *lru.Cache[UID, struct{}]

	evictedTotal func()
}

// newObserverRegistry builds a registry whose idle-uid cache holds at most
// size empty observerAppData entries before reclaiming the least-recently-
// touched one. size<=0 disables eviction.
func newObserverRegistry(size int, log zerolog.Logger, onEvicted func()) *observerRegistry {
	r := &observerRegistry{
		log:          log,
		apps:         make(map[UID]*observerAppData),
		evictedTotal: onEvicted,
	}
	if size > 0 {
		cache, err := lru.NewWithEvict[UID, struct{}](size, func(uid UID, _ struct{}) {
			r.reclaim(uid)
		})
		if err != nil {
			// Only returns an error for a non-positive size, already excluded above.
			panic(err)
		}
		r.idle = cache
	}
	return r
}

func (r *observerRegistry) reclaim(uid UID) {
	data, ok := r.apps[uid]
	if !ok || !data.empty() {
		// Became active again after being queued for eviction; leave it.
		return
	}
	delete(r.apps, uid)
	if r.evictedTotal != nil {
		r.evictedTotal()
	}
	r.log.Debug().Int32("uid", int32(uid)).Msg("evicted idle observer app data")
}

// get returns the observerAppData for uid, creating it if absent. Fetching it
// also removes uid from the idle cache, since it is about to gain a live
// registration.
func (r *observerRegistry) get(uid UID) *observerAppData {
	data, ok := r.apps[uid]
	if !ok {
		data = newObserverAppData(uid)
		r.apps[uid] = data
	}
	if r.idle != nil {
		r.idle.Remove(uid)
	}
	return data
}

// lookup resolves key against the arena without creating anything, used by
// timer dispatch where a miss (group already removed) is routine.
func (r *observerRegistry) lookup(key groupKey) usageGroup {
	data, ok := r.apps[key.uid]
	if !ok {
		return nil
	}
	return data.lookup(key)
}

// peek returns uid's observerAppData without creating one, used by removal
// paths where a miss (removing an observer that was never registered) must
// stay a true no-op rather than leaving behind an empty arena entry.
func (r *observerRegistry) peek(uid UID) (*observerAppData, bool) {
	data, ok := r.apps[uid]
	return data, ok
}

// markIfEmpty should be called after removing an observer from uid's data.
// If that removal left the uid with no observers at all, it becomes a
// candidate for idle reclamation instead of being dropped immediately: a uid
// that re-registers shortly after removing its last observer does not pay
// the cost of losing the rest of its (already-empty) bookkeeping.
func (r *observerRegistry) markIfEmpty(uid UID) {
	data, ok := r.apps[uid]
	if !ok || !data.empty() {
		return
	}
	if r.idle != nil {
		r.idle.Add(uid, struct{}{})
	}
}

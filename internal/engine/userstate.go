package engine

// userState tracks, for a single user, which entities are currently started
// (noteUsageStart called, no matching noteUsageStop yet) and which groups
// observe each entity. It holds no group pointers, only keys: addGroup and
// removeGroup maintain the reverse index the Controller consults when an
// activity event for this user needs to be fanned out to every interested
// group.
type userState struct {
	userID UserID

	// active is the set of entities currently in the started state.
	active map[Entity]bool

	// observedIndex maps an entity to every group key watching it, across all
	// observers and both kinds. A single noteUsageStart/Stop call walks this
	// to reach every affected group without the Controller having to scan
	// its whole observerApps arena.
	observedIndex map[Entity][]groupKey
}

func newUserState(userID UserID) *userState {
	return &userState{
		userID:        userID,
		active:        make(map[Entity]bool),
		observedIndex: make(map[Entity][]groupKey),
	}
}

// isActive reports whether entity is currently started for this user.
func (u *userState) isActive(entity Entity) bool {
	return u.active[entity]
}

// markActive records entity as started. Caller has already validated it was
// not already active.
func (u *userState) markActive(entity Entity) {
	u.active[entity] = true
}

// markInactive records entity as stopped.
func (u *userState) markInactive(entity Entity) {
	delete(u.active, entity)
}

// addGroup registers key as observing every entity in observed. A group that
// observes several entities appears once per entity in the index, so that a
// start/stop of any one of them reaches it.
func (u *userState) addGroup(key groupKey, observed []Entity) {
	for _, e := range observed {
		u.observedIndex[e] = append(u.observedIndex[e], key)
	}
}

// removeGroup undoes addGroup for the same (key, observed) pair.
func (u *userState) removeGroup(key groupKey, observed []Entity) {
	for _, e := range observed {
		keys := u.observedIndex[e]
		for i, k := range keys {
			if k == key {
				keys = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(keys) == 0 {
			delete(u.observedIndex, e)
		} else {
			u.observedIndex[e] = keys
		}
	}
}

// groupsFor returns every group key observing entity.
func (u *userState) groupsFor(entity Entity) []groupKey {
	return u.observedIndex[entity]
}

// empty reports whether this user has no active entities and observes
// nothing. The Controller uses this after an observer removal or a usage
// stop to decide whether the userState can be dropped.
func (u *userState) empty() bool {
	return len(u.active) == 0 && len(u.observedIndex) == 0
}

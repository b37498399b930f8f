package engine

// Config bounds the Controller's behavior. Each field corresponds to one of
// the independently overridable limits the system this engine models exposes
// as separate virtual accessors rather than a single hardcoded constant, so
// a host can tune app-observer quota, session-observer quota, and minimum
// time limit on its own schedule.
type Config struct {
	// MinTimeLimitMs rejects addAppUsageObserver/addUsageSessionObserver
	// calls asking for a timeLimitMs below this floor. Guards against an
	// observer that would fire on essentially every foreground transition.
	MinTimeLimitMs int64

	// MaxAppObserversPerUID caps how many distinct app usage observers a
	// single uid may have registered at once.
	MaxAppObserversPerUID int

	// MaxSessionObserversPerUID caps how many distinct usage session
	// observers a single uid may have registered at once.
	MaxSessionObserversPerUID int

	// IdleObserverAppCacheSize bounds how many uids with no currently
	// registered observers the Controller keeps bookkeeping for before
	// reclaiming the least-recently-touched one. Zero disables reclamation:
	// a uid's observerAppData is then kept for the Controller's lifetime.
	IdleObserverAppCacheSize int
}

// DefaultConfig returns the Controller defaults.
func DefaultConfig() Config {
	return Config{
		MinTimeLimitMs:            60_000,
		MaxAppObserversPerUID:     1000,
		MaxSessionObserversPerUID: 1000,
		IdleObserverAppCacheSize:  256,
	}
}

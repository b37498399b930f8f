package engine

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/apptimelimit/internal/clock"
)

func newTestController(cfg Config) (*Controller, *clock.Mock, *fakeNotifier, *fakeScheduler) {
	clk := clock.NewMock(0)
	notifier := &fakeNotifier{}
	c := &Controller{
		cfg:      cfg,
		clk:      clk,
		notifier: notifier,
		log:      zerolog.Nop(),
		users:    make(map[UserID]*userState),
		metrics:  NopMetrics{},
	}
	c.apps = newObserverRegistry(cfg.IdleObserverAppCacheSize, c.log, c.metrics.ObserverAppEvicted)
	sched := newFakeScheduler(clk.Now, c.deliver)
	c.sched = sched
	return c, clk, notifier, sched
}

func testConfig() Config {
	return Config{
		MinTimeLimitMs:            1000,
		MaxAppObserversPerUID:     2,
		MaxSessionObserversPerUID: 2,
		IdleObserverAppCacheSize:  1,
	}
}

const (
	testUser UserID     = 0
	testUID  UID        = 1000
	obsA     ObserverID = 1
	obsB     ObserverID = 2
)

func TestAddAppUsageObserver_RejectsBelowMinimum(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 999, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAddAppUsageObserver_RejectsEmptyObserved(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	err := c.AddAppUsageObserver(testUser, testUID, obsA, nil, 5000, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAddAppUsageObserver_QuotaExceeded(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	for i := ObserverID(1); i <= 2; i++ {
		if err := c.AddAppUsageObserver(testUser, testUID, i, []Entity{"pkg.one"}, 5000, nil); err != nil {
			t.Fatalf("observer %d: unexpected error %v", i, err)
		}
	}
	err := c.AddAppUsageObserver(testUser, testUID, 3, []Entity{"pkg.one"}, 5000, nil)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

// basic crossing: a single foreground period long enough to cross the limit
// on its own triggers OnLimitReached at noteUsageStop.
func TestBasicCrossingOnStop(t *testing.T) {
	c, clk, notifier, sched := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, "cb"); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected 1 OnLimitReached call, got %d", len(notifier.limitReached))
	}
	call := notifier.limitReached[0]
	if call.timeElapsedMs != 6000 || call.callback != "cb" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

// timer-driven crossing: the limit is crossed while the entity is still in
// the foreground, so CHECK_TIMEOUT (not noteUsageStop) must fire the
// notification once the deadline arrives.
func TestTimerDrivenCrossing(t *testing.T) {
	c, clk, notifier, sched := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, "cb"); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	if len(notifier.limitReached) != 0 {
		t.Fatalf("expected no notification before the deadline")
	}
	clk.Advance(5000)
	sched.fire()
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected 1 OnLimitReached call after CHECK_TIMEOUT fires, got %d", len(notifier.limitReached))
	}
	// the app observer removes itself after firing
	if _, ok := c.apps.apps[testUID].appGroups[obsA]; ok {
		t.Fatalf("expected app observer to have removed itself after limit reached")
	}
}

// overlapping entities: a group observing {A, B} should only start counting
// once (when the first of A/B starts) and only stop counting once (when the
// last of A/B stops), not double-count the overlap.
func TestOverlappingEntities(t *testing.T) {
	c, clk, notifier, sched := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.a", "pkg.b"}, 5000, "cb"); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.a"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2000)
	if err := c.NoteUsageStart(testUser, "pkg.b"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2000)
	if err := c.NoteUsageStop(testUser, "pkg.a"); err != nil {
		t.Fatal(err)
	}
	// pkg.b still active, group must still be counting: no notification yet
	if len(notifier.limitReached) != 0 {
		t.Fatalf("expected no notification while pkg.b still active")
	}
	clk.Advance(2000)
	if err := c.NoteUsageStop(testUser, "pkg.b"); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected 1 notification once both entities stopped, got %d", len(notifier.limitReached))
	}
	if notifier.limitReached[0].timeElapsedMs != 6000 {
		t.Fatalf("expected combined elapsed 6000ms (no double count), got %d", notifier.limitReached[0].timeElapsedMs)
	}
}

// session rollover: after a limit-exceeding session, an idle gap at or past
// the threshold reports session end and the next usage is a fresh session
// that can cross the limit and report again.
func TestSessionRollover(t *testing.T) {
	c, clk, notifier, sched := newTestController(testConfig())
	if err := c.AddUsageSessionObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, 3000, "cb"); err != nil {
		t.Fatal(err)
	}

	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected 1 OnLimitReached after first session crosses limit, got %d", len(notifier.limitReached))
	}

	clk.Advance(3000)
	sched.fire()
	if len(notifier.sessionEnds) != 1 {
		t.Fatalf("expected 1 OnSessionEnd after idle threshold, got %d", len(notifier.sessionEnds))
	}

	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	if len(notifier.limitReached) != 2 {
		t.Fatalf("expected a second OnLimitReached for the new session, got %d", len(notifier.limitReached))
	}
}

// session extension: resuming usage before the idle threshold elapses
// extends the same session instead of starting a new one, and cancels the
// pending session-end timer.
func TestSessionExtension(t *testing.T) {
	c, clk, notifier, sched := newTestController(testConfig())
	if err := c.AddUsageSessionObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, 3000, "cb"); err != nil {
		t.Fatal(err)
	}

	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected 1 OnLimitReached, got %d", len(notifier.limitReached))
	}

	clk.Advance(1000) // well under the 3000ms threshold
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5000)
	sched.fire() // the cancelled session-end timer must not fire here
	if len(notifier.sessionEnds) != 0 {
		t.Fatalf("expected no session end, resumed usage should have cancelled it, got %d", len(notifier.sessionEnds))
	}
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	// still the same session: no second OnLimitReached, usage kept accumulating
	if len(notifier.limitReached) != 1 {
		t.Fatalf("expected still only 1 OnLimitReached (same session), got %d", len(notifier.limitReached))
	}
}

// session gap reset before any limit crossing: the new-session threshold
// must reset accumulated usage on a long enough idle gap even when the
// previous, short session never pushed usageTimeMs up to the limit.
func TestSessionGapResetsBeforeLimitReached(t *testing.T) {
	c, clk, notifier, _ := newTestController(testConfig())
	if err := c.AddUsageSessionObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 60000, 5000, "cb"); err != nil {
		t.Fatal(err)
	}

	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(1000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(99999) // well past the 5000ms new-session threshold
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(1000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}

	g := c.apps.apps[testUID].sessionGroups[obsA]
	if g.usageTimeMs != 1000 {
		t.Fatalf("expected usageTimeMs reset to 0 before this 1000ms period, got %d", g.usageTimeMs)
	}
	if len(notifier.limitReached) != 0 {
		t.Fatalf("expected no notification, combined usage never reaches the limit")
	}
}

// session gap exactly at the threshold extends the session rather than
// starting a new one: the comparison must be strict.
func TestSessionGapEqualToThresholdExtendsSession(t *testing.T) {
	c, clk, _, _ := newTestController(testConfig())
	if err := c.AddUsageSessionObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 60000, 5000, "cb"); err != nil {
		t.Fatal(err)
	}

	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(1000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(5000) // exactly the threshold, not past it
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(1000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}

	g := c.apps.apps[testUID].sessionGroups[obsA]
	if g.usageTimeMs != 2000 {
		t.Fatalf("expected the session extended (usageTimeMs=2000), got %d", g.usageTimeMs)
	}
}

// registering a group while more than one of its observed entities is
// already active reproduces the cold-start double count: noteActiveLocked
// calls noteUsageStart once per already-active observed entity, so actives
// starts above 1 even though no noteUsageStart/Stop pair has run yet.
func TestAddAppUsageObserver_ColdStartDoubleCount(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	if err := c.NoteUsageStart(testUser, "pkg.a"); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.b"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.a", "pkg.b"}, 5000, "cb"); err != nil {
		t.Fatal(err)
	}
	g := c.apps.apps[testUID].appGroups[obsA]
	if g.actives != 2 {
		t.Fatalf("expected actives=2 from registration-time catch-up over two already-active entities, got %d", g.actives)
	}
}

func TestNoteUsageStart_AlreadyActive(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	err := c.NoteUsageStart(testUser, "pkg.one")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestNoteUsageStop_NotActive(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	err := c.NoteUsageStop(testUser, "pkg.one")
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestRemoveAppUsageObserver_CancelsPendingTimer(t *testing.T) {
	c, _, _, sched := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	if sched.pendingCount() == 0 {
		t.Fatalf("expected a pending CHECK_TIMEOUT after start")
	}
	c.RemoveAppUsageObserver(testUID, obsA)
	if sched.pendingCount() != 0 {
		t.Fatalf("expected no pending messages after removal, got %d", sched.pendingCount())
	}
}

func TestRemoveAppUsageObserver_Idempotent(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	c.RemoveAppUsageObserver(testUID, obsA) // never registered, must not panic
}

func TestOnUserRemoved_ClearsActiveState(t *testing.T) {
	c, _, _, _ := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	c.OnUserRemoved(testUser)
	if _, ok := c.users[testUser]; ok {
		t.Fatalf("expected user state to be dropped")
	}
	// the entity is no longer tracked as active, so starting it again must
	// not return ErrAlreadyActive
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatalf("unexpected error restarting after user removal: %v", err)
	}
}

func TestReRegisteringObserverResetsAccumulatedUsage(t *testing.T) {
	c, clk, notifier, _ := newTestController(testConfig())
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}

	// re-register before the limit is reached: usage resets to zero
	if err := c.AddAppUsageObserver(testUser, testUID, obsA, []Entity{"pkg.one"}, 5000, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.NoteUsageStart(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(4000)
	if err := c.NoteUsageStop(testUser, "pkg.one"); err != nil {
		t.Fatal(err)
	}
	if len(notifier.limitReached) != 0 {
		t.Fatalf("expected no notification, combined old+new usage would cross but re-registration resets it")
	}
}

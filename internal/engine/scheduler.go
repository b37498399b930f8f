package engine

import (
	"container/heap"
	"sync"
	"time"
)

// messageKind is the Timer Service's message discriminator. The distilled
// spec names two kinds (CHECK_TIMEOUT, INFORM_SESSION_END); the system this
// engine models dispatches a third, msgInformLimitReached, through the same
// single-threaded queue so that an INFORM_LIMIT_REACHED delivery is
// serialized with respect to other pending messages for the same group
// instead of being invoked synchronously on the caller's goroutine.
type messageKind uint8

const (
	msgCheckTimeout messageKind = iota
	msgInformLimitReached
	msgInformSessionEnd
)

// deliverFunc is invoked on the scheduler's timer goroutine when a posted
// message comes due. The Controller supplies this; it reacquires the engine
// lock and resolves key against its arenas before touching any group state.
type deliverFunc func(kind messageKind, key groupKey)

// scheduler is the Timer Service: a single-threaded deferred-execution queue
// keyed by (kind, groupKey) with reference-equality cancellation semantics
// (here, key equality stands in for reference equality, since groups are
// addressed by key rather than pointer — see groupKey's doc comment).
type scheduler interface {
	post(kind messageKind, key groupKey, delay time.Duration)
	cancel(kind messageKind, key groupKey)
	stop()
	setOnSizeChange(fn func(n int))
}

func (s *realScheduler) setOnSizeChange(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSizeChange = fn
}

// entry is one pending message in the scheduler's queue.
type entry struct {
	deadline  time.Time
	seq       uint64 // break deadline ties in FIFO order
	kind      messageKind
	key       groupKey
	cancelled bool
	index     int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// realScheduler is the production Timer Service. It keeps one time.AfterFunc
// timer armed for the nearest deadline; when that timer fires, fire pops
// every due entry (in FIFO order for ties), rearms the timer for the new
// nearest deadline, and calls deliver for each due entry on the timer's
// goroutine. Posting and cancelling are safe to call from
// any goroutine, including reentrantly from within deliver itself (the
// Controller's timer handlers may post further messages while handling one).
type realScheduler struct {
	mu      sync.Mutex
	pending entryHeap
	// index speeds up cancel(): without it, cancelling a message would
	// require scanning the whole heap. Cancellation only tombstones matching
	// entries; the heap drops them lazily when they would otherwise fire.
	index   map[messageKind]map[groupKey][]*entry
	nextSeq uint64
	timer   *time.Timer
	deliver deliverFunc
	stopped bool
	stopCh  chan struct{}

	// onSizeChange, if set, is called with the approximate number of pending
	// (non-cancelled) messages after each post/cancel/fire. It feeds the
	// engine's pending-timers gauge; it is an approximation because a
	// cancelled entry buried under the heap's root is only actually dropped
	// once it would otherwise surface.
	onSizeChange func(n int)
}

func newRealScheduler(deliver deliverFunc) *realScheduler {
	s := &realScheduler{
		index:   make(map[messageKind]map[groupKey][]*entry),
		deliver: deliver,
		stopCh:  make(chan struct{}),
	}
	return s
}

func (s *realScheduler) post(kind messageKind, key groupKey, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	e := &entry{
		deadline: time.Now().Add(delay),
		seq:      s.nextSeq,
		kind:     kind,
		key:      key,
	}
	s.nextSeq++
	heap.Push(&s.pending, e)
	byKey := s.index[kind]
	if byKey == nil {
		byKey = make(map[groupKey][]*entry)
		s.index[kind] = byKey
	}
	byKey[key] = append(byKey[key], e)
	s.rearmLocked()
	s.reportSizeLocked()
}

func (s *realScheduler) cancel(kind messageKind, key groupKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.index[kind][key] {
		e.cancelled = true
	}
	delete(s.index[kind], key)
	s.rearmLocked()
	s.reportSizeLocked()
}

func (s *realScheduler) reportSizeLocked() {
	if s.onSizeChange != nil {
		s.onSizeChange(s.pending.Len())
	}
}

func (s *realScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stopCh)
}

// rearmLocked (re)schedules the underlying wall-clock timer to fire at the
// earliest non-cancelled deadline. Called with mu held.
func (s *realScheduler) rearmLocked() {
	for s.pending.Len() > 0 && s.pending[0].cancelled {
		heap.Pop(&s.pending)
	}
	if s.pending.Len() == 0 {
		return
	}
	delay := time.Until(s.pending[0].deadline)
	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.fire)
		return
	}
	s.timer.Stop()
	s.timer.Reset(delay)
}

// fire runs on the timer goroutine. It pops every entry whose deadline has
// arrived, in FIFO order for ties, and delivers each outside the scheduler's
// own lock (deliver takes the Controller's lock, a different lock, so this
// avoids a lock-ordering cycle with post/cancel called from within deliver).
func (s *realScheduler) fire() {
	var due []*entry
	now := time.Now()

	s.mu.Lock()
	for s.pending.Len() > 0 && !s.pending[0].deadline.After(now) {
		e := heap.Pop(&s.pending).(*entry)
		if e.cancelled {
			continue
		}
		due = append(due, e)
	}
	s.rearmLocked()
	s.reportSizeLocked()
	s.mu.Unlock()

	for _, e := range due {
		s.deliver(e.kind, e.key)
	}
}

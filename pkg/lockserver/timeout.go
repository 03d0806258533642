package lockserver

import (
	"container/heap"
	"sync"
	"time"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// delayEntry tracks one live timeout acquisition in the reaper's heap.
type delayEntry struct {
	key      string
	identity int64
	deadline time.Time
	seq      uint64 // tie-break so same-instant deadlines stay in acquisition order
	index    int    // heap index, maintained by delayHeap.Swap; -1 once removed
}

// delayHeap is a min-heap of delayEntries ordered by deadline. Entries
// track their own index so a voluntary unlock can heap.Remove its entry in
// O(log n) instead of leaving a tombstone for the reaper to skip.
type delayHeap []*delayEntry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x interface{}) {
	e := x.(*delayEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timeoutResolver arbitrates the expiring exclusive flavor. Lifecycle is
// the same as simpleResolver's, with every successful acquisition also
// scheduled on a delay heap that a dedicated reaper goroutine drains.
type timeoutResolver struct {
	logger lockdlog.Logger

	mu      sync.Mutex
	holder  map[string]*lockproto.Request
	waitq   map[string]*waitQueue
	entries map[string]*delayEntry // key -> the current holder's heap entry
	delays  delayHeap
	seq     uint64

	wake chan struct{} // nudges the reaper when a nearer deadline is scheduled
	done chan struct{}
}

func newTimeoutResolver(logger lockdlog.Logger) *timeoutResolver {
	r := &timeoutResolver{
		logger:  logger,
		holder:  make(map[string]*lockproto.Request),
		waitq:   make(map[string]*waitQueue),
		entries: make(map[string]*delayEntry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.reap()
	return r
}

func (r *timeoutResolver) stop() { close(r.done) }

// scheduleLocked records req's expiration deadline. Caller holds r.mu.
func (r *timeoutResolver) scheduleLocked(req *lockproto.Request) {
	r.seq++
	e := &delayEntry{
		key:      req.Key,
		identity: req.Identity,
		deadline: time.Now().Add(time.Duration(req.Time) * time.Millisecond),
		seq:      r.seq,
	}
	r.entries[req.Key] = e
	heap.Push(&r.delays, e)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *timeoutResolver) ResolveTryLock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.holder[req.Key]; held {
		return Result{Cause: lockproto.CauseAlreadyLocked}
	}
	r.holder[req.Key] = req
	r.scheduleLocked(req)
	return Result{Success: true}
}

func (r *timeoutResolver) ResolveLock(req *lockproto.Request) Result {
	r.mu.Lock()
	if _, held := r.holder[req.Key]; !held {
		r.holder[req.Key] = req
		r.scheduleLocked(req)
		r.mu.Unlock()
		return Result{Success: true}
	}
	w := newWaiter(req)
	q := r.waitq[req.Key]
	if q == nil {
		q = new(waitQueue)
		r.waitq[req.Key] = q
	}
	q.push(w)
	r.mu.Unlock()

	<-w.grant
	return Result{Success: true}
}

// ResolveUnlock releases the caller's lock if the caller still owns it. A
// vacant key, or one held by a different (application, thread), means the
// reaper already evicted the caller's acquisition and possibly re-granted
// the key; nothing is left to do, which is still a success for the caller.
func (r *timeoutResolver) ResolveUnlock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.holder[req.Key]
	if cur == nil || cur.Owner() != req.Owner() {
		return Result{Success: true, Cause: lockproto.CauseExpired}
	}
	if e := r.entries[req.Key]; e != nil && e.index >= 0 {
		heap.Remove(&r.delays, e.index)
	}
	delete(r.entries, req.Key)
	r.releaseLocked(req.Key)
	return Result{Success: true}
}

// releaseLocked vacates key or hands it to the next waiter, scheduling the
// new holder's deadline. Caller holds r.mu.
func (r *timeoutResolver) releaseLocked(key string) {
	if q := r.waitq[key]; q != nil && !q.empty() {
		w := q.pop()
		r.holder[key] = w.req
		r.scheduleLocked(w.req)
		w.grant <- struct{}{}
		return
	}
	delete(r.holder, key)
	delete(r.waitq, key)
}

// reap is the dedicated expiration worker: it sleeps until the nearest
// deadline, evicts everything due, and waits again. A wake nudge interrupts
// the sleep when a nearer deadline is scheduled.
func (r *timeoutResolver) reap() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.mu.Lock()
		wait := time.Hour
		now := time.Now()
		for r.delays.Len() > 0 {
			e := r.delays[0]
			if e.deadline.After(now) {
				wait = e.deadline.Sub(now)
				break
			}
			heap.Pop(&r.delays)
			r.evictLocked(e, now)
		}
		r.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-r.wake:
		case <-r.done:
			return
		}
	}
}

// evictLocked expires e if it still names the current holder. A mismatched
// identity means the lock was released (and possibly re-granted) since the
// entry was scheduled: the entry is stale and dropped. Caller holds r.mu.
func (r *timeoutResolver) evictLocked(e *delayEntry, now time.Time) {
	cur := r.holder[e.key]
	if cur == nil || cur.Identity != e.identity {
		return
	}
	delete(r.entries, e.key)
	r.logger.Log(lockdlog.LevelDebug, "expiring timeout lock",
		"key", e.key, "identity", e.identity, "overdue", now.Sub(e.deadline))
	r.releaseLocked(e.key)
}

package lockserver

import (
	"sync"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// reentrantResolver arbitrates the re-acquirable exclusive flavor. Each
// request carries a fresh identity, so ownership is decided by comparing
// the (application, thread) pair against the stored holder request; the
// stored request is the owner fingerprint and is replaced by the newest
// acquisition on every successful re-acquire.
type reentrantResolver struct {
	logger lockdlog.Logger

	mu     sync.Mutex
	holder map[string]*lockproto.Request
	count  map[string]int
	waitq  map[string]*waitQueue
}

func newReentrantResolver(logger lockdlog.Logger) *reentrantResolver {
	return &reentrantResolver{
		logger: logger,
		holder: make(map[string]*lockproto.Request),
		count:  make(map[string]int),
		waitq:  make(map[string]*waitQueue),
	}
}

func (r *reentrantResolver) ResolveTryLock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.holder[req.Key]
	switch {
	case cur == nil:
		r.holder[req.Key] = req
		r.count[req.Key] = 1
		return Result{Success: true}
	case cur.Owner() == req.Owner():
		r.holder[req.Key] = req
		r.count[req.Key]++
		return Result{Success: true}
	default:
		return Result{Cause: lockproto.CauseAlreadyLocked}
	}
}

// resolveFast answers a blocking re-acquire by the current holder without
// entering the pipeline; parking the holder behind its own key's waiters
// would deadlock it on itself.
func (r *reentrantResolver) resolveFast(req *lockproto.Request) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.holder[req.Key]
	if cur != nil && cur.Owner() == req.Owner() {
		r.holder[req.Key] = req
		r.count[req.Key]++
		return Result{Success: true}, true
	}
	return Result{}, false
}

func (r *reentrantResolver) ResolveLock(req *lockproto.Request) Result {
	r.mu.Lock()
	cur := r.holder[req.Key]
	if cur == nil {
		r.holder[req.Key] = req
		r.count[req.Key] = 1
		r.mu.Unlock()
		return Result{Success: true}
	}
	if cur.Owner() == req.Owner() {
		// Normally handled by resolveFast before the pipeline; kept for
		// a re-acquire that raced an unlock-and-relock by the same owner.
		r.holder[req.Key] = req
		r.count[req.Key]++
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

// ResolveUnlock decrements the reentry depth, freeing the holder slot only
// when the depth reaches zero. Unlocking a key nobody holds is benign.
func (r *reentrantResolver) ResolveUnlock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.holder[req.Key]; !held {
		return Result{Success: true}
	}
	if n := r.count[req.Key] - 1; n > 0 {
		r.count[req.Key] = n
		return Result{Success: true}
	}
	delete(r.count, req.Key)
	if q := r.waitq[req.Key]; q != nil && !q.empty() {
		w := q.pop()
		r.holder[req.Key] = w.req
		r.count[req.Key] = 1
		w.grant <- struct{}{}
		return Result{Success: true}
	}
	delete(r.holder, req.Key)
	delete(r.waitq, req.Key)
	return Result{Success: true}
}

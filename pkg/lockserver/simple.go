package lockserver

import (
	"sync"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// simpleResolver arbitrates the plain exclusive flavor: one holder per
// key, no reentry, no expiration.
type simpleResolver struct {
	logger lockdlog.Logger

	mu     sync.Mutex
	holder map[string]*lockproto.Request
	waitq  map[string]*waitQueue
}

func newSimpleResolver(logger lockdlog.Logger) *simpleResolver {
	return &simpleResolver{
		logger: logger,
		holder: make(map[string]*lockproto.Request),
		waitq:  make(map[string]*waitQueue),
	}
}

func (r *simpleResolver) ResolveTryLock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.holder[req.Key]; held {
		return Result{Cause: lockproto.CauseAlreadyLocked}
	}
	r.holder[req.Key] = req
	return Result{Success: true}
}

func (r *simpleResolver) ResolveLock(req *lockproto.Request) Result {
	r.mu.Lock()
	if _, held := r.holder[req.Key]; !held {
		r.holder[req.Key] = req
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

	<-w.grant // the releaser installed us as holder before signaling
	return Result{Success: true}
}

// ResolveUnlock vacates the key or hands it to the next waiter. Unlocking
// a key nobody holds is benign; the caller's local state is clear either
// way.
func (r *simpleResolver) ResolveUnlock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.waitq[req.Key]; q != nil && !q.empty() {
		w := q.pop()
		r.holder[req.Key] = w.req
		w.grant <- struct{}{}
		return Result{Success: true}
	}
	delete(r.holder, req.Key)
	delete(r.waitq, req.Key)
	return Result{Success: true}
}

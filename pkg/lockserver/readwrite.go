package lockserver

import (
	"sync"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// readWriteResolver arbitrates the shared-read / exclusive-write flavor,
// including the write-to-read downgrade: a write holder may additionally
// take a read lock on the same key, then release the write lock, ending
// with read-only access while other readers are admitted and writers stay
// out until the read count drains.
//
// Blocking acquisitions queue in two parallel pipeline families per key
// (see pipelineKey.read) so a write release can admit every queued reader
// without a writer wedged between them.
type readWriteResolver struct {
	logger lockdlog.Logger

	mu         sync.Mutex
	holder     map[string]*lockproto.Request // current write holder
	readHolder map[string]int                // live read acquisitions
	readq      map[string]*waitQueue
	writeq     map[string]*waitQueue
}

func newReadWriteResolver(logger lockdlog.Logger) *readWriteResolver {
	return &readWriteResolver{
		logger:     logger,
		holder:     make(map[string]*lockproto.Request),
		readHolder: make(map[string]int),
		readq:      make(map[string]*waitQueue),
		writeq:     make(map[string]*waitQueue),
	}
}

// canDowngrade reports whether req may take a read lock under wh's write
// lock: only the write holder itself, matched on (application, thread).
func canDowngrade(req, wh *lockproto.Request) bool {
	return wh != nil && wh.Application == req.Application && wh.Thread == req.Thread
}

// resolveFast answers a blocking downgrade read by the current write
// holder without entering the read pipeline. That pipeline's worker may
// already be parked on a foreign reader that only the holder's write
// unlock can admit; queued behind it, the downgrade would deadlock the
// holder on itself.
func (r *readWriteResolver) resolveFast(req *lockproto.Request) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ReadLock && canDowngrade(req, r.holder[req.Key]) {
		r.readHolder[req.Key]++
		return Result{Success: true}, true
	}
	return Result{}, false
}

func (r *readWriteResolver) ResolveTryLock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ReadLock {
		return r.tryReadLocked(req)
	}
	return r.tryWriteLocked(req)
}

func (r *readWriteResolver) tryReadLocked(req *lockproto.Request) Result {
	wh := r.holder[req.Key]
	if wh == nil || canDowngrade(req, wh) {
		r.readHolder[req.Key]++
		return Result{Success: true}
	}
	return Result{Cause: lockproto.CauseReadBlockedByWrite}
}

func (r *readWriteResolver) tryWriteLocked(req *lockproto.Request) Result {
	if r.readHolder[req.Key] > 0 {
		return Result{Cause: lockproto.CauseWriteBlockedByRead}
	}
	if r.holder[req.Key] != nil {
		return Result{Cause: lockproto.CauseWriteBlockedByWrite}
	}
	r.holder[req.Key] = req
	return Result{Success: true}
}

func (r *readWriteResolver) ResolveLock(req *lockproto.Request) Result {
	r.mu.Lock()
	if req.ReadLock {
		if res := r.tryReadLocked(req); res.Success {
			r.mu.Unlock()
			return res
		}
		w := newWaiter(req)
		q := r.readq[req.Key]
		if q == nil {
			q = new(waitQueue)
			r.readq[req.Key] = q
		}
		q.push(w)
		r.mu.Unlock()
		<-w.grant
		return Result{Success: true}
	}

	if res := r.tryWriteLocked(req); res.Success {
		r.mu.Unlock()
		return res
	}
	w := newWaiter(req)
	q := r.writeq[req.Key]
	if q == nil {
		q = new(waitQueue)
		r.writeq[req.Key] = q
	}
	q.push(w)
	r.mu.Unlock()
	<-w.grant
	return Result{Success: true}
}

func (r *readWriteResolver) ResolveUnlock(req *lockproto.Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ReadLock {
		n := r.readHolder[req.Key]
		switch {
		case n == 0:
			delete(r.readHolder, req.Key) // not read-held; benign
		case n > 1:
			r.readHolder[req.Key] = n - 1
		default:
			delete(r.readHolder, req.Key)
			r.admitWriterLocked(req.Key)
		}
		return Result{Success: true}
	}

	delete(r.holder, req.Key)
	if r.admitReadersLocked(req.Key) {
		return Result{Success: true}
	}
	r.admitWriterLocked(req.Key)
	return Result{Success: true}
}

// admitReadersLocked grants every parked read waiter for key, reporting
// whether any was admitted. Read locks are compatible with each other, so
// a write release drains the whole read queue at once; read requests still
// sitting in the pipeline behind the parked one then succeed immediately
// against the positive read count. Caller holds r.mu.
func (r *readWriteResolver) admitReadersLocked(key string) bool {
	q := r.readq[key]
	if q == nil || q.empty() {
		delete(r.readq, key)
		return false
	}
	admitted := 0
	for !q.empty() {
		w := q.pop()
		r.readHolder[key]++
		w.grant <- struct{}{}
		admitted++
	}
	delete(r.readq, key)
	r.logger.Log(lockdlog.LevelDebug, "write release admitted read waiters", "key", key, "admitted", admitted)
	return true
}

// admitWriterLocked hands key to the next parked write waiter, but only if
// the key is fully free. A positive read count (a downgrade window, or
// just-admitted readers) keeps writers parked; the last read unlock runs
// this again. Caller holds r.mu.
func (r *readWriteResolver) admitWriterLocked(key string) {
	if r.readHolder[key] > 0 || r.holder[key] != nil {
		return
	}
	q := r.writeq[key]
	if q == nil || q.empty() {
		delete(r.writeq, key)
		return
	}
	w := q.pop()
	r.holder[key] = w.req
	w.grant <- struct{}{}
	if q.empty() {
		delete(r.writeq, key)
	}
}

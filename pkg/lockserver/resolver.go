// Package lockserver implements the server side of the lock service: the
// four lock-type resolvers, the per-(type, key) serialization pipelines,
// the inbound dispatcher, and the expiration reaper for timeout locks. A
// Server ties them together behind a TCP listener speaking lockproto
// frames; see cmd/lockd for the binary.
package lockserver

import (
	"github.com/twmb/lockd/pkg/lockproto"
)

// Result is a resolver's decision for one request; it becomes the Success
// and Cause fields of the response written back to the client.
type Result struct {
	Success bool
	Cause   string
}

// Resolver is implemented by each of the four lock flavors.
//
// ResolveTryLock and ResolveUnlock never suspend beyond a short critical
// section and may be called from any worker. ResolveLock may park until
// the lock is handed off and must only be called from the pipeline worker
// owning the request's (type, key); that serialization is what keeps
// grants FIFO per key.
type Resolver interface {
	ResolveTryLock(req *lockproto.Request) Result
	ResolveLock(req *lockproto.Request) Result
	ResolveUnlock(req *lockproto.Request) Result
}

// fastPather is optionally implemented by a resolver whose blocking path
// has a case answerable without entering the pipeline at all (the
// reentrant re-acquire by the current holder, and the read-write downgrade
// read by the current write holder).
type fastPather interface {
	resolveFast(req *lockproto.Request) (Result, bool)
}

// waiter is one parked blocking acquisition: the request that will become
// the next holder plus the single-slot permission channel its pipeline
// worker sleeps on. The releaser installs the new holder itself before
// signaling grant, so a key is never observed vacant between a release and
// the next grant; a tryLock racing the handoff cannot steal the slot.
type waiter struct {
	req   *lockproto.Request
	grant chan struct{}
}

func newWaiter(req *lockproto.Request) *waiter {
	return &waiter{req: req, grant: make(chan struct{}, 1)}
}

// waitQueue is the per-key arrival queue. The pipeline serializes blocking
// acquisitions, so at most one waiter is parked here per key per queue
// family at any time; the slice form keeps the release paths uniform.
type waitQueue struct {
	arrivals []*waiter
}

func (q *waitQueue) push(w *waiter) { q.arrivals = append(q.arrivals, w) }

func (q *waitQueue) pop() *waiter {
	w := q.arrivals[0]
	q.arrivals = q.arrivals[1:]
	return w
}

func (q *waitQueue) empty() bool { return len(q.arrivals) == 0 }

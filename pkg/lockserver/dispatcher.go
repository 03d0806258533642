package lockserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// Causes for requests that never reach a resolver. These are not part of
// the lock-outcome taxonomy; a well-behaved client validates locally and
// never sees them.
const (
	causeEmptyKey     = "Lock key must not be empty, request cancelled."
	causeUnknownType  = "Unknown lock type, request cancelled."
	causeShuttingDown = "Server is shutting down, request cancelled."
)

func responseFor(req *lockproto.Request, r Result) *lockproto.Response {
	return &lockproto.Response{
		Key:            req.Key,
		Identity:       req.Identity,
		Success:        r.Success,
		Cause:          r.Cause,
		IsLockResponse: !req.IsLock,
	}
}

func failureFor(req *lockproto.Request, cause string) *lockproto.Response {
	return responseFor(req, Result{Cause: cause})
}

// job is one non-blocking operation (tryLock or unlock) bound for the
// generic worker pool.
type job struct {
	req     *lockproto.Request
	respond func(*lockproto.Response)
}

// dispatcher routes decoded requests: non-blocking operations go to a
// fixed worker pool, blocking lock requests to the per-(type, key)
// pipelines. Blocking requests are enqueued on the caller's goroutine so
// per-connection receive order is preserved end to end; non-blocking
// operations need neither ordering nor waiting and run with unconstrained
// parallelism across the pool.
type dispatcher struct {
	resolvers map[lockproto.LockType]Resolver
	pipelines *pipelineRegistry
	logger    lockdlog.Logger

	jobs chan job
	wg   sync.WaitGroup

	// dieMu guards sending to jobs and the pipelines once stop begins.
	dieMu sync.RWMutex
	dead  int32
}

func newDispatcher(resolvers map[lockproto.LockType]Resolver, workers int, pipelineIdle time.Duration, logger lockdlog.Logger) *dispatcher {
	d := &dispatcher{
		resolvers: resolvers,
		pipelines: newPipelineRegistry(resolvers, pipelineIdle, logger),
		logger:    logger,
		jobs:      make(chan job, 4*workers),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for j := range d.jobs {
		res := d.resolvers[j.req.Type]
		var r Result
		if j.req.IsLock {
			r = res.ResolveTryLock(j.req)
		} else {
			r = res.ResolveUnlock(j.req)
		}
		j.respond(responseFor(j.req, r))
	}
}

func (d *dispatcher) dispatch(req *lockproto.Request, respond func(*lockproto.Response)) {
	if req.Key == "" {
		respond(failureFor(req, causeEmptyKey))
		return
	}
	if _, known := d.resolvers[req.Type]; !known {
		d.logger.Log(lockdlog.LevelWarn, "rejecting request with unknown lock type", "type", uint8(req.Type), "key", req.Key, "identity", req.Identity)
		d.logger.Log(lockdlog.LevelDebug, lockdlog.Snapshot("rejected request", req))
		respond(failureFor(req, causeUnknownType))
		return
	}

	dead := false
	d.dieMu.RLock()
	if atomic.LoadInt32(&d.dead) == 1 {
		dead = true
	} else if !req.IsLock || req.TryLock {
		d.jobs <- job{req: req, respond: respond}
	} else {
		d.pipelines.enqueue(req, respond)
	}
	d.dieMu.RUnlock()

	if dead {
		respond(failureFor(req, causeShuttingDown))
	}
}

// stop drains the worker pool. Pipeline workers retire on their own idle
// timers; a parked blocking acquisition is never interrupted — its lock is
// still granted on its turn and the response write simply fails on the
// closed connection.
func (d *dispatcher) stop() {
	if atomic.SwapInt32(&d.dead, 1) == 1 {
		return
	}
	d.dieMu.Lock()
	d.dieMu.Unlock()

	// after dieMu, nothing will be sent down jobs
	close(d.jobs)
	d.wg.Wait()
}

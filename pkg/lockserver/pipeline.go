package lockserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// envelope carries a blocking lock request together with the way to answer
// it once a resolver grants it.
type envelope struct {
	req     *lockproto.Request
	respond func(*lockproto.Response)
}

// pipelineKey names one serialization pipeline. ReadWrite splits each key
// into a read family and a write family so a write release can admit all
// queued readers without a writer wedged between them.
type pipelineKey struct {
	typ  lockproto.LockType
	read bool
	key  string
}

// pipeline is the FIFO of blocking acquisitions for one key, drained by a
// single worker goroutine. pending counts envelopes enqueued but not yet
// resolved; the worker only retires once it is zero.
type pipeline struct {
	envs    chan envelope
	pending int64 // atomic
}

const pipelineBuffer = 128

// pipelineRegistry tracks the live pipelines. A worker is created lazily
// on the first blocking acquisition for a key that the fast path does not
// answer, contended or not, and retires after idleAfter without traffic,
// keeping goroutine count proportional to blocking traffic rather than to
// key cardinality.
type pipelineRegistry struct {
	resolvers map[lockproto.LockType]Resolver
	idleAfter time.Duration
	logger    lockdlog.Logger

	mu        sync.Mutex
	pipelines map[pipelineKey]*pipeline
}

func newPipelineRegistry(resolvers map[lockproto.LockType]Resolver, idleAfter time.Duration, logger lockdlog.Logger) *pipelineRegistry {
	return &pipelineRegistry{
		resolvers: resolvers,
		idleAfter: idleAfter,
		logger:    logger,
		pipelines: make(map[pipelineKey]*pipeline),
	}
}

func (reg *pipelineRegistry) enqueue(req *lockproto.Request, respond func(*lockproto.Response)) {
	res := reg.resolvers[req.Type]

	// A blocking re-acquire by the current holder resolves inline; parked
	// behind its own key's waiters it would deadlock on itself.
	if fp, isFP := res.(fastPather); isFP {
		if r, handled := fp.resolveFast(req); handled {
			respond(responseFor(req, r))
			return
		}
	}

	pk := pipelineKey{typ: req.Type, read: req.Type == lockproto.ReadWrite && req.ReadLock, key: req.Key}

	reg.mu.Lock()
	p := reg.pipelines[pk]
	if p == nil {
		p = &pipeline{envs: make(chan envelope, pipelineBuffer)}
		reg.pipelines[pk] = p
		go reg.work(pk, p)
		reg.logger.Log(lockdlog.LevelDebug, "pipeline worker started", "type", pk.typ, "read", pk.read, "key", pk.key)
	}
	atomic.AddInt64(&p.pending, 1)
	reg.mu.Unlock()

	p.envs <- envelope{req: req, respond: respond}
}

// work drains one pipeline in arrival order. ResolveLock may park until
// the current holder releases; that park is what serializes grants per
// key.
func (reg *pipelineRegistry) work(pk pipelineKey, p *pipeline) {
	res := reg.resolvers[pk.typ]
	idle := time.NewTimer(reg.idleAfter)
	defer idle.Stop()

	for {
		select {
		case env := <-p.envs:
			r := res.ResolveLock(env.req)
			env.respond(responseFor(env.req, r))
			atomic.AddInt64(&p.pending, -1)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(reg.idleAfter)
		case <-idle.C:
			// Retire only under the registry lock so a concurrent
			// enqueue either finds us still live or starts a fresh
			// worker after we are gone.
			reg.mu.Lock()
			if atomic.LoadInt64(&p.pending) == 0 {
				delete(reg.pipelines, pk)
				reg.mu.Unlock()
				reg.logger.Log(lockdlog.LevelDebug, "pipeline worker retired", "type", pk.typ, "read", pk.read, "key", pk.key)
				return
			}
			reg.mu.Unlock()
			idle.Reset(reg.idleAfter)
		}
	}
}

func (reg *pipelineRegistry) live() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pipelines)
}

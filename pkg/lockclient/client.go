// Package lockclient implements the client half of the lock service: a
// fixed pool of multiplexed connections, a response correlator keyed by
// identity, and the monotonically increasing identity generator. Every
// call returns exactly one response in the wire shape, whether the outcome
// was decided by the server, fabricated locally on a transport failure, or
// rejected by local validation.
package lockclient

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// Op names the lock a call operates on.
type Op struct {
	Type lockproto.LockType
	Key  string

	// Thread labels the logical caller within this application. Together
	// with the application label it is the ownership fingerprint for
	// reentrant re-acquisition and the read-write downgrade.
	Thread string

	// TimeMillis is the expiration for a Timeout acquire.
	TimeMillis int64

	// Read selects the read side of a ReadWrite lock.
	Read bool
}

// Client talks to one lock server. Construct with New; Close releases the
// pool. A Client is safe for concurrent use by many goroutines.
type Client struct {
	cfg        cfg
	correlator *correlator
	conns      []*conn
	sem        chan struct{} // admission: bounds concurrent in-flight writes
	next       uint32        // round-robin cursor, atomic
	identity   int64         // last issued identity, atomic

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a client for the server at addr ("host:port"). Each pooled
// connection is dialed once synchronously so a reachable server is usable
// immediately; connections that fail here (or later) redial in the
// background with backoff, and until one is up every call fails fast with
// a fabricated connection-failure response.
func New(addr string, opts ...Opt) *Client {
	cfg := defaultCfg()
	cfg.addr = addr
	for _, opt := range opts {
		opt(&cfg)
	}

	cl := &Client{
		cfg:        cfg,
		correlator: newCorrelator(),
		sem:        make(chan struct{}, cfg.ioWorkers),
	}
	cl.ctx, cl.cancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.conns; i++ {
		cn := &conn{cl: cl, idx: i, dead: 1}
		cl.conns = append(cl.conns, cn)
	}
	for _, cn := range cl.conns {
		nc, codec, err := cl.dial()
		if err != nil {
			cl.cfg.logger.Log(lockdlog.LevelDebug, "initial dial failed", "conn", cn.idx, "addr", addr, "err", err)
			go cn.manage(nil)
			continue
		}
		cn.bind(nc, codec)
		go cn.manage(nc)
	}
	return cl
}

// Close tears down the pool. In-flight requests receive fabricated
// connection-failure responses; locks already granted server-side stay
// held there.
func (cl *Client) Close() {
	cl.closeOnce.Do(func() {
		cl.cancel()
		for _, cn := range cl.conns {
			cn.mu.Lock()
			if cn.nc != nil {
				cn.nc.Close()
			}
			cn.mu.Unlock()
		}
	})
}

// nextIdentity issues the next request identity. Identities are unique for
// the lifetime of this client; deriving them from request content instead
// would collide whenever a caller repeats an operation on a key.
func (cl *Client) nextIdentity() int64 {
	return atomic.AddInt64(&cl.identity, 1)
}

// Lock acquires op's lock, waiting in the server's per-key queue as long
// as it takes. The wait cannot be cancelled once the request is written;
// ctx only bounds the wait for admission.
func (cl *Client) Lock(ctx context.Context, op Op) *lockproto.Response {
	return cl.send(ctx, cl.request(op, true, false))
}

// TryLock attempts op's lock without waiting; contention fails immediately.
func (cl *Client) TryLock(ctx context.Context, op Op) *lockproto.Response {
	return cl.send(ctx, cl.request(op, true, true))
}

// Unlock releases op's lock. Releasing a lock the caller no longer holds
// is benign and still succeeds.
func (cl *Client) Unlock(ctx context.Context, op Op) *lockproto.Response {
	return cl.send(ctx, cl.request(op, false, false))
}

func (cl *Client) request(op Op, isLock, try bool) *lockproto.Request {
	return &lockproto.Request{
		Key:         op.Key,
		Application: cl.cfg.application,
		Thread:      op.Thread,
		Type:        op.Type,
		IsLock:      isLock,
		TryLock:     try,
		Time:        op.TimeMillis,
		ReadLock:    op.Read,
		Identity:    cl.nextIdentity(),
	}
}

const (
	causeEmptyKey    = "Lock key must not be empty, request cancelled."
	causeUnknownType = "Unknown lock type, request cancelled."
)

// send delivers req and blocks until its response arrives or is fabricated.
//
// The admission permit is held for the write only, not the full round
// trip: that bounds in-flight writes to the i/o worker count without
// starving the read loops that must consume the responses.
func (cl *Client) send(ctx context.Context, req *lockproto.Request) *lockproto.Response {
	if req.Key == "" {
		return &lockproto.Response{Identity: req.Identity, Success: false, Cause: causeEmptyKey, IsLockResponse: !req.IsLock}
	}
	if !req.Type.Valid() {
		return &lockproto.Response{Key: req.Key, Identity: req.Identity, Success: false, Cause: causeUnknownType, IsLockResponse: !req.IsLock}
	}

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		return &lockproto.Response{Key: req.Key, Identity: req.Identity, Success: false, Cause: lockproto.CauseConnectionFailed, IsLockResponse: !req.IsLock}
	}

	rv := cl.correlator.register(req.Identity)
	cn := cl.acquireConn()
	if cn == nil {
		cl.correlator.fail(req, lockproto.CauseConnectionFailed)
		<-cl.sem
		return cl.correlator.await(rv)
	}
	err := cn.writeRequest(req)
	<-cl.sem
	if err != nil {
		cl.correlator.fail(req, lockproto.CauseConnectionFailed)
	}
	return cl.correlator.await(rv)
}

package lockclient

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/lockd/internal/authhs"
	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

var (
	// ErrNoConn is the local fault behind a fabricated connection-failure
	// response: no pooled connection is currently live.
	ErrNoConn = errors.New("lockclient: no live connection to the server")

	errUnexpectedFrame = errors.New("lockclient: server sent a request frame")
)

// conn is one pooled long-lived connection. Writes from many goroutines
// serialize on mu; responses are read by a single readLoop goroutine and
// handed to the correlator. The frame read itself never waits behind a
// write; readLoop only takes mu briefly to drop the identity from
// outstanding, and so waits while a write holds it.
type conn struct {
	cl  *Client
	idx int

	mu          sync.Mutex
	nc          net.Conn
	codec       lockproto.Codec
	outstanding map[int64]*lockproto.Request

	// dead is 1 until a dial completes and again after any i/o error.
	dead int32
}

// bind makes a freshly negotiated connection the live one.
func (cn *conn) bind(nc net.Conn, codec lockproto.Codec) {
	cn.mu.Lock()
	cn.nc = nc
	cn.codec = codec
	cn.outstanding = make(map[int64]*lockproto.Request)
	cn.mu.Unlock()
	atomic.StoreInt32(&cn.dead, 0)
}

// manage owns the connection's lifecycle: read until death, then redial
// with backoff, forever, until the client closes. bound, when non-nil, is
// a connection the client already dialed and negotiated.
func (cn *conn) manage(bound net.Conn) {
	nc := bound
	backoff := cn.cl.cfg.backoffMin
	for {
		if nc == nil {
			select {
			case <-cn.cl.ctx.Done():
				return
			default:
			}
			dialed, codec, err := cn.cl.dial()
			if err != nil {
				cn.cl.cfg.logger.Log(lockdlog.LevelDebug, "dial failed", "conn", cn.idx, "addr", cn.cl.cfg.addr, "err", err)
				select {
				case <-time.After(backoff):
				case <-cn.cl.ctx.Done():
					return
				}
				backoff *= 2
				if backoff > cn.cl.cfg.backoffMax {
					backoff = cn.cl.cfg.backoffMax
				}
				continue
			}
			cn.bind(dialed, codec)
			nc = dialed
		}
		backoff = cn.cl.cfg.backoffMin

		cn.readLoop(nc)
		nc = nil

		select {
		case <-cn.cl.ctx.Done():
			return
		default:
		}
	}
}

// readLoop demuxes incoming frames to the correlator until the connection
// dies.
func (cn *conn) readLoop(nc net.Conn) {
	for {
		_, resp, err := lockproto.ReadMessage(nc)
		if err != nil {
			cn.die(nc, err)
			return
		}
		if resp == nil {
			cn.die(nc, errUnexpectedFrame)
			return
		}
		cn.mu.Lock()
		delete(cn.outstanding, resp.Identity)
		cn.mu.Unlock()
		if !cn.cl.correlator.complete(resp) {
			cn.cl.cfg.logger.Log(lockdlog.LevelDebug, "dropping response with no pending request",
				"conn", cn.idx, "key", resp.Key, "identity", resp.Identity)
		}
	}
}

// die marks the connection dead and fails every request still awaiting a
// response on it; manage redials afterward.
func (cn *conn) die(nc net.Conn, err error) {
	atomic.StoreInt32(&cn.dead, 1)
	nc.Close()

	cn.mu.Lock()
	orphans := cn.outstanding
	cn.outstanding = nil
	cn.nc = nil
	cn.mu.Unlock()

	if err != io.EOF || len(orphans) > 0 {
		cn.cl.cfg.logger.Log(lockdlog.LevelWarn, "connection died",
			"conn", cn.idx, "orphaned_requests", len(orphans), "err", err)
	}
	for _, req := range orphans {
		cn.cl.correlator.fail(req, lockproto.CauseConnectionFailed)
	}
}

// writeRequest frames req onto the connection. The identity is tracked as
// outstanding first so a death between write and response fabricates a
// failure for it.
func (cn *conn) writeRequest(req *lockproto.Request) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if atomic.LoadInt32(&cn.dead) == 1 || cn.nc == nil {
		return ErrNoConn
	}
	cn.outstanding[req.Identity] = req
	if err := lockproto.WriteRequest(cn.nc, req, cn.codec); err != nil {
		delete(cn.outstanding, req.Identity)
		cn.nc.Close() // readLoop notices and runs die
		return err
	}
	return nil
}

// dial opens, authenticates, and negotiates one connection.
func (cl *Client) dial() (net.Conn, lockproto.Codec, error) {
	nc, err := net.DialTimeout("tcp", cl.cfg.addr, cl.cfg.dialTimeout)
	if err != nil {
		return nil, 0, err
	}
	if cl.cfg.authToken != "" {
		if err := authhs.ClientHandshake(nc, cl.cfg.authToken); err != nil {
			nc.Close()
			return nil, 0, err
		}
	}
	codec, err := lockproto.NegotiateClient(nc, cl.cfg.compression)
	if err != nil {
		nc.Close()
		return nil, 0, err
	}
	return nc, codec, nil
}

// acquireConn picks any live connection round-robin, failing fast with nil
// when none is up; reconnection happens in the background regardless.
func (cl *Client) acquireConn() *conn {
	n := uint32(len(cl.conns))
	start := atomic.AddUint32(&cl.next, 1)
	for i := uint32(0); i < n; i++ {
		cn := cl.conns[(start+i)%n]
		if atomic.LoadInt32(&cn.dead) == 0 {
			return cn
		}
	}
	return nil
}

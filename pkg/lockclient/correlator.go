package lockclient

import (
	"sync"

	"github.com/twmb/lockd/pkg/lockproto"
)

// correlator routes responses read off any pooled connection back to the
// goroutine that sent the matching request. Identity is the sole routing
// key; the one-slot channels are pooled so a busy client does not allocate
// a rendezvous per request.
type correlator struct {
	pending sync.Map // identity int64 -> chan *lockproto.Response (cap 1)
	slots   sync.Pool
}

func newCorrelator() *correlator {
	return &correlator{
		slots: sync.Pool{New: func() interface{} {
			return make(chan *lockproto.Response, 1)
		}},
	}
}

// register installs a rendezvous for identity; it must be called before
// the request is written so the response cannot race past us.
func (c *correlator) register(identity int64) chan *lockproto.Response {
	rv := c.slots.Get().(chan *lockproto.Response)
	c.pending.Store(identity, rv)
	return rv
}

// complete routes resp to its waiter, reporting whether one was found.
// An unmatched response (the waiter already failed locally, or a duplicate
// delivery) is dropped.
func (c *correlator) complete(resp *lockproto.Response) bool {
	v, found := c.pending.LoadAndDelete(resp.Identity)
	if !found {
		return false
	}
	v.(chan *lockproto.Response) <- resp
	return true
}

// fail fabricates a failure response for req and completes its rendezvous,
// so a request that never reached the server still produces the same
// response shape a remote failure would.
func (c *correlator) fail(req *lockproto.Request, cause string) {
	c.complete(&lockproto.Response{
		Key:            req.Key,
		Identity:       req.Identity,
		Success:        false,
		Cause:          cause,
		IsLockResponse: !req.IsLock,
	})
}

// await blocks until rv completes, recycling the slot for reuse.
func (c *correlator) await(rv chan *lockproto.Response) *lockproto.Response {
	resp := <-rv
	c.slots.Put(rv)
	return resp
}

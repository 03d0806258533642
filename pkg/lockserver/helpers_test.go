package lockserver

import (
	"testing"
	"time"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// testServer builds a server with a short pipeline idle so retirement is
// observable; no listener is started, tests drive the dispatcher directly.
func testServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(Config{Logger: lockdlog.Nop{}, PipelineIdle: 50 * time.Millisecond})
	t.Cleanup(func() { s.Close() })
	return s
}

// doAsync dispatches req and returns the channel its response will land
// on. Blocking lock requests are enqueued synchronously, so dispatch order
// here is pipeline order.
func doAsync(s *Server, req *lockproto.Request) <-chan *lockproto.Response {
	ch := make(chan *lockproto.Response, 1)
	s.dispatcher.dispatch(req, func(resp *lockproto.Response) { ch <- resp })
	return ch
}

// do dispatches req and waits for its response. Only call from the test
// goroutine.
func do(t *testing.T, s *Server, req *lockproto.Request) *lockproto.Response {
	t.Helper()
	select {
	case resp := <-doAsync(s, req):
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("no response for identity %d (key %q)", req.Identity, req.Key)
		return nil
	}
}

// recv waits up to timeout for a response on ch.
func recv(t *testing.T, ch <-chan *lockproto.Response, timeout time.Duration) *lockproto.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		t.Fatalf("no response within %v", timeout)
		return nil
	}
}

// wantBlocked asserts that no response arrives on ch for the given window.
func wantBlocked(t *testing.T, ch <-chan *lockproto.Response, window time.Duration) {
	t.Helper()
	select {
	case resp := <-ch:
		t.Fatalf("expected request to stay blocked, got response success=%v cause=%q", resp.Success, resp.Cause)
	case <-time.After(window):
	}
}

func wantSuccess(t *testing.T, resp *lockproto.Response) {
	t.Helper()
	if !resp.Success || resp.Cause != "" {
		t.Fatalf("expected success, got success=%v cause=%q", resp.Success, resp.Cause)
	}
}

func wantFailure(t *testing.T, resp *lockproto.Response, cause string) {
	t.Helper()
	if resp.Success || resp.Cause != cause {
		t.Fatalf("expected failure with cause %q, got success=%v cause=%q", cause, resp.Success, resp.Cause)
	}
}

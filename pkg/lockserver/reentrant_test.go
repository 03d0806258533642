package lockserver

import (
	"testing"
	"time"

	"github.com/twmb/lockd/pkg/lockproto"
)

func reentrantReq(app string, isLock, try bool, identity int64) *lockproto.Request {
	return &lockproto.Request{Key: "r", Application: app, Thread: "1", Type: lockproto.Reentrant, IsLock: isLock, TryLock: try, Identity: identity}
}

// TestReentrantDepth nests three acquisitions (each with a fresh identity,
// as real clients issue them) and requires three unlocks before anyone
// else gets in.
func TestReentrantDepth(t *testing.T) {
	s := testServer(t)

	wantSuccess(t, do(t, s, reentrantReq("x", true, true, 20)))
	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 21)))
	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 22)))

	wantFailure(t, do(t, s, reentrantReq("y", true, true, 23)), lockproto.CauseAlreadyLocked)

	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 24)))
	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 25)))

	// depth still 1: others stay out
	wantFailure(t, do(t, s, reentrantReq("y", true, true, 26)), lockproto.CauseAlreadyLocked)

	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 27)))
	wantSuccess(t, do(t, s, reentrantReq("y", true, true, 28)))
}

// TestReentrantBalancedRelease checks the server retains no state for a
// key after N acquires and N unlocks.
func TestReentrantBalancedRelease(t *testing.T) {
	s := testServer(t)

	var id int64 = 100
	for i := 0; i < 5; i++ {
		id++
		wantSuccess(t, do(t, s, reentrantReq("x", true, false, id)))
	}
	for i := 0; i < 5; i++ {
		id++
		wantSuccess(t, do(t, s, reentrantReq("x", false, false, id)))
	}

	r := s.dispatcher.resolvers[lockproto.Reentrant].(*reentrantResolver)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.holder) != 0 || len(r.count) != 0 || len(r.waitq) != 0 {
		t.Fatalf("state left behind after balanced release: holder=%d count=%d waitq=%d", len(r.holder), len(r.count), len(r.waitq))
	}
}

// A blocking re-acquire by the holder resolves inline without spinning up
// a pipeline worker; parked behind its own waiters it would deadlock.
func TestReentrantSelfAcquireSkipsPipeline(t *testing.T) {
	s := testServer(t)

	// The first blocking acquire runs on the key's pipeline like any other;
	// once that worker retires, the re-acquire must not start a new one.
	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 40)))
	if n := s.dispatcher.pipelines.live(); n != 1 {
		t.Fatalf("first blocking acquire should run on a pipeline, have %d", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.dispatcher.pipelines.live() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pipeline worker did not retire, %d still live", s.dispatcher.pipelines.live())
		}
		time.Sleep(20 * time.Millisecond)
	}
	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 41)))
	if n := s.dispatcher.pipelines.live(); n != 0 {
		t.Fatalf("self re-acquire should bypass the pipeline, have %d", n)
	}
	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 42)))
	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 43)))
}

func TestReentrantContendedHandoff(t *testing.T) {
	s := testServer(t)

	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 60)))
	wantSuccess(t, do(t, s, reentrantReq("x", true, false, 61)))

	waiter := doAsync(s, reentrantReq("y", true, false, 62))
	wantBlocked(t, waiter, 50*time.Millisecond)

	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 63)))
	wantBlocked(t, waiter, 50*time.Millisecond) // depth 1 remains

	wantSuccess(t, do(t, s, reentrantReq("x", false, false, 64)))
	wantSuccess(t, recv(t, waiter, 2*time.Second))

	// y's grant starts at depth 1
	wantSuccess(t, do(t, s, reentrantReq("y", false, false, 65)))
	wantSuccess(t, do(t, s, reentrantReq("x", true, true, 66)))
}

package lockserver

import (
	"testing"
	"time"

	"github.com/twmb/lockd/pkg/lockproto"
)

// TestBlockingFIFOOrder enqueues three blocking locks in order on one key
// and requires grants to come back in the same order, one per release.
func TestBlockingFIFOOrder(t *testing.T) {
	s := testServer(t)
	req := func(app string, isLock bool, identity int64) *lockproto.Request {
		return &lockproto.Request{Key: "q", Application: app, Thread: "1", Type: lockproto.Simple, IsLock: isLock, Identity: identity}
	}

	wantSuccess(t, do(t, s, req("x", true, 1)))

	r1 := doAsync(s, req("a", true, 2))
	r2 := doAsync(s, req("b", true, 3))
	r3 := doAsync(s, req("c", true, 4))

	wantSuccess(t, do(t, s, req("x", false, 5)))
	wantSuccess(t, recv(t, r1, 2*time.Second))
	wantBlocked(t, r2, 50*time.Millisecond)
	wantBlocked(t, r3, 20*time.Millisecond)

	wantSuccess(t, do(t, s, req("a", false, 6)))
	wantSuccess(t, recv(t, r2, 2*time.Second))
	wantBlocked(t, r3, 50*time.Millisecond)

	wantSuccess(t, do(t, s, req("b", false, 7)))
	wantSuccess(t, recv(t, r3, 2*time.Second))
	wantSuccess(t, do(t, s, req("c", false, 8)))
}

// TestPipelineWorkerRetires: the per-key worker exits after the idle grace
// and a later contention transparently starts a fresh one.
func TestPipelineWorkerRetires(t *testing.T) {
	s := testServer(t) // 50ms pipeline idle
	req := func(app string, isLock bool, identity int64) *lockproto.Request {
		return &lockproto.Request{Key: "idle", Application: app, Thread: "1", Type: lockproto.Simple, IsLock: isLock, Identity: identity}
	}

	wantSuccess(t, do(t, s, req("x", true, 1)))
	waiter := doAsync(s, req("y", true, 2))
	if n := s.dispatcher.pipelines.live(); n != 1 {
		t.Fatalf("expected 1 live pipeline, have %d", n)
	}

	wantSuccess(t, do(t, s, req("x", false, 3)))
	wantSuccess(t, recv(t, waiter, 2*time.Second))
	wantSuccess(t, do(t, s, req("y", false, 4)))

	deadline := time.Now().Add(2 * time.Second)
	for s.dispatcher.pipelines.live() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pipeline worker did not retire, %d still live", s.dispatcher.pipelines.live())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// contention after retirement starts a fresh worker
	wantSuccess(t, do(t, s, req("x", true, 5)))
	waiter = doAsync(s, req("y", true, 6))
	wantBlocked(t, waiter, 30*time.Millisecond)
	wantSuccess(t, do(t, s, req("x", false, 7)))
	wantSuccess(t, recv(t, waiter, 2*time.Second))
}

// Contending blocking locks on different keys are independent: a parked
// waiter on one key never delays a grant on another.
func TestPipelinesShardByKey(t *testing.T) {
	s := testServer(t)

	wantSuccess(t, do(t, s, &lockproto.Request{Key: "k1", Application: "x", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 1}))
	parked := doAsync(s, &lockproto.Request{Key: "k1", Application: "y", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 2})
	wantBlocked(t, parked, 30*time.Millisecond)

	free := doAsync(s, &lockproto.Request{Key: "k2", Application: "z", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 3})
	wantSuccess(t, recv(t, free, 2*time.Second))

	wantSuccess(t, do(t, s, &lockproto.Request{Key: "k1", Application: "x", Thread: "1", Type: lockproto.Simple, Identity: 4}))
	wantSuccess(t, recv(t, parked, 2*time.Second))
}

func TestDispatchValidation(t *testing.T) {
	s := testServer(t)

	empty := do(t, s, &lockproto.Request{Key: "", Application: "x", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 1})
	if empty.Success {
		t.Fatal("empty key must be rejected")
	}

	unknown := do(t, s, &lockproto.Request{Key: "k", Application: "x", Thread: "1", Type: lockproto.LockType(3), IsLock: true, Identity: 2})
	if unknown.Success {
		t.Fatal("unknown lock type must be rejected")
	}
}

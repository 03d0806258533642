package lockserver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/lockd/pkg/lockproto"
)

func TestSimpleContention(t *testing.T) {
	s := testServer(t)

	x := do(t, s, &lockproto.Request{Key: "k", Application: "x", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 1})
	wantSuccess(t, x)
	if x.IsLockResponse {
		t.Errorf("lock ack should carry IsLockResponse=false, got true")
	}
	if x.Identity != 1 || x.Key != "k" {
		t.Errorf("response identity/key mismatch: %+v", x)
	}

	y := do(t, s, &lockproto.Request{Key: "k", Application: "y", Thread: "1", Type: lockproto.Simple, IsLock: true, TryLock: true, Identity: 2})
	wantFailure(t, y, lockproto.CauseAlreadyLocked)

	xu := do(t, s, &lockproto.Request{Key: "k", Application: "x", Thread: "1", Type: lockproto.Simple, Identity: 3})
	wantSuccess(t, xu)
	if !xu.IsLockResponse {
		t.Errorf("unlock ack should carry IsLockResponse=true, got false")
	}

	// freed: a second tryLock now wins
	y2 := do(t, s, &lockproto.Request{Key: "k", Application: "y", Thread: "1", Type: lockproto.Simple, IsLock: true, TryLock: true, Identity: 4})
	wantSuccess(t, y2)
}

func TestSimpleUnlockUnheldBenign(t *testing.T) {
	s := testServer(t)
	resp := do(t, s, &lockproto.Request{Key: "never-locked", Application: "x", Thread: "1", Type: lockproto.Simple, Identity: 5})
	wantSuccess(t, resp)
}

// TestSimpleMutualExclusion races blocking acquisitions from many
// goroutines and asserts at most one holder at any instant.
func TestSimpleMutualExclusion(t *testing.T) {
	s := testServer(t)

	var (
		holders  int32
		identity int64 = 100
		wg       sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			app := string(rune('a' + g))
			for i := 0; i < 20; i++ {
				lockID := atomic.AddInt64(&identity, 1)
				resp := <-doAsync(s, &lockproto.Request{Key: "mx", Application: app, Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: lockID})
				if !resp.Success {
					t.Errorf("goroutine %d: lock failed: %q", g, resp.Cause)
					return
				}
				if n := atomic.AddInt32(&holders, 1); n != 1 {
					t.Errorf("goroutine %d: %d concurrent holders", g, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders, -1)
				unlockID := atomic.AddInt64(&identity, 1)
				resp = <-doAsync(s, &lockproto.Request{Key: "mx", Application: app, Thread: "1", Type: lockproto.Simple, Identity: unlockID})
				if !resp.Success {
					t.Errorf("goroutine %d: unlock failed: %q", g, resp.Cause)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

// A tryLock against a contended key neither jumps the waiter queue nor
// waits behind it: it fails immediately while the waiter stays parked.
func TestSimpleTryLockIndependentOfWaiters(t *testing.T) {
	s := testServer(t)

	wantSuccess(t, do(t, s, &lockproto.Request{Key: "c", Application: "x", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 10}))
	waiter := doAsync(s, &lockproto.Request{Key: "c", Application: "y", Thread: "1", Type: lockproto.Simple, IsLock: true, Identity: 11})
	wantBlocked(t, waiter, 50*time.Millisecond)

	try := do(t, s, &lockproto.Request{Key: "c", Application: "z", Thread: "1", Type: lockproto.Simple, IsLock: true, TryLock: true, Identity: 12})
	wantFailure(t, try, lockproto.CauseAlreadyLocked)

	wantSuccess(t, do(t, s, &lockproto.Request{Key: "c", Application: "x", Thread: "1", Type: lockproto.Simple, Identity: 13}))
	wantSuccess(t, recv(t, waiter, 2*time.Second))
}

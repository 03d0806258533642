package lockclient

import (
	"sync"
	"testing"

	"github.com/twmb/lockd/pkg/lockproto"
)

// Identities must never repeat within a client's lifetime, no matter how
// many goroutines are issuing.
func TestIdentityUniqueness(t *testing.T) {
	cl := new(Client)

	const goroutines, perG = 8, 1000
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, goroutines*perG)
		wg   sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perG)
			for i := 0; i < perG; i++ {
				ids = append(ids, cl.nextIdentity())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("identity %d issued twice", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
	if len(seen) != goroutines*perG {
		t.Fatalf("expected %d unique identities, have %d", goroutines*perG, len(seen))
	}
}

// Responses route to exactly the registered identity even when completion
// order is scrambled across goroutines.
func TestCorrelatorRouting(t *testing.T) {
	c := newCorrelator()

	const n = 100
	type got struct {
		want int64
		resp *lockproto.Response
	}
	results := make(chan got, n)
	var start, done sync.WaitGroup
	start.Add(1)
	for id := int64(1); id <= n; id++ {
		rv := c.register(id)
		done.Add(1)
		go func(id int64, rv chan *lockproto.Response) {
			defer done.Done()
			start.Wait()
			results <- got{want: id, resp: c.await(rv)}
		}(id, rv)
	}
	start.Done()

	for id := int64(n); id >= 1; id-- { // reverse order on purpose
		if !c.complete(&lockproto.Response{Key: "k", Identity: id, Success: true}) {
			t.Fatalf("identity %d had no pending entry", id)
		}
	}
	done.Wait()
	close(results)

	for g := range results {
		if g.resp.Identity != g.want {
			t.Fatalf("waiter for identity %d received response for %d", g.want, g.resp.Identity)
		}
	}
}

func TestCorrelatorUnmatchedDropped(t *testing.T) {
	c := newCorrelator()
	if c.complete(&lockproto.Response{Identity: 999}) {
		t.Fatal("unknown identity should not complete anything")
	}
}

// A locally fabricated failure is indistinguishable in shape from a remote
// response and must consume the pending entry.
func TestCorrelatorLocalFailure(t *testing.T) {
	c := newCorrelator()
	req := &lockproto.Request{Key: "k", Type: lockproto.Simple, IsLock: true, Identity: 7}

	rv := c.register(req.Identity)
	c.fail(req, lockproto.CauseConnectionFailed)
	resp := c.await(rv)

	if resp.Success || resp.Cause != lockproto.CauseConnectionFailed || resp.Identity != 7 {
		t.Fatalf("unexpected fabricated response: %+v", resp)
	}
	if c.complete(&lockproto.Response{Identity: 7}) {
		t.Fatal("identity should no longer be pending after a local failure")
	}
}

// Command lockctl issues one lock operation against a running lockd, for
// smoke testing and scripting. Exit status 0 when the operation succeeds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockclient"
	"github.com/twmb/lockd/pkg/lockproto"
)

func parseType(s string) (lockproto.LockType, error) {
	switch s {
	case "simple":
		return lockproto.Simple, nil
	case "timeout":
		return lockproto.Timeout, nil
	case "reentrant":
		return lockproto.Reentrant, nil
	case "read-write", "rw":
		return lockproto.ReadWrite, nil
	}
	return 0, fmt.Errorf("unknown lock type %q", s)
}

func main() {
	var (
		addr        = flag.String("addr", "localhost:40417", "lockd address")
		typ         = flag.String("type", "simple", "lock type: simple, timeout, reentrant, or read-write")
		key         = flag.String("key", "", "lock key")
		op          = flag.String("op", "lock", "operation: lock, trylock, or unlock")
		thread      = flag.String("thread", "main", "caller label within this application")
		timeMillis  = flag.Int64("time", 0, "expiration in milliseconds for a timeout acquire")
		read        = flag.Bool("read", false, "operate on the read side of a read-write lock")
		authToken   = flag.String("auth-token", "", "pre-shared key, when the server requires one")
		compression = flag.String("compression", "none", "frame compression to request: none, snappy, lz4, or zstd")
		verbose     = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	lt, err := parseType(*typ)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	codec, err := lockproto.ParseCodec(*compression)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	min := lockdlog.LevelWarn
	if *verbose {
		min = lockdlog.LevelDebug
	}
	cl := lockclient.New(*addr,
		lockclient.WithAuthToken(*authToken),
		lockclient.WithCompression(codec),
		lockclient.WithLogger(lockdlog.NewBasic(min)),
	)
	defer cl.Close()

	lop := lockclient.Op{
		Type:       lt,
		Key:        *key,
		Thread:     *thread,
		TimeMillis: *timeMillis,
		Read:       *read,
	}

	var resp *lockproto.Response
	switch *op {
	case "lock":
		resp = cl.Lock(context.Background(), lop)
	case "trylock":
		resp = cl.TryLock(context.Background(), lop)
	case "unlock":
		resp = cl.Unlock(context.Background(), lop)
	default:
		fmt.Fprintf(os.Stderr, "unknown operation %q\n", *op)
		os.Exit(2)
	}

	fmt.Printf("key=%s identity=%d success=%v cause=%q\n", resp.Key, resp.Identity, resp.Success, resp.Cause)
	if !resp.Success {
		os.Exit(1)
	}
}

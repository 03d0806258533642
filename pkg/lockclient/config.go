package lockclient

import (
	"fmt"
	"os"
	"time"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

// Opt configures a Client at construction.
type Opt func(*cfg)

type cfg struct {
	addr        string
	conns       int
	ioWorkers   int
	application string
	authToken   string
	compression lockproto.Codec
	dialTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	logger      lockdlog.Logger
}

func defaultCfg() cfg {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return cfg{
		conns:       2,
		ioWorkers:   8,
		application: fmt.Sprintf("%s-%d", host, os.Getpid()),
		dialTimeout: 5 * time.Second,
		backoffMin:  50 * time.Millisecond,
		backoffMax:  time.Second,
		logger:      lockdlog.Nop{},
	}
}

// WithConns sets the number of pooled connections to the server.
func WithConns(n int) Opt {
	return func(c *cfg) {
		if n > 0 {
			c.conns = n
		}
	}
}

// WithIOWorkers bounds how many requests may be writing concurrently; this
// is the capacity of the admission semaphore gating send.
func WithIOWorkers(n int) Opt {
	return func(c *cfg) {
		if n > 0 {
			c.ioWorkers = n
		}
	}
}

// WithApplication sets the application label carried on every request. It
// identifies this client for logging and, together with Op.Thread, as the
// ownership fingerprint for reentrant re-acquisition, timeout unlocks and
// the read-write downgrade check; the default is hostname-pid.
func WithApplication(app string) Opt {
	return func(c *cfg) { c.application = app }
}

// WithAuthToken enables the pre-shared-key handshake on every dial.
func WithAuthToken(token string) Opt {
	return func(c *cfg) { c.authToken = token }
}

// WithCompression requests a frame compression codec at dial time; the
// server may refuse and answer CodecNone.
func WithCompression(codec lockproto.Codec) Opt {
	return func(c *cfg) { c.compression = codec }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Opt {
	return func(c *cfg) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithLogger sets the client's logger; the default discards everything.
func WithLogger(l lockdlog.Logger) Opt {
	return func(c *cfg) {
		if l != nil {
			c.logger = l
		}
	}
}

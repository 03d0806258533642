package lockserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/twmb/lockd/internal/authhs"
	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
)

const (
	DefaultPort    = 40417
	DefaultBacklog = 1024

	defaultWorkers      = 32
	defaultPipelineIdle = time.Second
)

// ErrServerClosed is returned by Serve when it is called after Close.
var ErrServerClosed = errors.New("lockserver: server closed")

// Config carries the server's settings; zero values pick the defaults.
type Config struct {
	// Port is the TCP port ListenAndServe binds.
	Port int

	// Backlog is the requested accept backlog. Go's listener always uses
	// the kernel's configured backlog, so this is recorded for operators
	// and logged at startup but has no further effect here.
	Backlog int

	// AuthToken, when non-empty, requires every connection to complete
	// the pre-shared-key handshake before its first frame.
	AuthToken string

	// Compression caps the frame compression negotiated per connection;
	// CodecNone disables it for all clients.
	Compression lockproto.Codec

	// Workers sizes the pool handling non-blocking operations.
	Workers int

	// PipelineIdle is how long a per-key pipeline worker lingers without
	// traffic before retiring.
	PipelineIdle time.Duration

	Logger lockdlog.Logger
}

// Server is the aggregate root: the four resolvers, the dispatcher and its
// pipelines, the timeout reaper, and the accept loop. Construct with
// NewServer; there are no package-level singletons.
type Server struct {
	cfg        Config
	dispatcher *dispatcher
	timeouts   *timeoutResolver

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PipelineIdle <= 0 {
		cfg.PipelineIdle = defaultPipelineIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = lockdlog.Nop{}
	}

	timeouts := newTimeoutResolver(cfg.Logger)
	resolvers := map[lockproto.LockType]Resolver{
		lockproto.Simple:    newSimpleResolver(cfg.Logger),
		lockproto.Timeout:   timeouts,
		lockproto.Reentrant: newReentrantResolver(cfg.Logger),
		lockproto.ReadWrite: newReadWriteResolver(cfg.Logger),
	}

	return &Server{
		cfg:        cfg,
		dispatcher: newDispatcher(resolvers, cfg.Workers, cfg.PipelineIdle, cfg.Logger),
		timeouts:   timeouts,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured port and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	s.cfg.Logger.Log(lockdlog.LevelInfo, "listening", "addr", ln.Addr(), "backlog", s.cfg.Backlog)
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil when Close
// stops it, ErrServerClosed when the server was already closed before the
// call, and any other accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConn is the single inbound handler for one connection: handshake,
// codec negotiation, then a read loop that dispatches every decoded
// request. Responses are written back on the same connection under one
// write mutex, from whichever worker resolved the request.
func (s *Server) handleConn(c net.Conn) {
	logger := s.cfg.Logger
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if s.cfg.AuthToken != "" {
		if err := authhs.ServerHandshake(c, s.cfg.AuthToken); err != nil {
			logger.Log(lockdlog.LevelWarn, "connection failed auth handshake", "remote", c.RemoteAddr(), "err", err)
			return
		}
	}
	codec, err := lockproto.NegotiateServer(c, s.cfg.Compression)
	if err != nil {
		logger.Log(lockdlog.LevelWarn, "codec negotiation failed", "remote", c.RemoteAddr(), "err", err)
		return
	}
	logger.Log(lockdlog.LevelDebug, "connection accepted", "remote", c.RemoteAddr(), "codec", codec)

	var wmu sync.Mutex
	respond := func(resp *lockproto.Response) {
		wmu.Lock()
		werr := lockproto.WriteResponse(c, resp, codec)
		wmu.Unlock()
		if werr != nil {
			// The connection is gone but the lock state is not: a lock
			// granted here stays held until its unlock or expiration.
			logger.Log(lockdlog.LevelWarn, "response write failed",
				"remote", c.RemoteAddr(), "key", resp.Key, "identity", resp.Identity, "err", werr)
		}
	}

	for {
		req, _, err := lockproto.ReadMessage(c)
		if err != nil {
			if err != io.EOF {
				logger.Log(lockdlog.LevelDebug, "connection read failed", "remote", c.RemoteAddr(), "err", err)
			}
			return
		}
		if req == nil {
			logger.Log(lockdlog.LevelWarn, "client sent a response frame, closing", "remote", c.RemoteAddr())
			return
		}
		s.dispatcher.dispatch(req, respond)
	}
}

// Close stops accepting, closes every live connection, drains the worker
// pool, and stops the timeout reaper. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.dispatcher.stop()
	s.timeouts.stop()
	return nil
}

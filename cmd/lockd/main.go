// Command lockd runs the lock server.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/twmb/lockd/internal/lockdlog"
	"github.com/twmb/lockd/pkg/lockproto"
	"github.com/twmb/lockd/pkg/lockserver"
)

func main() {
	var (
		port        = flag.Int("port", lockserver.DefaultPort, "TCP port to listen on")
		backlog     = flag.Int("backlog", lockserver.DefaultBacklog, "accept backlog, logged at startup only (the listener uses the kernel's configured backlog)")
		authToken   = flag.String("auth-token", "", "if set, require the pre-shared-key handshake on every connection")
		compression = flag.String("compression", "none", "frame compression cap: none, snappy, lz4, or zstd")
		verbose     = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	codec, err := lockproto.ParseCodec(*compression)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	min := lockdlog.LevelInfo
	if *verbose {
		min = lockdlog.LevelDebug
	}
	logger := lockdlog.NewBasic(min)

	srv := lockserver.NewServer(lockserver.Config{
		Port:        *port,
		Backlog:     *backlog,
		AuthToken:   *authToken,
		Compression: codec,
		Logger:      logger,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Log(lockdlog.LevelInfo, "shutting down")
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Log(lockdlog.LevelError, "server exited", "err", err)
		os.Exit(1)
	}
}

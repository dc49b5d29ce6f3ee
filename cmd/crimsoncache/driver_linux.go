//go:build linux

package main

import (
	"context"
	"net"
	"strconv"

	"github.com/varunrmantri23/CrimsonCache/internal/config"
	"github.com/varunrmantri23/CrimsonCache/internal/reactor"
	"github.com/varunrmantri23/CrimsonCache/internal/server"
)

// newDriver picks the concurrency model named by cfg.Concurrency (spec
// §4.I): "threaded" gets internal/server's goroutine-per-connection
// driver, "eventloop" gets internal/reactor's single-threaded epoll loop.
// Only linux builds can offer the reactor; see driver_other.go for the
// fallback on other platforms.
func newDriver(core *server.Core, cfg config.Config) (driver, error) {
	if cfg.Concurrency == config.ConcurrencyEventloop {
		rd, err := reactor.New(core, cfg.Port, cfg.MaxEvents)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &reactorDriver{rd: rd, ctx: ctx, cancel: cancel, done: make(chan struct{})}, nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	return server.NewThreaded(core, addr)
}

// reactorDriver adapts internal/reactor.Driver's context-taking Run/Shutdown
// pair to the driver interface main() drives, which has no context of its
// own: Shutdown cancels the loop's context and waits for Run to actually
// return before tearing down sockets, so closing fds never races the loop
// still touching them.
type reactorDriver struct {
	rd     *reactor.Driver
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *reactorDriver) Run() error {
	err := r.rd.Run(r.ctx)
	close(r.done)
	return err
}

func (r *reactorDriver) Shutdown() {
	r.cancel()
	<-r.done
	r.rd.Shutdown()
}

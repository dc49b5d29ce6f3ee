//go:build !linux

package main

import (
	"net"
	"strconv"

	"github.com/varunrmantri23/CrimsonCache/internal/config"
	"github.com/varunrmantri23/CrimsonCache/internal/server"
)

// newDriver on non-linux platforms always builds the threaded driver:
// internal/reactor is built directly on golang.org/x/sys/unix epoll
// (spec §4.I's "eventloop" model), which has no portable equivalent here.
// A config asking for eventloop falls back to threaded with a log line
// rather than failing startup.
func newDriver(core *server.Core, cfg config.Config) (driver, error) {
	if cfg.Concurrency == config.ConcurrencyEventloop {
		core.Logger.Warn().Msg("eventloop concurrency requires linux epoll, falling back to threaded")
	}
	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	return server.NewThreaded(core, addr)
}

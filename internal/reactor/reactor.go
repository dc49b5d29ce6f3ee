//go:build linux

// Package reactor implements CrimsonCache's spec §4.I "eventloop"
// concurrency driver: a single goroutine, edge-triggered epoll loop
// multiplexing the listening socket and every client socket, built
// directly on golang.org/x/sys/unix, in the shape of a raw-syscall
// epoll server (epoll_create1/EPOLLET, drain-until-EAGAIN accept and
// read loops). It dispatches
// through the same internal/server.Core wiring the threaded driver uses,
// so both drivers answer identical command semantics.
package reactor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/varunrmantri23/CrimsonCache/internal/server"
)

// epollTimeoutMs bounds how long one EpollWait call blocks, so the loop
// notices context cancellation promptly without busy-waiting.
const epollTimeoutMs = 200

// Driver runs CrimsonCache's command dispatch on a single goroutine: one
// epoll instance owns the listening socket and every accepted client
// socket, and a readiness event is served to completion (read, dispatch,
// reply) before the loop returns to EpollWait.
type Driver struct {
	core *server.Core

	epfd int
	lfd  int

	maxEvents int
	conns     map[int]*clientConn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a reactor bound to port (the wildcard dual-stack address,
// spec §6), sized for maxEvents readiness events per EpollWait batch.
func New(core *server.Core, port int, maxEvents int) (*Driver, error) {
	lfd, err := listenTCP(port, core.Config.MaxClients)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(lfd),
	}); err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl add listener: %w", err)
	}

	if maxEvents <= 0 {
		maxEvents = 64
	}

	return &Driver{
		core:      core,
		epfd:      epfd,
		lfd:       lfd,
		maxEvents: maxEvents,
		conns:     make(map[int]*clientConn),
	}, nil
}

// listenTCP builds a dual-stack (IPV6_V6ONLY off) non-blocking listening
// socket with SO_REUSEADDR set and a backlog sized to maxClients, matching
// spec §6's "accept-queue depth = configured max_clients".
func listenTCP(port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: IPV6_V6ONLY: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind: %w", err)
	}
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: set listener nonblocking: %w", err)
	}
	return fd, nil
}

// Run starts the background workers and drives the epoll loop until ctx
// is canceled. The listener and epoll fds are left open on return;
// Shutdown closes everything, including every still-open client socket.
func (d *Driver) Run(ctx context.Context) error {
	d.core.StartBackgroundWorkers(ctx)

	events := make([]unix.EpollEvent, d.maxEvents)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(d.epfd, events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == d.lfd {
				d.acceptLoop()
				continue
			}
			d.serviceClient(fd, events[i].Events)
		}
	}
}

// acceptLoop drains every pending connection (edge-triggered readiness
// fires once per burst, so every ready fd must be accepted in a loop
// until EAGAIN).
func (d *Driver) acceptLoop() {
	for {
		connFd, sa, err := unix.Accept4(d.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN {
				d.core.Logger.Error().Err(err).Msg("reactor: accept4 failed")
			}
			return
		}

		if d.core.Config.MaxClients > 0 && len(d.conns) >= d.core.Config.MaxClients {
			unix.Close(connFd)
			continue
		}

		if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, connFd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET,
			Fd:     int32(connFd),
		}); err != nil {
			unix.Close(connFd)
			continue
		}

		d.conns[connFd] = &clientConn{fd: connFd, peerIP: peerIPFromSockaddr(sa), driver: d}
		if d.core.Metrics != nil {
			d.core.Metrics.ConnectionsTotal.Inc()
			d.core.Metrics.ConnectionsActive.Inc()
		}
	}
}

func peerIPFromSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}

// serviceClient drains every byte currently available on fd (edge
// -triggered, so reading until EAGAIN is mandatory), splits it into
// complete command lines, and dispatches each one in turn.
func (d *Driver) serviceClient(fd int, events uint32) {
	c, ok := d.conns[fd]
	if !ok {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		d.closeClient(c)
		return
	}

	buf := make([]byte, d.core.Config.BufferSize)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			c.inbuf = append(c.inbuf, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			d.closeClient(c)
			return
		}
		if n == 0 {
			d.closeClient(c)
			return
		}
	}

	d.drainLines(c)
}

// drainLines dispatches every complete newline-terminated line currently
// buffered for c. If REPLCONF listening-port hands this fd off to
// replication mid-loop, c is no longer tracked in d.conns and the
// remaining (already-buffered) bytes, if any, are discarded — spec §4.H
// treats the REPLCONF/PSYNC handshake as the last command this session
// issues as an ordinary client.
func (d *Driver) drainLines(c *clientConn) {
	for {
		idx := bytes.IndexByte(c.inbuf, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(c.inbuf[:idx]), "\r")
		c.inbuf = c.inbuf[idx+1:]

		d.core.Dispatcher.Dispatch(c, &c.txn, line, false)

		if _, stillTracked := d.conns[c.fd]; !stillTracked {
			return
		}
	}
}

func (d *Driver) closeClient(c *clientConn) {
	unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	d.core.PubSub.RemoveClient(c)
	unix.Close(c.fd)
	delete(d.conns, c.fd)
	if d.core.Metrics != nil {
		d.core.Metrics.ConnectionsActive.Dec()
	}
}

// detach removes fd from epoll and the driver's bookkeeping without
// closing it, used when Conn() hands a client socket's ownership to the
// replication engine's own writer goroutine.
func (d *Driver) detach(fd int) {
	unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(d.conns, fd)
	if d.core.Metrics != nil {
		d.core.Metrics.ConnectionsActive.Dec()
	}
}

// Shutdown closes every open client socket, the listener, and the epoll
// instance, then stops background workers and persists a final snapshot.
func (d *Driver) Shutdown() {
	for fd, c := range d.conns {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		d.core.PubSub.RemoveClient(c)
		unix.Close(fd)
	}
	unix.Close(d.lfd)
	unix.Close(d.epfd)
	d.core.Shutdown()
}

// ConnectionCount reports the number of currently-tracked client sockets.
func (d *Driver) ConnectionCount() int { return len(d.conns) }

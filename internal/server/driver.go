package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/varunrmantri23/CrimsonCache/internal/logging"
)

// Threaded is the spec §4.I "threaded" concurrency driver: the listener
// accepts connections on the calling goroutine and hands each one off to
// its own goroutine, bounded by a connection semaphore sized to
// config.MaxClients — a `connectionsSem chan struct{}` shape, the same
// kind of gate used elsewhere to cap concurrent connection upgrades.
type Threaded struct {
	core     *Core
	listener net.Listener
	connSem  chan struct{}

	mu      sync.Mutex
	clients map[*session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewThreaded builds a Threaded driver bound to addr (host:port, or
// ":<port>" for the dual-stack default). It does not start accepting
// until Run is called.
func NewThreaded(core *Core, addr string) (*Threaded, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Threaded{
		core:     core,
		listener: ln,
		connSem:  make(chan struct{}, core.Config.MaxClients),
		clients:  make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run starts the background workers and the accept loop, blocking until
// the listener is closed by Shutdown.
func (t *Threaded) Run() error {
	t.core.StartBackgroundWorkers(t.ctx)

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.core.Logger.Error().Err(err).Msg("accept failed")
			continue
		}
		t.acceptConn(conn)
	}
}

func (t *Threaded) acceptConn(conn net.Conn) {
	select {
	case t.connSem <- struct{}{}:
	case <-time.After(5 * time.Second):
		t.core.Logger.Warn().Str("peer", conn.RemoteAddr().String()).Msg("connection rejected, server at capacity")
		conn.Close()
		return
	}

	if t.core.Metrics != nil {
		t.core.Metrics.ConnectionsTotal.Inc()
		t.core.Metrics.ConnectionsActive.Inc()
	}

	t.wg.Add(1)
	go t.handleConn(conn)
}

// handleConn is the per-connection read loop: one command line in, one
// reply out, synchronously, until EOF or a read error (panic-recovery
// -first defer, per-iteration deadline refresh), adapted from framed
// WebSocket reads to newline-terminated RESP commands.
func (t *Threaded) handleConn(conn net.Conn) {
	defer logging.RecoverPanic(t.core.Logger, "server.handleConn", map[string]any{"peer": conn.RemoteAddr().String()})

	sess := newSession(conn, t)
	defer t.releaseConn(sess)
	t.registerClient(sess)
	defer t.unregisterClient(sess)

	r := bufio.NewReaderSize(conn, t.core.Config.BufferSize)
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		line, err := readLine(r)
		if err != nil {
			return
		}
		t.core.Dispatcher.Dispatch(sess, &sess.txn, line, false)
		if sess.detached {
			return
		}
	}
}

func (t *Threaded) registerClient(s *session) {
	t.mu.Lock()
	t.clients[s] = struct{}{}
	t.mu.Unlock()
}

func (t *Threaded) unregisterClient(s *session) {
	t.core.PubSub.RemoveClient(s)
	t.mu.Lock()
	delete(t.clients, s)
	t.mu.Unlock()
}

// releaseConn closes s's connection and frees its semaphore slot, unless
// the session was already detached for replication — in that case the
// socket and its slot were already handed off in detach, and closing it
// here would sever the live replica link.
func (t *Threaded) releaseConn(s *session) {
	if !s.detached {
		s.conn.Close()
		<-t.connSem
		if t.core.Metrics != nil {
			t.core.Metrics.ConnectionsActive.Dec()
		}
	}
	t.wg.Done()
}

// detach marks s so releaseConn leaves its connection open and frees its
// semaphore slot and active-connection count immediately, mirroring the
// reactor driver's detach (which deregisters the fd from epoll for the
// same reason): the socket now belongs to replication's own writer
// goroutine, not to this driver's bookkeeping.
func (t *Threaded) detach(s *session) {
	s.detached = true
	t.unregisterClient(s)
	<-t.connSem
	if t.core.Metrics != nil {
		t.core.Metrics.ConnectionsActive.Dec()
	}
}

// Addr returns the listener's actual address, useful for tests that bind
// to ":0" and need to learn which port the OS picked.
func (t *Threaded) Addr() net.Addr { return t.listener.Addr() }

// ConnectionCount reports the number of currently-registered sessions,
// used by the test-only introspection accessor.
func (t *Threaded) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Shutdown closes the listener and blocks until every in-flight
// connection's goroutine has returned, then stops the background workers
// and persists a final snapshot.
func (t *Threaded) Shutdown() {
	t.listener.Close()
	t.cancel()
	t.wg.Wait()
	t.core.Shutdown()
}

package server

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/varunrmantri23/CrimsonCache/internal/txn"
)

// sendBuffer is not referenced: a session has no queue of pending pub/sub
// pushes, and SendPubSub writes each push synchronously under writeMu.
const sendBuffer = 256

// session is one connected client under the threaded driver: a raw
// net.Conn plus a buffered writer guarded by a mutex so a synchronous
// command reply and an asynchronous pub/sub push never interleave their
// bytes. It implements command.Session.
//
// Unlike a connection that fans writes through a channel drained by a
// dedicated writer goroutine (useful when multiplexing ping/pong/close
// frames), CrimsonCache's protocol has no server-initiated traffic
// besides pub/sub pushes, so a plain write mutex is enough to keep a
// pub/sub push from another goroutine out of the middle of a command
// reply.
type session struct {
	conn   net.Conn
	peerIP string
	driver *Threaded

	writeMu sync.Mutex
	w       *bufio.Writer

	txn txn.State

	// detached is set by Conn() once the socket has been handed off to
	// replication's own writer goroutine. It is only ever read and
	// written from the handleConn goroutine that owns this session, so
	// it needs no lock of its own.
	detached bool
}

func newSession(conn net.Conn, t *Threaded) *session {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return &session{
		conn:   conn,
		peerIP: host,
		driver: t,
		w:      bufio.NewWriter(conn),
	}
}

func (s *session) Reply(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.w.Write(b)
	s.w.Flush()
}

// SendPubSub writes a pub/sub push using the same guarded writer as
// Reply, so a message published from another goroutine can't tear a
// concurrent command reply in half.
func (s *session) SendPubSub(b []byte) {
	s.Reply(b)
}

func (s *session) PeerIP() string { return s.peerIP }

// Conn hands this socket's ownership to a stdlib net.Conn, for REPLCONF
// listening-port to pass to the replication engine's AddReplica. The
// driver is told to detach the session first, so handleConn's read loop
// stops servicing the socket and its deferred cleanup does not close a
// connection replication.Engine.Feed is still writing to.
func (s *session) Conn() net.Conn {
	s.driver.detach(s)
	return s.conn
}

// readLine reads one newline-terminated command line. CRLF and bare LF
// line endings are both accepted, matching spec §4.D's tokenizer, which
// itself trims a trailing \r.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

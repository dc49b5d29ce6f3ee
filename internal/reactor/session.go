//go:build linux

package reactor

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/varunrmantri23/CrimsonCache/internal/txn"
)

// clientConn is one accepted socket under the reactor driver. Every field
// is touched only from the single reactor goroutine, so unlike
// internal/server's session it needs no mutex — the one exception is once
// Conn() detaches fd from the reactor for replication's own writer
// goroutine, at which point this clientConn is no longer serviced here.
type clientConn struct {
	fd     int
	peerIP string
	inbuf  []byte
	txn    txn.State
	driver *Driver
}

func (c *clientConn) Reply(b []byte)      { writeAll(c.fd, b) }
func (c *clientConn) SendPubSub(b []byte) { writeAll(c.fd, b) }
func (c *clientConn) PeerIP() string      { return c.peerIP }

// Conn hands this socket's ownership to a stdlib net.Conn, for REPLCONF
// listening-port to pass to the replication engine's AddReplica. The fd is
// deregistered from epoll first so the reactor loop never touches it
// again; from this point its reads and writes belong entirely to
// replication's own per-replica goroutine.
func (c *clientConn) Conn() net.Conn {
	c.driver.detach(c.fd)
	f := os.NewFile(uintptr(c.fd), "")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil
	}
	return conn
}

// writeAll writes b to fd in full, retrying on EAGAIN/EINTR; the reactor
// never puts client sockets in a mode where a short write should be
// treated as fatal.
func writeAll(fd int, b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		b = b[n:]
	}
}

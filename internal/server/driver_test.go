package server

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/varunrmantri23/CrimsonCache/internal/config"
	"github.com/varunrmantri23/CrimsonCache/internal/metrics"
)

// newTestDriver builds a Threaded driver bound to an ephemeral port and
// arranges for it (and the dump.rdb it persists on Shutdown) to be torn
// down when the test ends.
func newTestDriver(t *testing.T) *Threaded {
	t.Helper()
	cfg := config.Default()
	cfg.MaxClients = 10

	core, err := NewCore(cfg, zerolog.Nop(), metrics.New())
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	drv, err := NewThreaded(core, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewThreaded: %v", err)
	}

	go drv.Run()
	t.Cleanup(func() {
		drv.Shutdown()
		os.Remove(snapshotPath)
	})
	return drv
}

// dial opens a connection to drv and returns it alongside a line reader.
// The listener is already bound by NewThreaded, so the connection queues
// in the backlog until Run's asynchronously started accept loop takes it.
func dial(t *testing.T, drv *Threaded) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", drv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func readReplyLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return line
}

// TestEndToEndBasicSetGetDel exercises spec §8 scenario (a).
func TestEndToEndBasicSetGetDel(t *testing.T) {
	drv := newTestDriver(t)
	conn, r := dial(t, drv)

	sendLine(t, conn, "SET foo bar")
	if got := readReplyLine(t, r); got != "+OK\r\n" {
		t.Fatalf("SET reply = %q", got)
	}

	sendLine(t, conn, "GET foo")
	if got := readReplyLine(t, r); got != "$3\r\n" {
		t.Fatalf("GET header = %q", got)
	}
	if got := readReplyLine(t, r); got != "bar\r\n" {
		t.Fatalf("GET payload = %q", got)
	}

	sendLine(t, conn, "GET missing")
	if got := readReplyLine(t, r); got != "$-1\r\n" {
		t.Fatalf("GET missing = %q", got)
	}

	sendLine(t, conn, "DEL foo")
	if got := readReplyLine(t, r); got != ":1\r\n" {
		t.Fatalf("DEL reply = %q", got)
	}

	sendLine(t, conn, "GET foo")
	if got := readReplyLine(t, r); got != "$-1\r\n" {
		t.Fatalf("GET after DEL = %q", got)
	}
}

// TestEndToEndIncr exercises spec §8 scenario (c).
func TestEndToEndIncr(t *testing.T) {
	drv := newTestDriver(t)
	conn, r := dial(t, drv)

	sendLine(t, conn, "SET counter 10")
	readReplyLine(t, r)

	sendLine(t, conn, "INCR counter")
	if got := readReplyLine(t, r); got != ":11\r\n" {
		t.Fatalf("INCR reply = %q", got)
	}

	sendLine(t, conn, "SET counter abc")
	readReplyLine(t, r)

	sendLine(t, conn, "INCR counter")
	if got := readReplyLine(t, r); got != "-ERR value is not an integer or out of range\r\n" {
		t.Fatalf("INCR non-numeric reply = %q", got)
	}

	sendLine(t, conn, "INCR brand_new")
	if got := readReplyLine(t, r); got != ":1\r\n" {
		t.Fatalf("INCR brand_new reply = %q", got)
	}
}

// TestEndToEndTransaction exercises spec §8 scenario (d): the EXEC reply
// is one array header followed immediately by each queued reply.
func TestEndToEndTransaction(t *testing.T) {
	drv := newTestDriver(t)
	conn, r := dial(t, drv)

	sendLine(t, conn, "MULTI")
	if got := readReplyLine(t, r); got != "+OK\r\n" {
		t.Fatalf("MULTI reply = %q", got)
	}

	sendLine(t, conn, "SET a 1")
	if got := readReplyLine(t, r); got != "+QUEUED\r\n" {
		t.Fatalf("queued SET a = %q", got)
	}

	sendLine(t, conn, "SET b 2")
	if got := readReplyLine(t, r); got != "+QUEUED\r\n" {
		t.Fatalf("queued SET b = %q", got)
	}

	sendLine(t, conn, "EXEC")
	if got := readReplyLine(t, r); got != "*2\r\n" {
		t.Fatalf("EXEC header = %q", got)
	}
	if got := readReplyLine(t, r); got != "+OK\r\n" {
		t.Fatalf("EXEC reply 1 = %q", got)
	}
	if got := readReplyLine(t, r); got != "+OK\r\n" {
		t.Fatalf("EXEC reply 2 = %q", got)
	}

	sendLine(t, conn, "GET a")
	if got := readReplyLine(t, r); got != "$1\r\n" {
		t.Fatalf("GET a header = %q", got)
	}
	if got := readReplyLine(t, r); got != "1\r\n" {
		t.Fatalf("GET a payload = %q", got)
	}
}

// TestEndToEndExpiry exercises spec §8 scenario (b) with a millisecond
// expiry so the test doesn't need to sleep a full second.
func TestEndToEndExpiry(t *testing.T) {
	drv := newTestDriver(t)
	conn, r := dial(t, drv)

	sendLine(t, conn, "SET k v PX 50")
	if got := readReplyLine(t, r); got != "+OK\r\n" {
		t.Fatalf("SET PX reply = %q", got)
	}

	time.Sleep(150 * time.Millisecond)

	sendLine(t, conn, "GET k")
	if got := readReplyLine(t, r); got != "$-1\r\n" {
		t.Fatalf("GET after expiry = %q", got)
	}

	sendLine(t, conn, "TTL k")
	if got := readReplyLine(t, r); got != ":-2\r\n" {
		t.Fatalf("TTL after expiry = %q", got)
	}
}

// TestConnectionCountTracksClients exercises the test-only introspection
// accessor against the driver's own accept/cleanup bookkeeping.
func TestConnectionCountTracksClients(t *testing.T) {
	drv := newTestDriver(t)
	if drv.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections before any client, got %d", drv.ConnectionCount())
	}

	conn, _ := dial(t, drv)
	sendLine(t, conn, "PING")

	deadline := time.Now().Add(time.Second)
	for drv.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := drv.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection after dial, got %d", got)
	}
}

package replication

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
)

func TestGenerateReplIDShapeAndUniqueness(t *testing.T) {
	a := generateReplID()
	b := generateReplID()
	if len(a) != 40 || len(b) != 40 {
		t.Fatalf("expected 40-char ids, got lengths %d and %d", len(a), len(b))
	}
	for _, c := range a {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("replid contains non lowercase-alphanumeric char: %q", a)
		}
	}
	if a == b {
		t.Fatalf("expected distinct replids across calls")
	}
}

func TestNewEngineStartsAsPrimaryWithEmptyReplicaList(t *testing.T) {
	e := New(keyspace.New(16, 0), 6379, zerolog.Nop())
	if !e.IsPrimary() {
		t.Fatalf("expected new engine to be PRIMARY")
	}
	role := e.Role()
	if !strings.HasPrefix(string(role), "*3\r\n$6\r\nmaster\r\n:0\r\n*0\r\n") {
		t.Fatalf("unexpected initial ROLE reply: %q", role)
	}
}

func TestFeedPropagatesToReplicaAndAdvancesOffset(t *testing.T) {
	e := New(keyspace.New(16, 0), 6379, zerolog.Nop())

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	if err := e.AddReplica(serverConn, "127.0.0.1", 7000); err != nil {
		t.Fatalf("AddReplica: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := clientConn.Read(buf)
		done <- string(buf[:n])
	}()

	e.Feed("SET foo bar")

	select {
	case got := <-done:
		if got != "SET foo bar\r\n" {
			t.Fatalf("unexpected propagated line: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for replica feed")
	}

	if e.offset.Load() == 0 {
		t.Fatalf("expected repl_offset to advance after a successful feed")
	}
}

func TestReplicaOfRejectsInvalidPort(t *testing.T) {
	e := New(keyspace.New(16, 0), 6379, zerolog.Nop())
	if err := e.ReplicaOf("localhost", "not-a-port"); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
	if err := e.ReplicaOf("localhost", "70000"); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestFormatSetQuotesValuesWithSpecialChars(t *testing.T) {
	if got := formatSet("k", "plain"); got != "SET k plain\r\n" {
		t.Fatalf("unexpected unquoted SET: %q", got)
	}
	if got := formatSet("k", "has space"); got != `SET k "has space"` + "\r\n" {
		t.Fatalf("unexpected quoted SET: %q", got)
	}
}

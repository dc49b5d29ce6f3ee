// Package replication implements CrimsonCache's primary/replica
// command-stream replication (spec §4.H): role and link-state transitions,
// the replica list, initial full resync, continuous command propagation,
// and the replica-side streaming worker.
package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/varunrmantri23/CrimsonCache/internal/command"
	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
	"github.com/varunrmantri23/CrimsonCache/internal/txn"
)

// Role mirrors spec §3's replication state role enum.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// LinkState mirrors spec §3's link state enum, meaningful only when Role ==
// RoleReplica.
type LinkState int

const (
	LinkNone LinkState = iota
	LinkConnecting
	LinkSync
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	default:
		return "connecting"
	}
}

type replicaRecord struct {
	conn    net.Conn
	ip      string
	port    int
	lastAck int64 // unix seconds
}

// Engine is the per-server replication context: role/link state, the
// replica list, and (when acting as a replica) the upstream link. It
// satisfies internal/command.Replication.
type Engine struct {
	ks     *keyspace.Keyspace
	ourPort int
	logger zerolog.Logger

	// syncLimiter paces the per-key writes of an initial resync the way
	// the reference implementation's 10ms nanosleep does, but as a
	// token-bucket rather than a hardcoded sleep so concurrent resyncs
	// to multiple new replicas share one pacing budget.
	syncLimiter *rate.Limiter

	mu          sync.Mutex
	role        Role
	state       LinkState
	primaryHost string
	primaryPort int
	primaryConn net.Conn
	replid      string
	offset      atomic.Int64

	replicasMu sync.Mutex
	replicas   []*replicaRecord

	dispatcher *command.Dispatcher

	workerOnce sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds an Engine starting as PRIMARY with an empty replica list, per
// spec §4.H's startup transition.
func New(ks *keyspace.Keyspace, ourPort int, logger zerolog.Logger) *Engine {
	return &Engine{
		ks:          ks,
		ourPort:     ourPort,
		logger:      logger,
		role:        RolePrimary,
		state:       LinkNone,
		replid:      generateReplID(),
		syncLimiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	}
}

// generateReplID produces a 40-character lowercase alphanumeric id. The
// reference implementation seeds libc rand() with time(NULL); we get the
// same shape (lowercase hex, a strict subset of lowercase alphanumeric)
// from two concatenated UUIDs, which needs no seeding and never repeats
// within a process's lifetime.
func generateReplID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:40]
}

// SetDispatcher completes the wiring cycle: command.Dispatcher needs an
// Engine at construction (to satisfy command.Replication), and Engine needs
// the Dispatcher to replay replica-applied commands. main wires both, then
// calls this once.
func (e *Engine) SetDispatcher(d *command.Dispatcher) { e.dispatcher = d }

// IsPrimary implements command.Replication.
func (e *Engine) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == RolePrimary
}

// Stats reports the current attached-replica count and replication offset,
// for the metrics collector's periodic gauge refresh.
func (e *Engine) Stats() (replicas int, offset int64) {
	e.replicasMu.Lock()
	replicas = len(e.replicas)
	e.replicasMu.Unlock()
	return replicas, e.offset.Load()
}

// replicaWriteTimeout bounds how long Feed will block on one replica
// socket. Feed runs on the dispatching client's goroutine with the replica
// list locked, so a replica that stops reading must not stall it: a write
// that times out is logged and skipped, and the replica stays in the list.
const replicaWriteTimeout = 200 * time.Millisecond

// Feed implements command.Replication: propagate a successfully executed
// write command line to every replica (spec §4.H's feed_slaves).
func (e *Engine) Feed(rawLine string) {
	if !e.IsPrimary() {
		return
	}
	line := rawLine
	if !strings.HasSuffix(line, "\r\n") {
		line += "\r\n"
	}
	payload := []byte(line)

	var toRemove []net.Conn

	e.replicasMu.Lock()
	for _, r := range e.replicas {
		r.conn.SetWriteDeadline(time.Now().Add(replicaWriteTimeout))
		n, err := r.conn.Write(payload)
		if err != nil {
			if isTransient(err) {
				e.logger.Warn().Str("replica", r.ip).Msg("write to replica timed out, command skipped for this replica")
				continue
			}
			e.logger.Warn().Str("replica", r.ip).Err(err).Msg("error writing to replica, removing it")
			toRemove = append(toRemove, r.conn)
			continue
		}
		if n != len(payload) {
			toRemove = append(toRemove, r.conn)
			continue
		}
		e.offset.Add(int64(len(payload)))
		r.lastAck = time.Now().Unix()
	}
	e.replicasMu.Unlock()

	// Removals happen after the mutex is released, matching spec §4.H's
	// "removals happen after the mutex is released to avoid re-entry with
	// the list lock held."
	for _, conn := range toRemove {
		e.removeReplica(conn)
	}
}

func isTransient(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// AddReplica implements command.Replication: register conn as a replica
// endpoint and kick off its initial sync.
func (e *Engine) AddReplica(conn net.Conn, peerIP string, listeningPort int) error {
	rec := &replicaRecord{conn: conn, ip: peerIP, port: listeningPort, lastAck: time.Now().Unix()}

	e.replicasMu.Lock()
	e.replicas = append([]*replicaRecord{rec}, e.replicas...)
	e.replicasMu.Unlock()

	e.logger.Info().Str("ip", peerIP).Int("port", listeningPort).Msg("new replica connected")
	go e.syncReplica(rec)
	return nil
}

func (e *Engine) removeReplica(conn net.Conn) {
	e.replicasMu.Lock()
	defer e.replicasMu.Unlock()
	for i, r := range e.replicas {
		if r.conn == conn {
			e.logger.Info().Str("ip", r.ip).Msg("replica disconnected")
			e.replicas = append(e.replicas[:i], e.replicas[i+1:]...)
			conn.Close()
			return
		}
	}
}

type liveEntry struct {
	key   string
	value *keyspace.Value
}

// syncReplica performs spec §4.H's sync_replica: a textual SET per live
// string key (quoted if it contains space/tab/quote), paced so the replica
// has time to parse, followed by an EXPIRE for keys with a future expiry.
// It snapshots the live entries under the keyspace lock first and does all
// the slow socket I/O afterward, so a slow replica never holds up other
// keyspace mutators.
func (e *Engine) syncReplica(rec *replicaRecord) {
	var entries []liveEntry
	e.ks.ForEachLive(func(key string, value *keyspace.Value) {
		if value.Type != keyspace.TypeString {
			return
		}
		entries = append(entries, liveEntry{key: key, value: value})
	})

	synced := 0
	for _, ent := range entries {
		e.syncLimiter.Wait(context.Background())
		line := formatSet(ent.key, string(ent.value.Payload))
		if _, err := rec.conn.Write([]byte(line)); err != nil {
			e.logger.Warn().Str("key", ent.key).Err(err).Msg("error syncing key to replica")
			continue
		}
		synced++

		if ent.value.ExpireAt != 0 {
			now := keyspace.NowMs()
			if ent.value.ExpireAt > now {
				ttlSec := (ent.value.ExpireAt - now) / 1000
				if ttlSec > 0 {
					e.syncLimiter.Wait(context.Background())
					rec.conn.Write([]byte(fmt.Sprintf("EXPIRE %s %d\r\n", ent.key, ttlSec)))
				}
			}
		}
	}
	e.logger.Info().Int("synced", synced).Int("total", len(entries)).Msg("initial sync completed")
}

func formatSet(key, value string) string {
	if strings.ContainsAny(value, " \t\"") {
		return fmt.Sprintf("SET %s \"%s\"\r\n", key, value)
	}
	return fmt.Sprintf("SET %s %s\r\n", key, value)
}

// ReplicaOf implements command.Replication: start streaming from the given
// primary (spec §4.H's REPLICAOF host port transition).
func (e *Engine) ReplicaOf(host, portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}

	e.mu.Lock()
	if e.primaryConn != nil {
		e.primaryConn.Close()
		e.primaryConn = nil
	}
	e.role = RoleReplica
	e.primaryHost = host
	e.primaryPort = port
	e.state = LinkConnecting
	e.mu.Unlock()

	e.workerOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go e.replicaWorker(ctx)
	})

	return e.connectToPrimary()
}

// ReplicaOfNoOne implements command.Replication: revert to PRIMARY/NONE.
func (e *Engine) ReplicaOfNoOne() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.primaryConn != nil {
		e.primaryConn.Close()
		e.primaryConn = nil
	}
	e.role = RolePrimary
	e.state = LinkNone
	e.logger.Info().Msg("disconnected from primary, now acting as primary")
}

// connectToPrimary resolves and dials the configured primary, then sends
// the REPLCONF/PSYNC handshake. Failure leaves the link in CONNECTING so
// the background worker keeps retrying, per spec §4.H.
func (e *Engine) connectToPrimary() error {
	e.mu.Lock()
	host, port := e.primaryHost, e.primaryPort
	e.mu.Unlock()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		e.logger.Warn().Str("primary", host).Int("port", port).Err(err).Msg("failed to connect to primary")
		return fmt.Errorf("couldn't connect to primary: %w", err)
	}

	fmt.Fprintf(conn, "REPLCONF listening-port %d\r\n", e.ourPort)
	fmt.Fprintf(conn, "PSYNC ? -1\r\n")

	e.mu.Lock()
	if e.role != RoleReplica || e.primaryConn != nil {
		// REPLICAOF NO ONE, or a concurrent dial, won while this one ran.
		e.mu.Unlock()
		conn.Close()
		return nil
	}
	e.primaryConn = conn
	e.state = LinkSync
	e.mu.Unlock()

	e.logger.Info().Str("primary", host).Int("port", port).Msg("connected to primary")
	return nil
}

// replicaWorker is the background streaming loop described in spec §4.H:
// while REPLICA, read lines from the primary link and dispatch them
// silently; on link loss, reconnect. Polls at 100ms granularity so it can
// observe role changes (REPLICAOF NO ONE) and shutdown promptly.
func (e *Engine) replicaWorker(ctx context.Context) {
	defer e.wg.Done()
	txnState := &txn.State{}

	var reader *bufio.Reader
	var readerConn net.Conn

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		role, state, conn := e.role, e.state, e.primaryConn
		e.mu.Unlock()

		if role != RoleReplica || conn == nil {
			reader, readerConn = nil, nil
			time.Sleep(100 * time.Millisecond)
			if role == RoleReplica && state == LinkConnecting {
				e.connectToPrimary()
			}
			continue
		}

		if state != LinkSync && state != LinkConnected {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if conn != readerConn {
			reader = bufio.NewReader(conn)
			readerConn = conn
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // EAGAIN/EWOULDBLOCK equivalent: no-op
			}
			e.logger.Warn().Err(err).Msg("replica link read failed, reconnecting")
			conn.Close()
			e.mu.Lock()
			e.primaryConn = nil
			e.state = LinkConnecting
			e.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			e.connectToPrimary()
			continue
		}

		e.offset.Add(int64(len(line)))
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			continue
		}

		if e.dispatcher != nil {
			e.dispatcher.Dispatch(silentSession{}, txnState, trimmed, true)
		}

		e.mu.Lock()
		if e.state == LinkSync {
			e.state = LinkConnected
		}
		e.mu.Unlock()
	}
}

// Role implements command.Replication: render the RESP reply for ROLE
// (spec §4.H's role reply shape).
func (e *Engine) Role() []byte {
	e.mu.Lock()
	role, state, host, port := e.role, e.state, e.primaryHost, e.primaryPort
	e.mu.Unlock()

	if role == RolePrimary {
		e.replicasMu.Lock()
		replicas := make([]*replicaRecord, len(e.replicas))
		copy(replicas, e.replicas)
		e.replicasMu.Unlock()

		var b strings.Builder
		fmt.Fprintf(&b, "*3\r\n$6\r\nmaster\r\n:%d\r\n", e.offset.Load())
		fmt.Fprintf(&b, "*%d\r\n", len(replicas))
		now := time.Now().Unix()
		for _, r := range replicas {
			fmt.Fprintf(&b, "*3\r\n$%d\r\n%s\r\n:%d\r\n:%d\r\n", len(r.ip), r.ip, r.port, now-r.lastAck)
		}
		return []byte(b.String())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*5\r\n$5\r\nslave\r\n$%d\r\n%s\r\n:%d\r\n$%d\r\n%s\r\n:%d\r\n",
		len(host), host, port, len(state.String()), state.String(), e.offset.Load())
	return []byte(b.String())
}

// Stop cancels the replica-side worker, if one was started. Safe to call
// even if ReplicaOf was never invoked.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
}

// silentSession is used to replay replica-streamed commands: every reply
// and pub/sub push is discarded, matching spec §9's "silent session" note.
type silentSession struct{}

func (silentSession) Reply([]byte)      {}
func (silentSession) SendPubSub([]byte) {}
func (silentSession) PeerIP() string    { return "" }
func (silentSession) Conn() net.Conn    { return nil }

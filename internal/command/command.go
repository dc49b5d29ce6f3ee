// Package command implements CrimsonCache's dispatch engine (spec §4.E): a
// static name→handler table, arity checks, transaction-aware routing, and
// write-command detection feeding the replication engine.
package command

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
	"github.com/varunrmantri23/CrimsonCache/internal/pubsub"
	"github.com/varunrmantri23/CrimsonCache/internal/snapshot"
	"github.com/varunrmantri23/CrimsonCache/internal/tokenizer"
	"github.com/varunrmantri23/CrimsonCache/internal/txn"
)

// handlerFunc is one table entry's implementation. argv[0] is always the
// lowercased command name. The returned error is not a Go-idiomatic abort
// signal — it only tells Dispatch whether this was a successful write
// (eligible for replication) or an error reply; the reply bytes are always
// sent either way.
type handlerFunc func(d *Dispatcher, s Session, argv []string) ([]byte, error)

type command struct {
	handler  handlerFunc
	minArgc  int
	maxArgc  int // -1 = unlimited
}

// Dispatcher ties the keyspace, pub/sub registry, snapshot path, and
// replication engine together behind the command table.
type Dispatcher struct {
	ks           *keyspace.Keyspace
	pubsub       *pubsub.Registry
	snapshotPath string
	repl         Replication
	changes      atomic.Int64
}

// New builds a Dispatcher. repl must not be nil; callers that don't care
// about replication (e.g. unit tests) can pass a stub satisfying the
// Replication interface.
func New(ks *keyspace.Keyspace, reg *pubsub.Registry, snapshotPath string, repl Replication) *Dispatcher {
	return &Dispatcher{ks: ks, pubsub: reg, snapshotPath: snapshotPath, repl: repl}
}

// ChangeCount returns the number of successful writes since the last reset.
// The auto-save worker reads and resets this to drive its save-by-changes
// threshold.
func (d *Dispatcher) ChangeCount() int64 { return d.changes.Load() }

// ResetChangeCount zeroes the change counter, typically right after a
// snapshot is written.
func (d *Dispatcher) ResetChangeCount() { d.changes.Store(0) }

var table = map[string]command{
	"ping":       {pingHandler, 1, 2},
	"set":        {setHandler, 3, 5},
	"get":        {getHandler, 2, 2},
	"del":        {delHandler, 2, -1},
	"exists":     {existsHandler, 2, -1},
	"expire":     {expireHandler, 3, 3},
	"ttl":        {ttlHandler, 2, 2},
	"incr":       {incrHandler, 2, 2},
	"save":       {saveHandler, 1, 1},
	"bgsave":     {bgsaveHandler, 1, 1},
	"replicaof":  {replicaofHandler, 3, 3},
	"role":       {roleHandler, 1, 1},
	"replconf":   {replconfHandler, 2, -1},
	"subscribe":  {subscribeHandler, 2, -1},
	"unsubscribe": {unsubscribeHandler, 1, -1},
	"publish":    {publishHandler, 3, 3},
}

var writeCommands = map[string]bool{"set": true, "del": true, "expire": true, "incr": true}

// errNotWritten is the sentinel handlers return alongside an error reply,
// signaling Dispatch that this invocation must not be treated as a
// successful write for replication purposes.
var errNotWritten = errors.New("command: not a successful write")

// Dispatch tokenizes and executes one raw command line for session, under
// txnState. silent suppresses the final network write (used for replica
// replay, spec §9's "silent session" note). EXEC's replayed commands are
// not silent: they reply into a buffering replaySession instead.
func (d *Dispatcher) Dispatch(session Session, txnState *txn.State, rawLine string, silent bool) {
	argv := tokenizer.Tokenize(rawLine)
	if len(argv) == 0 {
		d.write(session, silent, errReply("empty command"))
		return
	}
	name := strings.ToLower(argv[0])
	argv[0] = name

	isTxCtrl := name == "multi" || name == "exec" || name == "discard"

	if txnState.InTransaction() && !isTxCtrl {
		txnState.Queue(rawLine)
		d.write(session, silent, simpleReply("QUEUED"))
		return
	}

	switch name {
	case "multi":
		d.dispatchMulti(session, txnState, silent)
		return
	case "discard":
		d.dispatchDiscard(session, txnState, silent)
		return
	case "exec":
		d.dispatchExec(session, txnState, silent)
		return
	}

	cmd, ok := table[name]
	if !ok {
		d.write(session, silent, errReply("unknown command"))
		return
	}
	if len(argv) < cmd.minArgc || (cmd.maxArgc != -1 && len(argv) > cmd.maxArgc) {
		d.write(session, silent, errReply("wrong number of arguments"))
		return
	}

	reply, err := cmd.handler(d, session, argv)
	d.write(session, silent, reply)

	if err == nil && writeCommands[name] && !txnState.InTransaction() && d.repl.IsPrimary() {
		d.changes.Add(1)
		d.repl.Feed(rawLine)
	}
}

func (d *Dispatcher) dispatchMulti(session Session, txnState *txn.State, silent bool) {
	if err := txnState.Begin(); err != nil {
		d.write(session, silent, customErrReply("ERR", err.Error()))
		return
	}
	d.write(session, silent, okReply())
}

func (d *Dispatcher) dispatchDiscard(session Session, txnState *txn.State, silent bool) {
	if err := txnState.Discard(); err != nil {
		d.write(session, silent, customErrReply("ERR", "DISCARD without MULTI"))
		return
	}
	d.write(session, silent, okReply())
}

// dispatchExec implements spec §4.F's EXEC: the queue is cleared and the
// client returns to IDLE before any redispatch, so a queued line cannot
// re-enter the queueing path even if it is itself MULTI/EXEC.
func (d *Dispatcher) dispatchExec(session Session, txnState *txn.State, silent bool) {
	lines, aborted, err := txnState.Exec()
	if err != nil {
		d.write(session, silent, customErrReply("ERR", "EXEC without MULTI"))
		return
	}
	if aborted {
		d.write(session, silent, customErrReply("EXECABORT", "Transaction discarded because of previous errors"))
		return
	}

	rs := &replaySession{real: session}
	rs.buf = append(rs.buf, arrayHeader(len(lines))...)
	for _, line := range lines {
		d.Dispatch(rs, txnState, line, false)
	}
	d.write(session, silent, rs.buf)
}

func (d *Dispatcher) write(session Session, silent bool, reply []byte) {
	if silent || session == nil || len(reply) == 0 {
		return
	}
	session.Reply(reply)
}

func pingHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	if len(argv) == 1 {
		return []byte("+PONG\r\n"), nil
	}
	return bulkReply([]byte(argv[1])), nil
}

func setHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	key, val := argv[1], argv[2]
	var expireAt int64

	switch len(argv) {
	case 3:
		// no expiry option
	case 5:
		opt := strings.ToUpper(argv[3])
		n, err := strconv.ParseInt(argv[4], 10, 64)
		if err != nil {
			e := errReply("value is not an integer or out of range")
			return e, err
		}
		now := keyspace.NowMs()
		switch opt {
		case "EX":
			expireAt = now + n*1000
		case "PX":
			expireAt = now + n
		default:
			return errReply("syntax error"), errNotWritten
		}
	default:
		return errReply("syntax error"), errNotWritten
	}

	d.ks.Insert(key, keyspace.NewStringValue([]byte(val), expireAt))
	return okReply(), nil
}

func getHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	v, ok := d.ks.Lookup(argv[1])
	if !ok || v.Type != keyspace.TypeString {
		return nullBulkReply(), nil
	}
	return bulkReply(v.Payload), nil
}

func delHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	count := 0
	for _, key := range argv[1:] {
		if d.ks.Delete(key) {
			count++
		}
	}
	return intReply(int64(count)), nil
}

func existsHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	count := 0
	for _, key := range argv[1:] {
		if d.ks.Exists(key) {
			count++
		}
	}
	return intReply(int64(count)), nil
}

func expireHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	v, ok := d.ks.Lookup(argv[1])
	if !ok {
		return intReply(0), nil
	}
	seconds, err := strconv.ParseInt(argv[2], 10, 64)
	if err != nil {
		return errReply("value is not an integer or out of range"), err
	}
	expireAt := keyspace.NowMs() + seconds*1000
	d.ks.Insert(argv[1], &keyspace.Value{
		Type:     v.Type,
		Payload:  v.Payload,
		Size:     v.Size,
		ExpireAt: expireAt,
	})
	return intReply(1), nil
}

func ttlHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	v, ok := d.ks.Lookup(argv[1])
	if !ok {
		return intReply(-2), nil
	}
	if v.ExpireAt == 0 {
		return intReply(-1), nil
	}
	remaining := (v.ExpireAt - keyspace.NowMs()) / 1000
	return intReply(remaining), nil
}

func incrHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	v, ok := d.ks.Lookup(argv[1])
	var cur int64
	var expireAt int64
	if ok {
		if v.Type != keyspace.TypeString {
			return errReply("value is not an integer or out of range"), errNotWritten
		}
		n, err := strconv.ParseInt(string(v.Payload), 10, 64)
		if err != nil {
			return errReply("value is not an integer or out of range"), err
		}
		cur = n
		expireAt = v.ExpireAt
	}
	cur++
	payload := []byte(strconv.FormatInt(cur, 10))
	d.ks.Insert(argv[1], &keyspace.Value{
		Type:     keyspace.TypeString,
		Payload:  payload,
		Size:     int64(len(payload)),
		ExpireAt: expireAt,
	})
	return intReply(cur), nil
}

func saveHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	if err := snapshot.Save(d.ks, d.snapshotPath); err != nil {
		return errReply(err.Error()), err
	}
	d.ResetChangeCount()
	return okReply(), nil
}

func bgsaveHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	ks, path := d.ks, d.snapshotPath
	go func() {
		snapshot.Save(ks, path)
	}()
	d.ResetChangeCount()
	return []byte("+Background saving started\r\n"), nil
}

func replicaofHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	if strings.EqualFold(argv[1], "no") && strings.EqualFold(argv[2], "one") {
		d.repl.ReplicaOfNoOne()
		return okReply(), nil
	}
	port, err := strconv.Atoi(argv[2])
	if err != nil || port < 1 || port > 65535 {
		return errReply("invalid port"), errNotWritten
	}
	if err := d.repl.ReplicaOf(argv[1], argv[2]); err != nil {
		return errReply("couldn't connect to primary"), err
	}
	return okReply(), nil
}

func roleHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	return d.repl.Role(), nil
}

func replconfHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	if strings.EqualFold(argv[1], "listening-port") && len(argv) >= 3 {
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			return errReply("invalid port"), err
		}
		if err := d.repl.AddReplica(s.Conn(), s.PeerIP(), port); err != nil {
			return errReply(err.Error()), err
		}
		return okReply(), nil
	}
	return okReply(), nil
}

func subscribeHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	d.pubsub.Subscribe(s, argv[1:])
	return nil, nil
}

func unsubscribeHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	d.pubsub.Unsubscribe(s, argv[1:])
	return nil, nil
}

func publishHandler(d *Dispatcher, s Session, argv []string) ([]byte, error) {
	n := d.pubsub.Publish(argv[1], argv[2])
	return intReply(int64(n)), nil
}

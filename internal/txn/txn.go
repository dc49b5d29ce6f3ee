// Package txn implements the per-client MULTI/EXEC/DISCARD queue described
// in spec §4.F: IDLE -> QUEUING on MULTI, queued lines replayed as one
// batch on EXEC, discarded on DISCARD.
package txn

import "errors"

// ErrNested is returned when MULTI is issued while already queuing.
var ErrNested = errors.New("MULTI calls can not be nested")

// ErrNoMulti is returned when EXEC or DISCARD is issued outside a
// transaction.
var ErrNoMulti = errors.New("without MULTI")

// State tracks one client session's transaction queue. The zero value is
// IDLE and ready to use.
type State struct {
	queuing bool
	errored bool
	queue   []string
}

// InTransaction reports whether the session is currently queuing commands.
func (s *State) InTransaction() bool { return s.queuing }

// Begin transitions IDLE -> QUEUING. Returns ErrNested if already queuing.
func (s *State) Begin() error {
	if s.queuing {
		return ErrNested
	}
	s.queuing = true
	s.errored = false
	s.queue = nil
	return nil
}

// Queue appends a raw command line to the pending batch. Only valid while
// queuing; callers must check InTransaction first.
func (s *State) Queue(rawLine string) {
	s.queue = append(s.queue, rawLine)
}

// MarkErrored flags that queuing a command failed, so EXEC will abort the
// whole batch instead of replaying it.
func (s *State) MarkErrored() { s.errored = true }

// Exec ends queuing and returns the queued lines in order for replay by the
// caller. If the session was never in a transaction, ErrNoMulti is
// returned. If a prior queue operation failed, aborted is true and lines is
// nil — the caller must reply EXECABORT and not replay anything. State is
// reset to IDLE before this returns, so replayed lines never re-enter the
// queueing path even if they are themselves MULTI/EXEC.
func (s *State) Exec() (lines []string, aborted bool, err error) {
	if !s.queuing {
		return nil, false, ErrNoMulti
	}
	aborted = s.errored
	lines = s.queue
	s.reset()
	if aborted {
		return nil, true, nil
	}
	return lines, false, nil
}

// Discard clears a pending transaction. Returns ErrNoMulti if not queuing.
func (s *State) Discard() error {
	if !s.queuing {
		return ErrNoMulti
	}
	s.reset()
	return nil
}

func (s *State) reset() {
	s.queuing = false
	s.errored = false
	s.queue = nil
}

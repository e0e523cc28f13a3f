package common

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by a server that has been stopped, either
	// administratively or after a persistence failure.
	ErrStopped = errors.New("raft: server stopped")

	// ErrInvalidConfig is returned when a cluster configuration is rejected.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrDisconnected is returned by an artificially partitioned peer.
	ErrDisconnected = errors.New("raft: disconnected")
)

// NotLeaderError is returned when a proposal reaches a server that is not
// the leader. LeaderID carries the leader known to that server, if any.
type NotLeaderError struct {
	LeaderID ServerID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == None {
		return "raft: not the leader (leader unknown)"
	}
	return fmt.Sprintf("raft: not the leader (leader is %d)", e.LeaderID)
}

// StaleTermError records a message that carried an older term than the
// receiver's. It is recovered from internally and never surfaced.
type StaleTermError struct {
	Term, Current int64
}

func (e *StaleTermError) Error() string {
	return fmt.Sprintf("raft: stale term %d (current %d)", e.Term, e.Current)
}

// LogInconsistencyError records an AppendEntries whose previous entry did
// not match the local log. The leader retries with an earlier index.
type LogInconsistencyError struct {
	PrevLogIndex, PrevLogTerm int64
}

func (e *LogInconsistencyError) Error() string {
	return fmt.Sprintf("raft: no entry at index %d with term %d", e.PrevLogIndex, e.PrevLogTerm)
}

// PersistenceFailure wraps a durable write that failed. It is fatal: the
// server stops rather than run on state that was never persisted.
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("raft: persistence failure (%s): %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// TransportFailure wraps a message that could not be delivered. It is
// recovered by the regular heartbeat and election cycle.
type TransportFailure struct {
	To  ServerID
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("raft: failed to send to %d: %v", e.To, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// IsNotLeader reports whether err is, or wraps, a NotLeaderError and
// returns the leader hint it carries.
func IsNotLeader(err error) (ServerID, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, true
	}
	return None, false
}

package raft

import "github.com/sushantsondhi/raftcore/common"

type RaftState int

const (
	Follower RaftState = iota
	Candidate
	Leader
	// Stopped is terminal: the server was stopped or could not persist its state.
	Stopped
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

type state struct {
	// These 2 variables are persisted
	Term     int64
	VotedFor common.ServerID

	// These are volatile
	State         RaftState
	CurrentLeader common.ServerID

	// Leader only, reinitialized after election
	NextIndexMap  map[common.ServerID]int64
	MatchIndexMap map[common.ServerID]int64
	// lastSeq is the sequence number of the latest AppendEntries sent to each peer
	lastSeq map[common.ServerID]uint64

	// Candidate only: voters that granted their vote in Term
	votes map[common.ServerID]bool
}

// Status is a point-in-time snapshot of a server, as seen by clients.
type Status struct {
	ID          common.ServerID
	State       RaftState
	Term        int64
	CommitIndex int64
	LastApplied int64
	LeaderID    common.ServerID
	Healthy     bool
}

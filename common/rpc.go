package common

// EntryType distinguishes client commands from entries the raft layer
// writes for itself.
type EntryType uint8

const (
	EntryCommand EntryType = iota
	EntryNoop
)

// LogEntry represents one particular log entry in the raft
type LogEntry struct {
	Index, Term int64
	Type        EntryType
	Data        []byte
}

type ClientRequestRPC struct {
	Data []byte
}

type ClientRequestRPCResult struct {
	Success bool
	// Error will be non-empty iff Success is False
	Error string
	// Retryable is set when the request was not applied and may safely be
	// sent again, e.g. because the responder is not the leader or the
	// request timed out.
	Retryable bool
	// LeaderID is the leader known to the responder when it refused the
	// request because it is not the leader.
	LeaderID ServerID
	// Index is the log index the request was committed at.
	Index int64
	// Data can be non-nil for example for Get calls
	Data []byte
}

// StatusRPC asks a server for its status. gob cannot encode empty
// structs, hence the field.
type StatusRPC struct {
	From ServerID
}

type StatusRPCResult struct {
	ID          ServerID
	State       string
	Term        int64
	CommitIndex int64
	LastApplied int64
	LeaderID    ServerID
	Healthy     bool
}

// See Raft paper for details on below RPCs

type RequestVoteRPC struct {
	Term         int64
	CandidateID  ServerID
	LastLogIndex int64
	LastLogTerm  int64
}

type RequestVoteRPCResult struct {
	Term        int64
	VoteGranted bool
}

type AppendEntriesRPC struct {
	Term              int64
	Leader            ServerID
	PrevLogIndex      int64
	PrevLogTerm       int64
	Entries           []LogEntry
	LeaderCommitIndex int64
}

type AppendEntriesRPCResult struct {
	Term    int64
	Success bool
	// MatchIndex is the index of the last entry known to match the leader
	// on success. On failure it is a hint: the highest index the leader
	// may try next as PrevLogIndex.
	MatchIndex int64
}

// Message is the envelope exchanged between raft servers. Exactly one of
// the payload fields is set. Seq is assigned by the sender of a request
// and echoed by the matching result so the pair can be correlated.
type Message struct {
	From, To ServerID
	Seq      uint64

	RequestVote         *RequestVoteRPC
	RequestVoteResult   *RequestVoteRPCResult
	AppendEntries       *AppendEntriesRPC
	AppendEntriesResult *AppendEntriesRPCResult
}

// Term returns the term carried by the payload, or -1 for an empty message.
func (m *Message) Term() int64 {
	switch {
	case m.RequestVote != nil:
		return m.RequestVote.Term
	case m.RequestVoteResult != nil:
		return m.RequestVoteResult.Term
	case m.AppendEntries != nil:
		return m.AppendEntries.Term
	case m.AppendEntriesResult != nil:
		return m.AppendEntriesResult.Term
	}
	return -1
}

// Kind returns a short name of the payload, used for logging and metrics.
func (m *Message) Kind() string {
	switch {
	case m.RequestVote != nil:
		return "request_vote"
	case m.RequestVoteResult != nil:
		return "request_vote_result"
	case m.AppendEntries != nil:
		return "append_entries"
	case m.AppendEntriesResult != nil:
		return "append_entries_result"
	}
	return "empty"
}

// Valid reports whether exactly one payload is set.
func (m *Message) Valid() bool {
	n := 0
	if m.RequestVote != nil {
		n++
	}
	if m.RequestVoteResult != nil {
		n++
	}
	if m.AppendEntries != nil {
		n++
	}
	if m.AppendEntriesResult != nil {
		n++
	}
	return n == 1
}

// Ack is the reply of a message delivery. Queued is false when the
// receiver dropped the message.
type Ack struct {
	Queued bool
}

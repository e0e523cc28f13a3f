package raft

import (
	"sort"

	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/zap"
)

func (server *RaftServer) propose(data []byte) (*Proposal, error) {
	switch server.State {
	case Stopped:
		return nil, common.ErrStopped
	case Leader:
	default:
		return nil, &common.NotLeaderError{LeaderID: server.CurrentLeader}
	}
	entry := common.LogEntry{
		Index: server.log.length(),
		Term:  server.Term,
		Type:  common.EntryCommand,
		Data:  append([]byte(nil), data...),
	}
	if err := server.log.append(entry); err != nil {
		return nil, err
	}
	p := newProposal(entry.Index, entry.Term)
	server.pending[entry.Index] = p
	server.metrics.Proposals.Inc()

	server.broadcastAppendEntries()
	server.advanceCommitIndex()
	return p, nil
}

func (server *RaftServer) broadcastAppendEntries() {
	for _, peer := range server.peers {
		server.sendAppendEntries(peer)
	}
}

// sendAppendEntries sends the peer everything from its nextIndex on, at most
// MaxAppendEntries at a time. With nothing to send it is a heartbeat.
func (server *RaftServer) sendAppendEntries(peer common.ServerID) {
	next := server.NextIndexMap[peer]
	prevIndex := next - 1
	prevTerm, _ := server.log.term(prevIndex)
	seq := server.request(peer, common.Message{AppendEntries: &common.AppendEntriesRPC{
		Term:              server.Term,
		Leader:            server.MyID,
		PrevLogIndex:      prevIndex,
		PrevLogTerm:       prevTerm,
		Entries:           server.log.entriesFrom(next, server.cluster.MaxAppendEntries),
		LeaderCommitIndex: server.log.commitIndex,
	}})
	server.lastSeq[peer] = seq
}

// wellFormed checks that the entries of req follow prevLogIndex contiguously
// and never carry a term above the leader's.
func wellFormed(req *common.AppendEntriesRPC) bool {
	if req.PrevLogIndex < 0 {
		return false
	}
	prevTerm := req.PrevLogTerm
	for i, e := range req.Entries {
		if e.Index != req.PrevLogIndex+1+int64(i) || e.Term > req.Term || e.Term < prevTerm {
			return false
		}
		prevTerm = e.Term
	}
	return true
}

func (server *RaftServer) handleAppendEntries(from common.ServerID, seq uint64, req *common.AppendEntriesRPC) error {
	reply := func(success bool, matchIndex int64) {
		server.reply(from, seq, common.Message{AppendEntriesResult: &common.AppendEntriesRPCResult{
			Term:       server.Term,
			Success:    success,
			MatchIndex: matchIndex,
		}})
	}

	if req.Term < server.Term {
		server.logger.Debug("rejecting append entries", zap.Error(&common.StaleTermError{Term: req.Term, Current: server.Term}))
		reply(false, server.log.lastIndex())
		return nil
	}
	if server.State == Leader {
		server.logger.Error("append entries from another leader of the same term",
			zap.Int64("term", server.Term), zap.Int64("from", int64(from)))
		reply(false, server.log.lastIndex())
		return nil
	}
	if !wellFormed(req) || req.Leader != from {
		server.logger.Warn("rejecting malformed append entries", zap.Int64("from", int64(from)))
		reply(false, server.log.lastIndex())
		return nil
	}
	if server.State == Candidate {
		server.logger.Info("converting to follower", zap.Int64("term", server.Term), zap.Stringer("from", Candidate))
		server.State = Follower
		server.votes = nil
	}
	if server.CurrentLeader != req.Leader {
		server.logger.Info("following leader", zap.Int64("term", server.Term), zap.Int64("leader", int64(req.Leader)))
		server.CurrentLeader = req.Leader
	}
	server.resetElectionTimer()

	if !server.log.matches(req.PrevLogIndex, req.PrevLogTerm) {
		server.logger.Debug("rejecting append entries",
			zap.Error(&common.LogInconsistencyError{PrevLogIndex: req.PrevLogIndex, PrevLogTerm: req.PrevLogTerm}))
		hint := server.log.lastIndex()
		if req.PrevLogIndex <= hint {
			hint = req.PrevLogIndex - 1
		}
		if hint < 0 {
			hint = 0
		}
		reply(false, hint)
		return nil
	}

	lastNew, err := server.log.merge(req.PrevLogIndex, req.Entries)
	if err != nil {
		return err
	}
	if req.LeaderCommitIndex > server.log.commitIndex {
		commit := req.LeaderCommitIndex
		if lastNew < commit {
			commit = lastNew
		}
		if server.log.commitTo(commit) {
			server.applyCommitted()
		}
	}
	reply(true, lastNew)
	return nil
}

func (server *RaftServer) handleAppendEntriesResult(from common.ServerID, seq uint64, res *common.AppendEntriesRPCResult) error {
	if server.State != Leader || res.Term != server.Term {
		return nil
	}
	if res.Success {
		if res.MatchIndex > server.log.lastIndex() {
			server.logger.Warn("ignoring match index beyond the log",
				zap.Int64("from", int64(from)), zap.Int64("match_index", res.MatchIndex))
			return nil
		}
		if res.MatchIndex > server.MatchIndexMap[from] {
			server.MatchIndexMap[from] = res.MatchIndex
		}
		server.NextIndexMap[from] = server.MatchIndexMap[from] + 1
		server.advanceCommitIndex()
		if server.NextIndexMap[from] < server.log.length() && seq == server.lastSeq[from] {
			server.sendAppendEntries(from)
		}
		return nil
	}

	// Only the answer to the latest request may move nextIndex back; a
	// duplicated or reordered rejection would otherwise overshoot.
	if seq != server.lastSeq[from] {
		return nil
	}
	server.metrics.AppendRejections.Inc()
	next := server.NextIndexMap[from] - 1
	if res.MatchIndex+1 < next {
		next = res.MatchIndex + 1
	}
	if next <= server.MatchIndexMap[from] {
		next = server.MatchIndexMap[from] + 1
	}
	if next < 1 {
		next = 1
	}
	server.NextIndexMap[from] = next
	server.sendAppendEntries(from)
	return nil
}

// advanceCommitIndex commits the highest index stored on a majority, as
// long as that entry belongs to the current term. Entries of earlier terms
// are committed only indirectly.
func (server *RaftServer) advanceCommitIndex() {
	matchIndexes := []int64{server.log.lastIndex()}
	for _, peer := range server.peers {
		matchIndexes = append(matchIndexes, server.MatchIndexMap[peer])
	}
	sort.Slice(matchIndexes, func(i, j int) bool { return matchIndexes[i] > matchIndexes[j] })
	n := matchIndexes[server.cluster.Majority()-1]
	if n <= server.log.commitIndex {
		return
	}
	if term, _ := server.log.term(n); term != server.Term {
		return
	}
	if server.log.commitTo(n) {
		server.logger.Debug("advanced commit index", zap.Int64("commit_index", n))
		server.applyCommitted()
	}
}

// applyCommitted hands (lastApplied, commitIndex] to the FSM, in order, and
// completes the matching proposals. An FSM error is reported to the
// proposer; the entry still counts as applied.
func (server *RaftServer) applyCommitted() {
	for server.log.lastApplied < server.log.commitIndex {
		index := server.log.lastApplied + 1
		entry, _ := server.log.entry(index)
		res := ApplyResult{Index: index}
		if entry.Type == common.EntryCommand {
			res.Data, res.Err = server.FSM.Apply(entry)
			if res.Err != nil {
				server.logger.Debug("command failed", zap.Int64("index", index), zap.Error(res.Err))
			}
		}
		server.log.lastApplied = index

		if p, ok := server.pending[index]; ok {
			delete(server.pending, index)
			if p.Term != entry.Term {
				res = ApplyResult{Index: index, Err: &common.NotLeaderError{LeaderID: server.CurrentLeader}}
			}
			p.complete(res)
		}
	}
}

package raft

import (
	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/zap"
)

// startElection moves to a new term, votes for itself and asks every peer
// for its vote. The new term and the self vote are persisted first.
func (server *RaftServer) startElection() error {
	term := server.Term + 1
	if err := saveHardState(server.PersistentStore, term, server.MyID); err != nil {
		return err
	}
	server.Term = term
	server.VotedFor = server.MyID
	server.State = Candidate
	server.CurrentLeader = common.None
	server.votes = map[common.ServerID]bool{server.MyID: true}
	server.metrics.ElectionsStarted.Inc()
	server.logger.Info("starting election", zap.Int64("term", term))

	server.resetElectionTimer()
	if len(server.votes) >= server.cluster.Majority() {
		return server.convertToLeader()
	}
	lastIndex, lastTerm := server.log.last()
	for _, peer := range server.peers {
		server.request(peer, common.Message{RequestVote: &common.RequestVoteRPC{
			Term:         term,
			CandidateID:  server.MyID,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		}})
	}
	return nil
}

// handleRequestVote grants at most one vote per term, and only to a
// candidate whose log is at least as up-to-date as ours.
func (server *RaftServer) handleRequestVote(from common.ServerID, seq uint64, req *common.RequestVoteRPC) error {
	granted := false
	switch {
	case req.Term < server.Term:
		server.logger.Debug("rejecting vote", zap.Error(&common.StaleTermError{Term: req.Term, Current: server.Term}))
	case req.CandidateID != from:
		server.logger.Warn("rejecting vote for a third party",
			zap.Int64("from", int64(from)), zap.Int64("candidate", int64(req.CandidateID)))
	case server.VotedFor != common.None && server.VotedFor != req.CandidateID:
	case !server.log.isUpToDate(req.LastLogIndex, req.LastLogTerm):
	default:
		if server.VotedFor != req.CandidateID {
			if err := saveHardState(server.PersistentStore, server.Term, req.CandidateID); err != nil {
				return err
			}
			server.VotedFor = req.CandidateID
			server.logger.Info("granted vote", zap.Int64("term", server.Term), zap.Int64("candidate", int64(req.CandidateID)))
		}
		granted = true
		server.resetElectionTimer()
	}
	server.reply(from, seq, common.Message{RequestVoteResult: &common.RequestVoteRPCResult{
		Term:        server.Term,
		VoteGranted: granted,
	}})
	return nil
}

// handleRequestVoteResult tallies votes of the current term. A voter is
// counted once however many times its reply arrives.
func (server *RaftServer) handleRequestVoteResult(from common.ServerID, res *common.RequestVoteRPCResult) error {
	if server.State != Candidate || res.Term != server.Term || !res.VoteGranted {
		return nil
	}
	if server.votes[from] {
		return nil
	}
	server.votes[from] = true
	if len(server.votes) >= server.cluster.Majority() {
		return server.convertToLeader()
	}
	return nil
}

func (server *RaftServer) convertToLeader() error {
	server.State = Leader
	server.CurrentLeader = server.MyID
	server.votes = nil
	next := server.log.length()
	for _, peer := range server.peers {
		server.NextIndexMap[peer] = next
		server.MatchIndexMap[peer] = 0
		server.lastSeq[peer] = 0
	}
	server.stopElectionTimer()
	server.metrics.LeaderChanges.Inc()
	server.logger.Info("converting to leader", zap.Int64("term", server.Term))

	if server.cluster.LeaderNoop {
		noop := common.LogEntry{Index: next, Term: server.Term, Type: common.EntryNoop}
		if err := server.log.append(noop); err != nil {
			return err
		}
	}
	server.broadcastAppendEntries()
	server.resetHeartbeatTimer()
	server.advanceCommitIndex()
	return nil
}

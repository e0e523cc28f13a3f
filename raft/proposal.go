package raft

import (
	"context"
)

// ApplyResult is the outcome of a proposed command.
type ApplyResult struct {
	Index int64
	// Data is whatever the FSM returned for the command.
	Data []byte
	// Err is the FSM's error, a NotLeaderError when the entry was replaced
	// by another leader's entry, or ErrStopped.
	Err error
}

// Proposal tracks a command accepted by the leader.
type Proposal struct {
	Index int64
	Term  int64

	done chan ApplyResult
}

func newProposal(index, term int64) *Proposal {
	return &Proposal{Index: index, Term: term, done: make(chan ApplyResult, 1)}
}

// Done receives exactly one ApplyResult.
func (p *Proposal) Done() <-chan ApplyResult { return p.done }

// Wait blocks until the proposal completes or ctx is done.
func (p *Proposal) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-p.done:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proposal) complete(res ApplyResult) {
	p.done <- res
}

type proposeRequest struct {
	data  []byte
	reply chan proposeReply
}

type proposeReply struct {
	proposal *Proposal
	err      error
}

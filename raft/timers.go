package raft

import (
	"time"

	"github.com/benbjohnson/clock"
)

type timerKind int

const (
	electionTimeout timerKind = iota
	heartbeatTimeout
)

// timerFire is queued on the event loop when a timer expires. gen tells a
// live timer apart from one that was reset after it fired.
type timerFire struct {
	kind timerKind
	gen  uint64
}

// getRandomTimeout returns a duration in [base, 2*base).
func (server *RaftServer) getRandomTimeout(base time.Duration) time.Duration {
	return base + time.Duration(server.rand.Int63n(int64(base)))
}

func (server *RaftServer) schedule(d time.Duration, kind timerKind, gen uint64) *clock.Timer {
	return server.clock.AfterFunc(d, func() {
		// the mock clock runs fn under its own lock
		go func() {
			select {
			case server.timerCh <- timerFire{kind: kind, gen: gen}:
			case <-server.doneCh:
			}
		}()
	})
}

func (server *RaftServer) resetElectionTimer() {
	server.stopElectionTimer()
	d := server.getRandomTimeout(server.cluster.ElectionTimeout)
	server.electionTimer = server.schedule(d, electionTimeout, server.electionGen)
}

func (server *RaftServer) stopElectionTimer() {
	if server.electionTimer != nil {
		server.electionTimer.Stop()
		server.electionTimer = nil
	}
	server.electionGen++
}

func (server *RaftServer) resetHeartbeatTimer() {
	server.stopHeartbeatTimer()
	server.heartbeatTimer = server.schedule(server.cluster.HeartBeatTimeout, heartbeatTimeout, server.heartbeatGen)
}

func (server *RaftServer) stopHeartbeatTimer() {
	if server.heartbeatTimer != nil {
		server.heartbeatTimer.Stop()
		server.heartbeatTimer = nil
	}
	server.heartbeatGen++
}

// onTimer handles an expired timer. Fires that were superseded by a reset,
// or that no longer fit the current role, do nothing.
func (server *RaftServer) onTimer(fire timerFire) error {
	switch fire.kind {
	case electionTimeout:
		if fire.gen != server.electionGen || server.State == Leader || server.State == Stopped {
			return nil
		}
		return server.startElection()
	case heartbeatTimeout:
		if fire.gen != server.heartbeatGen || server.State != Leader {
			return nil
		}
		server.broadcastAppendEntries()
		server.resetHeartbeatTimer()
	}
	return nil
}

package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNotStarted is returned by Propose on a server whose event loop has
// not been started.
var ErrNotStarted = errors.New("raft: server not started")

const inboxSize = 1024

// RaftServer is one member of a raft cluster.
//
// All protocol state is owned by a single goroutine (the event loop started
// by Start). Inbound messages, timer expirations and proposals are queued
// as discrete events and handled one at a time, so no handler ever runs
// concurrently with another on the same server.
type RaftServer struct {
	// Only the event loop touches state and log
	state
	log *raftLog

	// Data Stores
	FSM             common.FSM
	LogStore        common.LogStore
	PersistentStore common.PersistentStore

	MyID      common.ServerID
	cluster   common.ClusterConfig
	peers     []common.ServerID
	transport common.Transport

	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	rand    *rand.Rand

	seq            uint64
	electionTimer  *clock.Timer
	heartbeatTimer *clock.Timer
	electionGen    uint64
	heartbeatGen   uint64
	pending        map[int64]*Proposal

	inbox     chan common.Message
	timerCh   chan timerFire
	proposeCh chan proposeRequest
	stopCh    chan struct{}
	doneCh    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   *atomic.Bool
	healthy   *atomic.Bool
	status    atomic.Value
	failure   error
}

var _ common.RPCServer = &RaftServer{}
var _ common.Receiver = &RaftServer{}

// Option configures optional collaborators of a RaftServer.
type Option func(*RaftServer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(server *RaftServer) { server.logger = logger }
}

// WithClock sets the clock driving election and heartbeat timers.
func WithClock(c clock.Clock) Option {
	return func(server *RaftServer) { server.clock = c }
}

// WithMetrics sets the metrics the server reports to.
func WithMetrics(m *Metrics) Option {
	return func(server *RaftServer) { server.metrics = m }
}

// WithRand sets the source used to randomize election timeouts.
func WithRand(r *rand.Rand) Option {
	return func(server *RaftServer) { server.rand = r }
}

// NewRaftServer restores a server from its stores. A store that was never
// written yields term 0, no vote and a log holding only the sentinel entry.
// The server does nothing until Start is called.
func NewRaftServer(
	me common.Server,
	cluster common.ClusterConfig,
	fsm common.FSM,
	logStore common.LogStore,
	persistentStore common.PersistentStore,
	transport common.Transport,
	opts ...Option,
) (*RaftServer, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	if _, ok := cluster.ServerByID(me.ID); !ok {
		return nil, fmt.Errorf("%w: server %d is not part of the cluster", common.ErrInvalidConfig, me.ID)
	}
	term, votedFor, err := loadHardState(persistentStore)
	if err != nil {
		return nil, fmt.Errorf("load hard state: %w", err)
	}
	rlog, err := newRaftLog(logStore)
	if err != nil {
		return nil, err
	}

	server := &RaftServer{
		state: state{
			Term:          term,
			VotedFor:      votedFor,
			State:         Follower,
			NextIndexMap:  make(map[common.ServerID]int64),
			MatchIndexMap: make(map[common.ServerID]int64),
			lastSeq:       make(map[common.ServerID]uint64),
		},
		log:             rlog,
		FSM:             fsm,
		LogStore:        logStore,
		PersistentStore: persistentStore,
		MyID:            me.ID,
		cluster:         cluster,
		transport:       transport,
		pending:         make(map[int64]*Proposal),
		inbox:           make(chan common.Message, inboxSize),
		timerCh:         make(chan timerFire),
		proposeCh:       make(chan proposeRequest),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		started:         atomic.NewBool(false),
		healthy:         atomic.NewBool(true),
	}
	if server.cluster.ClientTimeout <= 0 {
		server.cluster.ClientTimeout = common.DefaultClientTimeout
	}
	for _, peer := range cluster.Peers(me.ID) {
		server.peers = append(server.peers, peer.ID)
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	server.logger = server.logger.With(zap.Int64("server_id", int64(me.ID)))
	if server.clock == nil {
		server.clock = clock.New()
	}
	if server.metrics == nil {
		server.metrics = NewMetrics(me.ID)
	}
	if server.rand == nil {
		server.rand = rand.New(rand.NewSource(time.Now().UnixNano() + int64(me.ID)))
	}
	server.publish()

	lastIndex, lastTerm := rlog.last()
	server.logger.Info("Initialization complete",
		zap.Int64("term", term),
		zap.Int64("voted_for", int64(votedFor)),
		zap.Int64("last_log_index", lastIndex),
		zap.Int64("last_log_term", lastTerm))
	return server, nil
}

// Start launches the event loop and arms the election timer. Calling it
// more than once, or after Stop, has no effect.
func (server *RaftServer) Start() {
	server.startOnce.Do(func() {
		server.started.Store(true)
		go server.run()
	})
}

// Stop stops the server and closes its stores. Pending proposals complete
// with ErrStopped. Stop is idempotent.
func (server *RaftServer) Stop() error {
	var err error
	server.stopOnce.Do(func() {
		close(server.stopCh)
		// claiming startOnce keeps a later Start from launching the loop
		neverStarted := false
		server.startOnce.Do(func() { neverStarted = true })
		if neverStarted {
			server.shutdown(common.ErrStopped)
			close(server.doneCh)
		} else {
			<-server.doneCh
		}
		err = multierr.Combine(server.LogStore.Close(), server.PersistentStore.Close())
		server.logger.Info("SHUTDOWN")
	})
	return err
}

// Err returns the failure that halted the server, if any.
func (server *RaftServer) Err() error {
	select {
	case <-server.doneCh:
		return server.failure
	default:
		return nil
	}
}

// Done is closed once the event loop has exited.
func (server *RaftServer) Done() <-chan struct{} { return server.doneCh }

func (server *RaftServer) GetID() common.ServerID {
	return server.MyID
}

// Metrics returns the collectors this server reports to.
func (server *RaftServer) Metrics() *Metrics { return server.metrics }

// Healthy reports false once the server has failed to persist its state.
func (server *RaftServer) Healthy() bool { return server.healthy.Load() }

// Status returns the latest published snapshot of the server. It never
// blocks on the event loop.
func (server *RaftServer) Status() Status {
	return server.status.Load().(Status)
}

// Receive queues an inbound message. It never blocks: when the inbox is
// full, or the server has stopped, the message is dropped as a lossy
// network would.
func (server *RaftServer) Receive(msg common.Message) {
	server.enqueue(msg)
}

func (server *RaftServer) enqueue(msg common.Message) bool {
	select {
	case <-server.doneCh:
		return false
	default:
	}
	select {
	case server.inbox <- msg:
		return true
	default:
		server.metrics.MessagesDropped.Inc()
		server.logger.Debug("inbox full, dropping message", zap.String("kind", msg.Kind()))
		return false
	}
}

// Deliver is the transport ingress for net/rpc.
func (server *RaftServer) Deliver(msg *common.Message, ack *common.Ack) error {
	if msg == nil || !msg.Valid() {
		return errors.New("raft: malformed message")
	}
	if msg.To != server.MyID {
		return fmt.Errorf("raft: message for %d delivered to %d", msg.To, server.MyID)
	}
	select {
	case <-server.doneCh:
		return common.ErrStopped
	default:
	}
	ack.Queued = server.enqueue(*msg)
	return nil
}

// Propose appends command to the leader's log and returns immediately with
// the index assigned to it. Replication proceeds in the background; the
// returned Proposal completes once the entry is applied.
func (server *RaftServer) Propose(command []byte) (*Proposal, error) {
	if !server.started.Load() {
		return nil, ErrNotStarted
	}
	req := proposeRequest{data: command, reply: make(chan proposeReply, 1)}
	select {
	case server.proposeCh <- req:
	case <-server.doneCh:
		return nil, common.ErrStopped
	}
	r := <-req.reply
	return r.proposal, r.err
}

// ClientRequest proposes args.Data and waits, up to the cluster's client
// timeout, for it to be applied.
func (server *RaftServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	fail := func(err error) error {
		result.Success = false
		result.Error = err.Error()
		leader, notLeader := common.IsNotLeader(err)
		result.LeaderID = leader
		result.Retryable = notLeader ||
			errors.Is(err, common.ErrStopped) ||
			errors.Is(err, ErrNotStarted) ||
			errors.Is(err, context.DeadlineExceeded)
		return nil
	}
	p, err := server.Propose(args.Data)
	if err != nil {
		return fail(err)
	}
	result.Index = p.Index
	ctx, cancel := context.WithTimeout(context.Background(), server.cluster.ClientTimeout)
	defer cancel()
	data, err := p.Wait(ctx)
	if err != nil {
		return fail(err)
	}
	result.Success = true
	result.Error = ""
	result.Data = data
	return nil
}

// ServerStatus is the RPC form of Status.
func (server *RaftServer) ServerStatus(_ *common.StatusRPC, result *common.StatusRPCResult) error {
	st := server.Status()
	*result = common.StatusRPCResult{
		ID:          st.ID,
		State:       st.State.String(),
		Term:        st.Term,
		CommitIndex: st.CommitIndex,
		LastApplied: st.LastApplied,
		LeaderID:    st.LeaderID,
		Healthy:     st.Healthy,
	}
	return nil
}

func (server *RaftServer) run() {
	defer close(server.doneCh)
	server.resetElectionTimer()
	server.publish()
	for {
		var err error
		select {
		case <-server.stopCh:
			server.shutdown(common.ErrStopped)
			return
		case msg := <-server.inbox:
			err = server.step(msg)
		case fire := <-server.timerCh:
			err = server.onTimer(fire)
		case req := <-server.proposeCh:
			var p *Proposal
			p, err = server.propose(req.data)
			req.reply <- proposeReply{proposal: p, err: err}
		}
		if err != nil {
			var pf *common.PersistenceFailure
			if errors.As(err, &pf) {
				server.halt(err)
				return
			}
			var nle *common.NotLeaderError
			if !errors.As(err, &nle) && !errors.Is(err, common.ErrStopped) {
				server.logger.Warn("error handling event", zap.Error(err))
			}
		}
		server.publish()
	}
}

// step dispatches one inbound message. Any message carrying a newer term
// first turns this server into a follower of that term.
func (server *RaftServer) step(msg common.Message) error {
	if !msg.Valid() {
		server.logger.Warn("dropping malformed message", zap.Int64("from", int64(msg.From)))
		return nil
	}
	if _, ok := server.cluster.ServerByID(msg.From); !ok || msg.From == server.MyID {
		server.logger.Warn("dropping message from unknown server", zap.Int64("from", int64(msg.From)))
		return nil
	}
	if term := msg.Term(); term > server.Term {
		server.logger.Info("discovered newer term",
			zap.Int64("term", server.Term),
			zap.Int64("new_term", term),
			zap.Int64("from", int64(msg.From)),
			zap.String("kind", msg.Kind()))
		if err := server.convertToFollower(term); err != nil {
			return err
		}
	}
	switch {
	case msg.RequestVote != nil:
		return server.handleRequestVote(msg.From, msg.Seq, msg.RequestVote)
	case msg.RequestVoteResult != nil:
		return server.handleRequestVoteResult(msg.From, msg.RequestVoteResult)
	case msg.AppendEntries != nil:
		return server.handleAppendEntries(msg.From, msg.Seq, msg.AppendEntries)
	default:
		return server.handleAppendEntriesResult(msg.From, msg.Seq, msg.AppendEntriesResult)
	}
}

// convertToFollower moves the server to the follower state. A newer term
// and the cleared vote are persisted before anything else changes.
func (server *RaftServer) convertToFollower(term int64) error {
	if term > server.Term {
		if err := saveHardState(server.PersistentStore, term, common.None); err != nil {
			return err
		}
		server.Term = term
		server.VotedFor = common.None
		server.CurrentLeader = common.None
	}
	prev := server.State
	server.State = Follower
	server.votes = nil
	if prev != Follower {
		server.logger.Info("converting to follower", zap.Int64("term", server.Term), zap.Stringer("from", prev))
	}
	if prev == Leader {
		server.stopHeartbeatTimer()
		server.resetElectionTimer()
	}
	return nil
}

// request sends a new request to a peer under a fresh sequence number.
func (server *RaftServer) request(to common.ServerID, msg common.Message) uint64 {
	server.seq++
	msg.Seq = server.seq
	server.send(to, msg)
	return msg.Seq
}

// reply answers the request numbered seq.
func (server *RaftServer) reply(to common.ServerID, seq uint64, msg common.Message) {
	msg.Seq = seq
	server.send(to, msg)
}

func (server *RaftServer) send(to common.ServerID, msg common.Message) {
	msg.From = server.MyID
	msg.To = to
	server.metrics.MessagesSent.WithLabelValues(msg.Kind()).Inc()
	if err := server.transport.Send(msg); err != nil {
		server.metrics.SendFailures.Inc()
		server.logger.Debug("send failed",
			zap.Error(&common.TransportFailure{To: to, Err: err}),
			zap.String("kind", msg.Kind()))
	}
}

// halt stops the server after a persistence failure.
func (server *RaftServer) halt(err error) {
	server.logger.Error("persistence failure, stopping server", zap.Error(err))
	server.healthy.Store(false)
	server.metrics.PersistenceFailures.Inc()
	server.failure = err
	server.shutdown(fmt.Errorf("%w: %v", common.ErrStopped, err))
}

func (server *RaftServer) shutdown(reason error) {
	server.stopElectionTimer()
	server.stopHeartbeatTimer()
	server.State = Stopped
	server.CurrentLeader = common.None
	for index, p := range server.pending {
		delete(server.pending, index)
		p.complete(ApplyResult{Index: index, Err: reason})
	}
	server.publish()
}

// publish exposes a fresh status snapshot and refreshes the gauges.
func (server *RaftServer) publish() {
	st := Status{
		ID:          server.MyID,
		State:       server.State,
		Term:        server.Term,
		CommitIndex: server.log.commitIndex,
		LastApplied: server.log.lastApplied,
		LeaderID:    server.CurrentLeader,
		Healthy:     server.healthy.Load(),
	}
	server.metrics.observe(st)
	server.status.Store(st)
}

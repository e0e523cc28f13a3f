package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/persistent"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/zap/zaptest"
)

var errFSM = errors.New("command failed")

// testFSM records every entry it applies. The command "fail" makes Apply
// return errFSM.
type testFSM struct {
	mu      sync.Mutex
	applied []common.LogEntry
}

func (f *testFSM) Apply(entry common.LogEntry) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entry)
	if string(entry.Data) == "fail" {
		return nil, errFSM
	}
	return []byte("ok:" + string(entry.Data)), nil
}

func (f *testFSM) entries() []common.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.LogEntry(nil), f.applied...)
}

func (f *testFSM) commands() []string {
	var out []string
	for _, e := range f.entries() {
		out = append(out, string(e.Data))
	}
	return out
}

func generateClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 1; i <= n; i++ {
		servers = append(servers, common.Server{
			ID:         common.ServerID(i),
			NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 12345+i)),
		})
	}
	return common.ClusterConfig{
		Cluster:          servers,
		HeartBeatTimeout: 20 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		ClientTimeout:    time.Second,
	}
}

// recordingTransport captures everything a server sends.
type recordingTransport struct {
	ch chan common.Message
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{ch: make(chan common.Message, 4096)}
}

func (r *recordingTransport) Send(msg common.Message) error {
	select {
	case r.ch <- msg:
		return nil
	default:
		return errors.New("recording transport full")
	}
}

// unitHarness drives a single server by hand: a mock clock, and a
// transport that records instead of delivering.
type unitHarness struct {
	t         *testing.T
	config    common.ClusterConfig
	server    *RaftServer
	clock     *clock.Mock
	transport *recordingTransport
	fsm       *testFSM
	logStore  *persistent.MemoryLogStore
	pstore    *persistent.MemoryStore
}

// newUnitHarness builds server 1 of an n-server cluster. preload, if not
// nil, runs against the stores before the server reads them.
func newUnitHarness(t *testing.T, config common.ClusterConfig, preload func(*persistent.MemoryLogStore, *persistent.MemoryStore)) *unitHarness {
	h := &unitHarness{
		t:         t,
		config:    config,
		clock:     clock.NewMock(),
		transport: newRecordingTransport(),
		fsm:       &testFSM{},
		logStore:  persistent.NewMemoryLogStore(),
		pstore:    persistent.NewMemoryStore(),
	}
	if preload != nil {
		preload(h.logStore, h.pstore)
	}
	server, err := NewRaftServer(config.Cluster[0], config, h.fsm, h.logStore, h.pstore, h.transport,
		WithClock(h.clock),
		WithRand(rand.New(rand.NewSource(1))),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	h.server = server
	server.Start()
	t.Cleanup(func() { _ = server.Stop() })
	return h
}

// next returns the next recorded message of the given kind sent to to,
// discarding the others.
func (h *unitHarness) next(kind string, to common.ServerID) common.Message {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.transport.ch:
			if msg.Kind() == kind && msg.To == to {
				return msg
			}
		case <-timeout:
			h.t.Fatalf("no %s message sent to %d", kind, to)
		}
	}
}

// quiet asserts that nothing of the given kind is sent for a while.
func (h *unitHarness) quiet(kind string) {
	h.t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case msg := <-h.transport.ch:
			if msg.Kind() == kind {
				h.t.Fatalf("unexpected %s message: %+v", kind, msg)
			}
		case <-timeout:
			return
		}
	}
}

func (h *unitHarness) receive(msg common.Message) {
	msg.To = h.server.MyID
	h.server.Receive(msg)
}

func (h *unitHarness) waitState(state RaftState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.server.Status().State == state },
		2*time.Second, time.Millisecond, "server never became %v", state)
}

// campaign advances the clock until the server starts an election and
// returns the election's term.
func (h *unitHarness) campaign() int64 {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		if st := h.server.Status().State; st == Candidate || st == Leader {
			return true
		}
		h.clock.Add(2 * h.config.ElectionTimeout)
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return h.server.Status().Term
}

// elect makes server 1 the leader by granting it the votes of servers
// 2..majority.
func (h *unitHarness) elect() int64 {
	h.t.Helper()
	term := h.campaign()
	for id := 2; id <= h.config.Majority(); id++ {
		h.receive(common.Message{From: common.ServerID(id), RequestVoteResult: &common.RequestVoteRPCResult{Term: term, VoteGranted: true}})
	}
	h.waitState(Leader)
	return term
}

// testCluster runs real servers on the in-memory network with the real
// clock.
type testCluster struct {
	t       *testing.T
	config  common.ClusterConfig
	network *rpc.Network
	nodes   map[common.ServerID]*testNode

	mu      sync.Mutex
	leaders map[int64]map[common.ServerID]bool
	stopMon chan struct{}
	monDone chan struct{}
}

type testNode struct {
	id       common.ServerID
	server   *RaftServer
	fsm      *testFSM
	logStore *persistent.MemoryLogStore
	pstore   *persistent.MemoryStore
}

func newTestCluster(t *testing.T, config common.ClusterConfig) *testCluster {
	c := &testCluster{
		t:       t,
		config:  config,
		network: rpc.NewNetwork(),
		nodes:   make(map[common.ServerID]*testNode),
		leaders: make(map[int64]map[common.ServerID]bool),
		stopMon: make(chan struct{}),
		monDone: make(chan struct{}),
	}
	for _, s := range config.Cluster {
		c.nodes[s.ID] = &testNode{
			id:       s.ID,
			logStore: persistent.NewMemoryLogStore(),
			pstore:   persistent.NewMemoryStore(),
		}
		c.start(s.ID)
	}
	go c.monitor()
	t.Cleanup(func() {
		close(c.stopMon)
		<-c.monDone
		for _, n := range c.nodes {
			_ = n.server.Stop()
		}
		c.checkElectionSafety()
	})
	return c
}

// start (re)starts a node from its stores with an empty state machine.
func (c *testCluster) start(id common.ServerID) *testNode {
	n := c.nodes[id]
	me, _ := c.config.ServerByID(id)
	n.fsm = &testFSM{}
	server, err := NewRaftServer(me, c.config, n.fsm, n.logStore, n.pstore, c.network.Transport(id),
		WithLogger(zaptest.NewLogger(c.t).Named(fmt.Sprintf("server-%d", id))))
	require.NoError(c.t, err)
	c.mu.Lock()
	n.server = server
	c.mu.Unlock()
	c.network.Register(id, server)
	server.Start()
	return n
}

// crash stops a node and takes it off the network. Its stores survive.
func (c *testCluster) crash(id common.ServerID) {
	c.network.Unregister(id)
	require.NoError(c.t, c.nodes[id].server.Stop())
}

// monitor samples the role of every server and remembers who led each
// term.
func (c *testCluster) monitor() {
	defer close(c.monDone)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopMon:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		for _, n := range c.nodes {
			st := n.server.Status()
			if st.State != Leader {
				continue
			}
			if c.leaders[st.Term] == nil {
				c.leaders[st.Term] = make(map[common.ServerID]bool)
			}
			c.leaders[st.Term][st.ID] = true
		}
		c.mu.Unlock()
	}
}

func (c *testCluster) checkElectionSafety() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for term, ldrs := range c.leaders {
		assert.LessOrEqualf(c.t, len(ldrs), 1, "multiple leaders for term %d: %v", term, ldrs)
	}
}

// waitLeader waits until exactly one of the given servers (all of them by
// default) leads, with no other among them in a newer term.
func (c *testCluster) waitLeader(ids ...common.ServerID) *testNode {
	c.t.Helper()
	if len(ids) == 0 {
		ids = c.ids()
	}
	var leader *testNode
	require.Eventually(c.t, func() bool {
		leader = c.leaderOf(ids)
		return leader != nil
	}, 5*time.Second, 5*time.Millisecond, "no leader elected")
	return leader
}

func (c *testCluster) leaderOf(ids []common.ServerID) *testNode {
	var leader *testNode
	var maxTerm int64
	for _, id := range ids {
		if t := c.nodes[id].server.Status().Term; t > maxTerm {
			maxTerm = t
		}
	}
	for _, id := range ids {
		st := c.nodes[id].server.Status()
		if st.State == Leader && st.Term == maxTerm {
			if leader != nil {
				return nil
			}
			leader = c.nodes[id]
		}
	}
	return leader
}

// propose submits cmd through whichever of ids leads until it is applied.
func (c *testCluster) propose(cmd string, ids ...common.ServerID) (int64, []byte) {
	c.t.Helper()
	if len(ids) == 0 {
		ids = c.ids()
	}
	var index int64
	var data []byte
	require.Eventually(c.t, func() bool {
		leader := c.leaderOf(ids)
		if leader == nil {
			return false
		}
		p, err := leader.server.Propose([]byte(cmd))
		if err != nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err = p.Wait(ctx)
		if err != nil {
			return false
		}
		index = p.Index
		return true
	}, 10*time.Second, 10*time.Millisecond, "command %q never applied", cmd)
	return index, data
}

// waitApplied waits until each of ids has applied index.
func (c *testCluster) waitApplied(index int64, ids ...common.ServerID) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, id := range ids {
			if c.nodes[id].server.Status().LastApplied < index {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "index %d not applied everywhere", index)
}

// checkLogs verifies that the committed prefixes of all logs agree.
func (c *testCluster) checkLogs(ids ...common.ServerID) {
	c.t.Helper()
	var ref []common.LogEntry
	var refID common.ServerID
	for _, id := range ids {
		n := c.nodes[id]
		commit := n.server.Status().CommitIndex
		entries, err := n.logStore.Entries(0)
		require.NoError(c.t, err)
		entries = entries[:commit+1]
		if ref == nil {
			ref, refID = entries, id
			continue
		}
		shorter := len(ref)
		if len(entries) < shorter {
			shorter = len(entries)
		}
		if diff := cmp.Diff(ref[:shorter], entries[:shorter]); diff != "" {
			c.t.Errorf("logs of %d and %d differ (-%d +%d):\n%s", refID, id, refID, id, diff)
		}
	}
}

func (c *testCluster) ids() []common.ServerID {
	var out []common.ServerID
	for _, s := range c.config.Cluster {
		out = append(out, s.ID)
	}
	return out
}

func (c *testCluster) others(id common.ServerID) []common.ServerID {
	var out []common.ServerID
	for _, s := range c.config.Cluster {
		if s.ID != id {
			out = append(out, s.ID)
		}
	}
	return out
}

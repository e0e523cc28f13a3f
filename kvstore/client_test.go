package kvstore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"github.com/sushantsondhi/raftcore/raft"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeCluster stands in for a raft cluster: one server applies requests
// to a shared FSM, the others redirect to it.
type fakeCluster struct {
	mu      sync.Mutex
	leader  common.ServerID
	hint    common.ServerID
	fsm     *kvstore.KeyValFSM
	servers []*fakeServer
}

type fakeServer struct {
	id      common.ServerID
	cluster *fakeCluster
	down    bool
	calls   int
}

func newFakeCluster(n int, leader common.ServerID) *fakeCluster {
	c := &fakeCluster{leader: leader, hint: leader, fsm: kvstore.NewKeyValFSM()}
	for i := 1; i <= n; i++ {
		c.servers = append(c.servers, &fakeServer{id: common.ServerID(i), cluster: c})
	}
	return c
}

func (c *fakeCluster) rpcServers() []common.RPCServer {
	var out []common.RPCServer
	for _, s := range c.servers {
		out = append(out, s)
	}
	return out
}

func (s *fakeServer) GetID() common.ServerID { return s.id }

func (s *fakeServer) Deliver(*common.Message, *common.Ack) error { return nil }

func (s *fakeServer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	s.calls++
	if s.down {
		return errors.New("connection refused")
	}
	if s.id != s.cluster.leader {
		result.Retryable = true
		result.LeaderID = s.cluster.hint
		result.Error = (&common.NotLeaderError{LeaderID: s.cluster.hint}).Error()
		return nil
	}
	data, err := s.cluster.fsm.Apply(common.LogEntry{Data: args.Data})
	if err != nil {
		result.Error = err.Error()
		return nil
	}
	result.Success = true
	result.Data = data
	return nil
}

func (s *fakeServer) ServerStatus(_ *common.StatusRPC, result *common.StatusRPCResult) error {
	if s.down {
		return errors.New("connection refused")
	}
	result.ID = s.id
	result.LeaderID = s.cluster.leader
	return nil
}

func TestKVStore_FollowsLeaderHint(t *testing.T) {
	cluster := newFakeCluster(3, 3)
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())

	_, err := store.Set("a", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.servers[0].calls)
	assert.Equal(t, 0, cluster.servers[1].calls, "the hint skips server 2")
	assert.Equal(t, 1, cluster.servers[2].calls)
	assert.Equal(t, int32(2), store.LastKnownResponder.Load())

	// the next request goes straight to the leader
	_, val, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.Equal(t, 1, cluster.servers[0].calls)
	assert.Equal(t, 2, cluster.servers[2].calls)
}

func TestKVStore_SkipsUnreachableServers(t *testing.T) {
	cluster := newFakeCluster(3, 2)
	cluster.servers[0].down = true
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())

	_, err := store.Set("a", "1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.LastKnownResponder.Load())

	statuses, err := store.Status()
	assert.Error(t, err)
	assert.Len(t, statuses, 2)
}

func TestKVStore_WaitsForElection(t *testing.T) {
	cluster := newFakeCluster(3, 2)
	cluster.hint = common.None
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())
	store.RetryDelay = time.Millisecond

	_, err := store.Set("a", "1")
	require.NoError(t, err)
	val, ok := cluster.fsm.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "1", val)
}

func TestKVStore_ApplicationErrorsAreFinal(t *testing.T) {
	cluster := newFakeCluster(3, 1)
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())

	_, _, err := store.Get("missing")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)
	_, err = store.Delete("missing")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)
	assert.Equal(t, 2, cluster.servers[0].calls)
}

func TestKVStore_GivesUp(t *testing.T) {
	cluster := newFakeCluster(2, 1)
	for _, s := range cluster.servers {
		s.down = true
	}
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())
	store.Attempts = 4
	store.RetryDelay = time.Millisecond

	_, err := store.Set("a", "1")
	assert.Error(t, err)
	assert.Equal(t, 2, cluster.servers[0].calls)
	assert.Equal(t, 2, cluster.servers[1].calls)
}

func TestKVStore_GivesUpAtDeadline(t *testing.T) {
	cluster := newFakeCluster(2, 1)
	for _, s := range cluster.servers {
		s.down = true
	}
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())
	store.Attempts = 1 << 20
	store.RetryDelay = 5 * time.Millisecond
	store.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := store.Set("a", "1")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

// The followers keep naming the dead leader until a new one is elected.
func TestKVStore_WaitsOutStaleLeaderHint(t *testing.T) {
	cluster := newFakeCluster(3, 1)
	cluster.servers[0].down = true
	elected := time.AfterFunc(100*time.Millisecond, func() {
		cluster.mu.Lock()
		defer cluster.mu.Unlock()
		cluster.leader = 2
		cluster.hint = 2
	})
	defer elected.Stop()

	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())
	store.Attempts = 60
	store.RetryDelay = 10 * time.Millisecond

	_, err := store.Set("a", "1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.LastKnownResponder.Load())
	val, ok := cluster.fsm.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "1", val)
}

func TestKVStore_RetryIsIdempotent(t *testing.T) {
	cluster := newFakeCluster(1, 1)
	store := kvstore.NewKeyValStoreFromServers(cluster.rpcServers())

	id, err := store.Set("k", "old")
	require.NoError(t, err)
	_, err = store.Set("k", "new")
	require.NoError(t, err)
	require.NoError(t, store.SetWithUUID("k", "old", id))

	_, val, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "new", val)
}

func freeAddress(t *testing.T) common.ServerAddress {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return common.ServerAddress(l.Addr().String())
}

// spinUpCluster runs n bolt-backed replicas talking net/rpc over loopback.
func spinUpCluster(t *testing.T, n int) (common.ClusterConfig, map[common.ServerID]*kvstore.Node) {
	config := common.ClusterConfig{
		HeartBeatTimeout: 20 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		ClientTimeout:    time.Second,
	}
	for i := 1; i <= n; i++ {
		config.Cluster = append(config.Cluster, common.Server{ID: common.ServerID(i), NetAddress: freeAddress(t)})
	}

	dir := t.TempDir()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	nodes := make(map[common.ServerID]*kvstore.Node)
	for _, s := range config.Cluster {
		node, err := kvstore.NewNode(config, s.ID, dir, logger)
		require.NoError(t, err)
		nodes[s.ID] = node
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, node.Run(ctx))
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return config, nodes
}

func TestKVStore_OverRaft(t *testing.T) {
	config, nodes := spinUpCluster(t, 3)
	clientManager := rpc.NewManager(nil)
	defer clientManager.Stop()
	store, err := kvstore.NewKeyValStore(config.Cluster, clientManager)
	require.NoError(t, err)
	store.Attempts = 100

	for i := 0; i < 10; i++ {
		_, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i))
		require.NoError(t, err)
	}
	_, val, err := store.Get("key7")
	require.NoError(t, err)
	assert.Equal(t, "val7", val)
	_, _, err = store.Get("nope")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)

	statuses, err := store.Status()
	require.NoError(t, err)
	leaders := 0
	for _, st := range statuses {
		if st.State == raft.Leader.String() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	// every replica converges on the same data
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.FSM.Len() != 10 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKVStore_LeaderFailover(t *testing.T) {
	config, nodes := spinUpCluster(t, 3)
	clientManager := rpc.NewManager(nil)
	defer clientManager.Stop()
	store, err := kvstore.NewKeyValStore(config.Cluster, clientManager)
	require.NoError(t, err)
	store.Attempts = 100

	_, err = store.Set("before", "1")
	require.NoError(t, err)

	var leader *kvstore.Node
	for _, node := range nodes {
		if node.Server.Status().State == raft.Leader {
			leader = node
		}
	}
	require.NotNil(t, leader)
	leader.Manager.Disconnect()

	_, err = store.Set("after", "2")
	require.NoError(t, err)
	_, val, err := store.Get("before")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

package benchmarks

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"github.com/sushantsondhi/raftcore/raft"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestSimulate(t *testing.T) {
	result, err := Simulate(SimulateOptions{Servers: 3, Clients: 4, Requests: 40}, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	require.NoError(t, err)
	assert.Equal(t, 40, result.Requests)
	assert.Equal(t, 3, result.Servers)
	assert.Positive(t, result.Elapsed)
	assert.Contains(t, result.String(), "40 simulated write requests")
}

func TestSimulate_LossyNetwork(t *testing.T) {
	result, err := Simulate(SimulateOptions{Servers: 5, Clients: 2, Requests: 20, DropRate: 0.05, DupRate: 0.1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Requests)
}

func TestSimulate_Invalid(t *testing.T) {
	_, err := Simulate(SimulateOptions{Servers: 3}, nil)
	assert.Error(t, err)
}

func freeAddress(t *testing.T) common.ServerAddress {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return common.ServerAddress(l.Addr().String())
}

func TestBenchmarksOverTCP(t *testing.T) {
	config := common.ClusterConfig{
		HeartBeatTimeout: 20 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
	}
	for i := 1; i <= 3; i++ {
		config.Cluster = append(config.Cluster, common.Server{ID: common.ServerID(i), NetAddress: freeAddress(t)})
	}
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	defer func() {
		cancel()
		assert.NoError(t, g.Wait())
	}()
	// server 3 stays down until the catch-up run starts it
	var nodes []*kvstore.Node
	for _, id := range []common.ServerID{1, 2} {
		node, err := kvstore.NewNode(config, id, dir, nil)
		require.NoError(t, err)
		nodes = append(nodes, node)
		g.Go(func() error { return node.Run(ctx) })
	}
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Server.Status().State == raft.Leader {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	results, err := ClientReadWriteThroughput(config.Cluster[:2], 20)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "write", results[0].Name)
	assert.Equal(t, "read", results[1].Name)

	result, err := ParallelClientThroughput(config.Cluster[:2], 4, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Requests)

	result, err = ServerCatchUpTime(ctx, config, 3, dir, 10, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Requests, 50)
}

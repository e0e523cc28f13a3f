package benchmarks

import (
	"fmt"
	"time"

	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"github.com/sushantsondhi/raftcore/persistent"
	"github.com/sushantsondhi/raftcore/raft"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SimulateOptions struct {
	Servers  int
	Clients  int
	Requests int
	// DropRate and DupRate are the probabilities that the simulated
	// network drops or duplicates a message.
	DropRate float64
	DupRate  float64
}

// Simulate runs an in-memory cluster over a simulated network and times
// Requests writes issued by Clients concurrent clients.
func Simulate(opts SimulateOptions, logger *zap.Logger) (result Result, err error) {
	if opts.Servers <= 0 || opts.Clients <= 0 {
		return Result{}, fmt.Errorf("need at least one server and one client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config := common.ClusterConfig{
		HeartBeatTimeout: 20 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		ClientTimeout:    2 * time.Second,
	}
	for i := 1; i <= opts.Servers; i++ {
		config.Cluster = append(config.Cluster, common.Server{
			ID:         common.ServerID(i),
			NetAddress: common.ServerAddress(fmt.Sprintf("sim-%d", i)),
		})
	}

	network := rpc.NewNetwork()
	var servers []common.RPCServer
	var raftServers []*raft.RaftServer
	defer func() {
		for _, server := range raftServers {
			err = multierr.Append(err, server.Stop())
		}
	}()
	for _, s := range config.Cluster {
		server, err := raft.NewRaftServer(s, config, kvstore.NewKeyValFSM(),
			persistent.NewMemoryLogStore(), persistent.NewMemoryStore(), network.Transport(s.ID),
			raft.WithLogger(logger))
		if err != nil {
			return Result{}, err
		}
		network.Register(s.ID, server)
		raftServers = append(raftServers, server)
		servers = append(servers, server)
	}
	for _, server := range raftServers {
		server.Start()
	}
	network.SetFaults(opts.DropRate, opts.DupRate)

	reqsPerClient := opts.Requests / opts.Clients
	var g errgroup.Group
	start := time.Now()
	for c := 0; c < opts.Clients; c++ {
		index := c
		g.Go(func() error {
			store := kvstore.NewKeyValStoreFromServers(servers)
			store.RetryDelay = 10 * time.Millisecond
			store.Attempts = 100 * len(servers)
			for i := index * reqsPerClient; i < (index+1)*reqsPerClient; i++ {
				if _, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	delivered, dropped := network.Stats()
	logger.Info("Simulation complete",
		zap.Int64("messages_delivered", delivered),
		zap.Int64("messages_dropped", dropped))
	return Result{
		Name:     "simulated write",
		Requests: reqsPerClient * opts.Clients,
		Servers:  opts.Servers,
		Elapsed:  time.Since(start),
	}, nil
}

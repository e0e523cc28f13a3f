package benchmarks

import (
	"context"
	"fmt"
	"time"

	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one benchmark run.
type Result struct {
	Name     string
	Requests int
	Servers  int
	Elapsed  time.Duration
}

func (r Result) String() string {
	rate := float64(r.Requests) / r.Elapsed.Seconds()
	return fmt.Sprintf("[Benchmark] %d %s requests took %s on %d servers (%.1f req/s).",
		r.Requests, r.Name, r.Elapsed, r.Servers, rate)
}

func newStore(cluster []common.Server) (*kvstore.KVStore, func() error, error) {
	manager := rpc.NewManager(nil)
	store, err := kvstore.NewKeyValStore(cluster, manager)
	if err != nil {
		return nil, nil, multierr.Append(err, manager.Stop())
	}
	return store, manager.Stop, nil
}

// ClientReadWriteThroughput times numRequests sequential writes followed
// by as many reads of the same keys.
func ClientReadWriteThroughput(cluster []common.Server, numRequests int) (results []Result, err error) {
	store, stop, err := newStore(cluster)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, stop()) }()

	start := time.Now()
	for i := 0; i < numRequests; i++ {
		if _, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i)); err != nil {
			return nil, err
		}
	}
	results = append(results, Result{Name: "write", Requests: numRequests, Servers: len(cluster), Elapsed: time.Since(start)})

	start = time.Now()
	for i := 0; i < numRequests; i++ {
		if _, _, err := store.Get(fmt.Sprintf("key%d", i)); err != nil {
			return nil, err
		}
	}
	results = append(results, Result{Name: "read", Requests: numRequests, Servers: len(cluster), Elapsed: time.Since(start)})
	return results, nil
}

// ParallelClientThroughput splits numRequests writes across clients
// concurrent clients.
func ParallelClientThroughput(cluster []common.Server, clients, numRequests int) (Result, error) {
	if clients <= 0 {
		return Result{}, fmt.Errorf("need at least one client, got %d", clients)
	}
	reqsPerClient := numRequests / clients
	var g errgroup.Group
	start := time.Now()
	for c := 0; c < clients; c++ {
		index := c
		g.Go(func() (err error) {
			store, stop, err := newStore(cluster)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, stop()) }()
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
	return Result{Name: "parallel write", Requests: reqsPerClient * clients, Servers: len(cluster), Elapsed: time.Since(start)}, nil
}

// ServerCatchUpTime writes numRequests entries while the server lagging
// is down, then starts it locally and times how long it takes to apply
// everything the cluster committed.
func ServerCatchUpTime(ctx context.Context, config common.ClusterConfig, lagging common.ServerID, dataDir string, numRequests int, logger *zap.Logger) (Result, error) {
	var running []common.Server
	for _, s := range config.Cluster {
		if s.ID != lagging {
			running = append(running, s)
		}
	}
	store, stop, err := newStore(running)
	if err != nil {
		return Result{}, err
	}
	defer stop()
	for i := 0; i < numRequests; i++ {
		if _, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i)); err != nil {
			return Result{}, err
		}
	}
	var target int64
	statuses, _ := store.Status()
	for _, st := range statuses {
		if st.CommitIndex > target {
			target = st.CommitIndex
		}
	}

	node, err := kvstore.NewNode(config, lagging, dataDir, logger)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	start := time.Now()
	go func() { runErr <- node.Run(ctx) }()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for node.Server.Status().LastApplied < target {
		select {
		case <-ticker.C:
		case err := <-runErr:
			return Result{}, multierr.Append(fmt.Errorf("lagging server stopped before catching up"), err)
		case <-ctx.Done():
			cancel()
			return Result{}, multierr.Append(ctx.Err(), <-runErr)
		}
	}
	elapsed := time.Since(start)
	cancel()
	if err := <-runErr; err != nil {
		return Result{}, err
	}
	return Result{Name: "catch-up", Requests: int(target), Servers: len(config.Cluster), Elapsed: elapsed}, nil
}

package kvstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/persistent"
	"github.com/sushantsondhi/raftcore/raft"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Node is one replica of the key-value store: a raft server over bolt
// stores, reachable through net/rpc.
type Node struct {
	Server    *raft.RaftServer
	FSM       *KeyValFSM
	Manager   *rpc.Manager
	Transport *rpc.Transport

	address common.ServerAddress
}

// NewNode opens (or creates) the stores of server id under dataDir.
func NewNode(config common.ClusterConfig, id common.ServerID, dataDir string, logger *zap.Logger, opts ...raft.Option) (*Node, error) {
	me, ok := config.ServerByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: server %d is not part of the cluster", common.ErrInvalidConfig, id)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logStore, logErr := persistent.CreateDbLogStore(filepath.Join(dataDir, fmt.Sprintf("%d_logstore.db", id)))
	pStore, pErr := persistent.NewPStore(filepath.Join(dataDir, fmt.Sprintf("%d_pstore.db", id)))
	closeStores := func(err error) error {
		if logErr == nil {
			err = multierr.Append(err, logStore.Close())
		}
		if pErr == nil {
			err = multierr.Append(err, pStore.Close())
		}
		return err
	}
	if err := multierr.Combine(logErr, pErr); err != nil {
		return nil, closeStores(err)
	}

	manager := rpc.NewManager(logger)
	transport, err := rpc.NewTransport(manager, config, id, logger)
	if err != nil {
		return nil, closeStores(err)
	}
	fsm := NewKeyValFSM()
	opts = append([]raft.Option{raft.WithLogger(logger)}, opts...)
	server, err := raft.NewRaftServer(me, config, fsm, logStore, pStore, transport, opts...)
	if err != nil {
		transport.Close()
		return nil, closeStores(err)
	}
	return &Node{
		Server:    server,
		FSM:       fsm,
		Manager:   manager,
		Transport: transport,
		address:   me.NetAddress,
	}, nil
}

// Run serves RPCs and runs the raft server until ctx is cancelled or the
// server halts. It returns the failure that halted the server, if any.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Manager.Start(n.address, n.Server)
	})
	n.Server.Start()
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-n.Server.Done():
		}
		return multierr.Combine(n.Server.Err(), n.Close())
	})
	return g.Wait()
}

// Close stops the node. It is safe to call more than once.
func (n *Node) Close() error {
	n.Transport.Close()
	return multierr.Combine(n.Server.Stop(), n.Manager.Stop())
}

package rpc

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager is the implementation of common.RPCManager interface using
// the golang's net/rpc package
type Manager struct {
	mu       sync.Mutex
	listener net.Listener
	peers    []*Peer

	disconnected *atomic.Bool
	stopped      *atomic.Bool
	logger       *zap.Logger

	// RetryDelay is how long a peer waits before redialing.
	RetryDelay time.Duration
}

var _ common.RPCManager = &Manager{}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		disconnected: atomic.NewBool(false),
		stopped:      atomic.NewBool(false),
		logger:       logger,
		RetryDelay:   100 * time.Millisecond,
	}
}

// endpoint is what gets registered with net/rpc, so that only the RPC
// methods of the server are exported.
type endpoint struct {
	server  common.RPCServer
	manager *Manager
}

func (e *endpoint) Deliver(msg *common.Message, ack *common.Ack) error {
	if e.manager.disconnected.Load() {
		return common.ErrDisconnected
	}
	return e.server.Deliver(msg, ack)
}

func (e *endpoint) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if e.manager.disconnected.Load() {
		return common.ErrDisconnected
	}
	return e.server.ClientRequest(args, result)
}

func (e *endpoint) ServerStatus(args *common.StatusRPC, result *common.StatusRPCResult) error {
	return e.server.ServerStatus(args, result)
}

func (manager *Manager) Start(address common.ServerAddress, server common.RPCServer) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("RPCServer", &endpoint{server: server, manager: manager}); err != nil {
		return err
	}

	for {
		listener, err := net.Listen("tcp", string(address))
		if err != nil {
			if manager.stopped.Load() {
				return nil
			}
			return err
		}
		manager.mu.Lock()
		if manager.stopped.Load() {
			manager.mu.Unlock()
			return listener.Close()
		}
		manager.listener = listener
		manager.mu.Unlock()

		manager.logger.Info("Listening", zap.String("address", listener.Addr().String()))
		rpcServ.Accept(listener)
		if manager.stopped.Load() {
			return nil
		}
		// Code can only reach this line if there was a serious network
		// error preventing listener to break, so we loop and try to
		// re-establish listener.
		manager.logger.Warn("listener failed, restarting", zap.String("address", string(address)))
	}
}

// Addr returns the address the manager listens on, or nil before Start.
func (manager *Manager) Addr() net.Addr {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Addr()
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id common.ServerID) (common.RPCServer, error) {
	peer := NewPeer(address, id)
	peer.disconnected = manager.disconnected
	peer.retryDelay = manager.RetryDelay
	manager.mu.Lock()
	manager.peers = append(manager.peers, peer)
	manager.mu.Unlock()
	return peer, nil
}

func (manager *Manager) Stop() error {
	manager.stopped.Store(true)
	manager.mu.Lock()
	defer manager.mu.Unlock()
	var err error
	if manager.listener != nil {
		err = multierr.Append(err, manager.listener.Close())
		manager.listener = nil
	}
	for _, peer := range manager.peers {
		err = multierr.Append(err, peer.Close())
	}
	manager.peers = nil
	return err
}

// Disconnect cuts the managed server off the network: outgoing calls fail
// and incoming messages are refused until Reconnect.
func (manager *Manager) Disconnect() {
	manager.disconnected.Store(true)
}

func (manager *Manager) Reconnect() {
	manager.disconnected.Store(false)
}

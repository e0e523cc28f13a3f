package rpc

import (
	"errors"
	"io"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/atomic"
)

const dialTimeout = time.Second

// Peer is the implementation of common.RPCServer interface using the
// golang's net/rpc package
type Peer struct {
	id      common.ServerID
	address common.ServerAddress

	mu     sync.Mutex
	client *rpc.Client

	disconnected *atomic.Bool
	retryDelay   time.Duration
}

var _ common.RPCServer = &Peer{}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until an actual RPC
// call takes place.
func NewPeer(address common.ServerAddress, id common.ServerID) *Peer {
	return &Peer{
		id:           id,
		address:      address,
		disconnected: atomic.NewBool(false),
		retryDelay:   100 * time.Millisecond,
	}
}

func (peer *Peer) getClient() (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client != nil {
		return peer.client, nil
	}
	conn, err := net.DialTimeout("tcp", string(peer.address), dialTimeout)
	if err != nil {
		return nil, err
	}
	peer.client = rpc.NewClient(conn)
	return peer.client, nil
}

func (peer *Peer) resetClient(client *rpc.Client) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == client {
		_ = peer.client.Close()
		peer.client = nil
	}
}

// call takes care of automatically re-trying on transient failures
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		if peer.disconnected.Load() {
			return common.ErrDisconnected
		}
		var client *rpc.Client
		if client, err = peer.getClient(); err != nil {
			// retry after a short delay
			time.Sleep(peer.retryDelay)
			continue
		}
		if err = client.Call(method, args, result); errors.Is(err, io.EOF) || errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.ErrUnexpectedEOF) {
			// likely that connection timed out, retry immediately
			peer.resetClient(client)
			continue
		}
		break
	}
	return
}

func (peer *Peer) GetID() common.ServerID {
	return peer.id
}

func (peer *Peer) Deliver(msg *common.Message, ack *common.Ack) error {
	return peer.call("RPCServer.Deliver", msg, ack)
}

func (peer *Peer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	return peer.call("RPCServer.ClientRequest", args, result)
}

func (peer *Peer) ServerStatus(args *common.StatusRPC, result *common.StatusRPCResult) error {
	return peer.call("RPCServer.ServerStatus", args, result)
}

// Close drops the connection. A later call dials again.
func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	err := peer.client.Close()
	peer.client = nil
	if errors.Is(err, rpc.ErrShutdown) {
		return nil
	}
	return err
}

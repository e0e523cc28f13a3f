package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/zap"
)

const outboxSize = 256

// ErrOutboxFull is returned by Transport.Send when a peer is not keeping up.
var ErrOutboxFull = errors.New("rpc: outbox full")

// Transport carries raft messages over net/rpc. Each peer has a bounded
// outbox drained by its own goroutine, so a slow or unreachable peer
// never delays the sender or the other peers.
type Transport struct {
	me       common.ServerID
	outboxes map[common.ServerID]chan common.Message
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ common.Transport = &Transport{}

// NewTransport connects to every peer of me through manager.
func NewTransport(manager common.RPCManager, cluster common.ClusterConfig, me common.ServerID, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		me:       me,
		outboxes: make(map[common.ServerID]chan common.Message),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, server := range cluster.Peers(me) {
		peer, err := manager.ConnectToPeer(server.NetAddress, server.ID)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("connect to %d: %w", server.ID, err)
		}
		outbox := make(chan common.Message, outboxSize)
		t.outboxes[server.ID] = outbox
		t.wg.Add(1)
		go t.drain(peer, outbox)
	}
	return t, nil
}

func (t *Transport) drain(peer common.RPCServer, outbox chan common.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-outbox:
			if err := peer.Deliver(&msg, &common.Ack{}); err != nil {
				t.logger.Debug("delivery failed",
					zap.Error(&common.TransportFailure{To: peer.GetID(), Err: err}),
					zap.String("kind", msg.Kind()))
			}
		}
	}
}

func (t *Transport) Send(msg common.Message) error {
	outbox, ok := t.outboxes[msg.To]
	if !ok {
		return fmt.Errorf("rpc: unknown peer %d", msg.To)
	}
	select {
	case <-t.stopCh:
		return common.ErrStopped
	default:
	}
	select {
	case outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops the delivery goroutines. Queued messages are discarded.
func (t *Transport) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

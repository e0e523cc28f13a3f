package rpc

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/atomic"
)

// Network is an in-memory network connecting raft servers of one process.
// Messages are handed straight to the receiver, which queues them without
// blocking. Servers can be partitioned or isolated, and the network can be
// told to drop or duplicate a fraction of the messages.
type Network struct {
	mu        sync.RWMutex
	receivers map[common.ServerID]common.Receiver
	// servers in different groups cannot talk; missing means group 0
	groups    map[common.ServerID]int
	nextGroup int

	randMu   sync.Mutex
	rand     *rand.Rand
	dropRate float64
	dupRate  float64

	delivered *atomic.Int64
	dropped   *atomic.Int64
}

func NewNetwork() *Network {
	return &Network{
		receivers: make(map[common.ServerID]common.Receiver),
		groups:    make(map[common.ServerID]int),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		delivered: atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
	}
}

// Register attaches the receiver of server id, replacing any earlier one.
func (n *Network) Register(id common.ServerID, receiver common.Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[id] = receiver
}

// Unregister detaches server id; messages to it are lost.
func (n *Network) Unregister(id common.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, id)
}

// Transport returns the sending side of server id.
func (n *Network) Transport(id common.ServerID) common.Transport {
	return &memoryTransport{network: n, id: id}
}

// Partition splits the network: servers of one group only reach each
// other. Servers not named in any group form one more group.
func (n *Network) Partition(groups ...[]common.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[common.ServerID]int)
	for i, group := range groups {
		for _, id := range group {
			n.groups[id] = i + 1
		}
	}
	n.nextGroup = len(groups) + 1
}

// Isolate cuts server id off from everyone else.
func (n *Network) Isolate(id common.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nextGroup == 0 {
		n.nextGroup = 1
	}
	n.groups[id] = n.nextGroup
	n.nextGroup++
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[common.ServerID]int)
	n.nextGroup = 0
}

// SetFaults makes the network drop and duplicate the given fractions of
// messages.
func (n *Network) SetFaults(dropRate, dupRate float64) {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	n.dropRate = dropRate
	n.dupRate = dupRate
}

// Stats returns the number of delivered and dropped messages.
func (n *Network) Stats() (delivered, dropped int64) {
	return n.delivered.Load(), n.dropped.Load()
}

func (n *Network) roll() (drop, dup bool) {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	if n.dropRate > 0 && n.rand.Float64() < n.dropRate {
		return true, false
	}
	return false, n.dupRate > 0 && n.rand.Float64() < n.dupRate
}

func (n *Network) send(from common.ServerID, msg common.Message) error {
	n.mu.RLock()
	receiver, ok := n.receivers[msg.To]
	connected := n.groups[from] == n.groups[msg.To]
	n.mu.RUnlock()
	if !ok || !connected {
		n.dropped.Inc()
		return common.ErrDisconnected
	}
	drop, dup := n.roll()
	if drop {
		n.dropped.Inc()
		return nil
	}
	receiver.Receive(msg)
	n.delivered.Inc()
	if dup {
		receiver.Receive(msg)
		n.delivered.Inc()
	}
	return nil
}

type memoryTransport struct {
	network *Network
	id      common.ServerID
}

func (t *memoryTransport) Send(msg common.Message) error {
	return t.network.send(t.id, msg)
}

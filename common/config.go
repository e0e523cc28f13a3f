package common

import (
	"fmt"
	"time"
)

// ServerID uniquely identifies a raft server inside its cluster.
// Valid identifiers are strictly positive.
type ServerID int64

// None is the zero ServerID. It stands for "no server", e.g. a vote
// that has not been cast or a leader that is not known.
const None ServerID = 0

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

type Server struct {
	ID         ServerID      `yaml:"id"`
	NetAddress ServerAddress `yaml:"address"`
}

// ClusterConfig specifies configuration information related to a
// raft cluster. This includes tunable properties of the Raft
// protocol itself such as different timeouts.
type ClusterConfig struct {
	Cluster []Server
	// HeartBeatTimeout is the interval between two leader heartbeats.
	// It must be strictly shorter than ElectionTimeout.
	HeartBeatTimeout time.Duration
	// ElectionTimeout is the lower bound of the randomized election
	// timeout; actual timeouts are drawn from [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout time.Duration
	// MaxAppendEntries caps the number of entries carried by one
	// AppendEntries message. Zero means no limit.
	MaxAppendEntries int
	// LeaderNoop makes a newly elected leader append an empty entry of
	// its own term so that entries of earlier terms can commit.
	LeaderNoop bool
	// ClientTimeout bounds how long a ClientRequest waits for its entry
	// to be applied. Zero selects DefaultClientTimeout.
	ClientTimeout time.Duration
}

const (
	DefaultHeartBeatTimeout = 50 * time.Millisecond
	DefaultElectionTimeout  = 200 * time.Millisecond
	DefaultClientTimeout    = 5 * time.Second
)

// Majority returns the quorum size, floor(N/2)+1.
func (c ClusterConfig) Majority() int {
	return len(c.Cluster)/2 + 1
}

// ServerByID returns the server with the given id.
func (c ClusterConfig) ServerByID(id ServerID) (Server, bool) {
	for _, s := range c.Cluster {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// Peers returns every server of the cluster except me.
func (c ClusterConfig) Peers(me ServerID) []Server {
	var peers []Server
	for _, s := range c.Cluster {
		if s.ID != me {
			peers = append(peers, s)
		}
	}
	return peers
}

// Validate checks that the membership is well formed and that the timing
// constraints of the protocol hold.
func (c ClusterConfig) Validate() error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("%w: cluster has no servers", ErrInvalidConfig)
	}
	seen := make(map[ServerID]bool, len(c.Cluster))
	for _, s := range c.Cluster {
		if s.ID <= None {
			return fmt.Errorf("%w: invalid server id %d", ErrInvalidConfig, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate server id %d", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}
	if c.ElectionTimeout <= 0 || c.HeartBeatTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.HeartBeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("%w: heartbeat timeout (%v) must be shorter than election timeout (%v)",
			ErrInvalidConfig, c.HeartBeatTimeout, c.ElectionTimeout)
	}
	if c.MaxAppendEntries < 0 {
		return fmt.Errorf("%w: negative MaxAppendEntries", ErrInvalidConfig)
	}
	return nil
}

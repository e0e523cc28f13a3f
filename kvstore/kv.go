package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftcore/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// KVStore implements a simple key-value store over the Raft implementation.
// This acts as a simple abstraction over Raft's RPC interface intended to be used
// as a library by the clients.
// This is a thread-safe library.
type KVStore struct {
	RaftServers        []common.RPCServer
	LastKnownResponder *atomic.Int32

	// RetryDelay is how long to wait after an unreachable server or when
	// no reachable server knows the leader.
	RetryDelay time.Duration
	// Attempts bounds the number of requests sent per operation.
	Attempts int
	// Timeout bounds the time spent on one operation. Zero means no bound.
	Timeout time.Duration

	index map[common.ServerID]int
}

func NewKeyValStore(addrs []common.Server, manager common.RPCManager) (*KVStore, error) {
	var servers []common.RPCServer
	for _, addr := range addrs {
		server, err := manager.ConnectToPeer(addr.NetAddress, addr.ID)
		if err != nil {
			return nil, fmt.Errorf("error connecting to raft server at %v: %w", addr.NetAddress, err)
		}
		servers = append(servers, server)
	}
	return NewKeyValStoreFromServers(servers), nil
}

// NewKeyValStoreFromServers builds a client over already connected servers.
func NewKeyValStoreFromServers(servers []common.RPCServer) *KVStore {
	store := &KVStore{
		RaftServers:        servers,
		LastKnownResponder: atomic.NewInt32(0),
		RetryDelay:         50 * time.Millisecond,
		Attempts:           10 * len(servers),
		Timeout:            10 * time.Second,
		index:              make(map[common.ServerID]int),
	}
	for i, server := range servers {
		store.index[server.GetID()] = i
	}
	return store
}

// do sends request to the leader, following leader hints, until it is
// applied or fails for good.
func (kv *KVStore) do(request Request) ([]byte, error) {
	if len(kv.RaftServers) == 0 {
		return nil, errors.New("no raft servers configured")
	}
	bytes, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if kv.Timeout > 0 {
		deadline = time.Now().Add(kv.Timeout)
	}
	var errs error
	// unreachable holds the servers that failed since hints were last
	// trusted, so a stale hint naming a dead leader does not bounce us back.
	unreachable := make(map[int]bool)
	next := int(kv.LastKnownResponder.Load())
	attempts := 0
	for ; attempts < kv.Attempts; attempts++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		idx := next % len(kv.RaftServers)
		server := kv.RaftServers[idx]
		var result common.ClientRequestRPCResult
		if reqErr := server.ClientRequest(&common.ClientRequestRPC{Data: bytes}, &result); reqErr != nil {
			errs = multierr.Append(errs, reqErr)
			unreachable[idx] = true
			next = idx + 1
			time.Sleep(kv.RetryDelay)
			continue
		}
		if result.Success {
			kv.LastKnownResponder.Store(int32(idx))
			return result.Data, nil
		}
		if !result.Retryable {
			if result.Error == ErrKeyNotFound.Error() {
				return nil, ErrKeyNotFound
			}
			return nil, errors.New(result.Error)
		}
		errs = multierr.Append(errs, errors.New(result.Error))
		if j, ok := kv.index[result.LeaderID]; ok && j != idx && !unreachable[j] {
			next = j
			continue
		}
		// nobody reachable knows the leader: an election is probably running
		next = idx + 1
		time.Sleep(kv.RetryDelay)
		for k := range unreachable {
			delete(unreachable, k)
		}
	}
	return nil, fmt.Errorf("%s %q failed after %d attempts: %w", request.Type, request.Key, attempts, errs)
}

// SetWithUUID method creates a PUT request with given id, if the store has
// already seen a request (even if GET) with the same id it will not apply
// this operation again.
func (kv *KVStore) SetWithUUID(key, val string, id uuid.UUID) error {
	_, err := kv.do(Request{
		Type:          Set,
		Key:           key,
		Val:           val,
		TransactionId: id,
	})
	return err
}

// Set method can be used to add or update key-value pair in the store.
// It returns a UUID which may be used to retry the operation with
// idempotence guarantees using the SetWithUUID method.
func (kv *KVStore) Set(key, val string) (uuid.UUID, error) {
	id := uuid.New()
	return id, kv.SetWithUUID(key, val, id)
}

func (kv *KVStore) GetWithUUID(key string, id uuid.UUID) (string, error) {
	val, err := kv.do(Request{
		Type:          Get,
		Key:           key,
		TransactionId: id,
	})
	return string(val), err
}

// Get method can be used to get the value corresponding to the given key in the store.
// It also returns a UUID that may be used to retry this operation with
// idempotence guarantees. In particular for get operation this means the call with
// return an older value that was at the time of the first call.
func (kv *KVStore) Get(key string) (uuid.UUID, string, error) {
	id := uuid.New()
	val, err := kv.GetWithUUID(key, id)
	return id, val, err
}

func (kv *KVStore) DeleteWithUUID(key string, id uuid.UUID) error {
	_, err := kv.do(Request{
		Type:          Delete,
		Key:           key,
		TransactionId: id,
	})
	return err
}

// Delete removes key from the store. Deleting a missing key returns
// ErrKeyNotFound.
func (kv *KVStore) Delete(key string) (uuid.UUID, error) {
	id := uuid.New()
	return id, kv.DeleteWithUUID(key, id)
}

// Status asks every server for its status. Unreachable servers are
// reported in the combined error.
func (kv *KVStore) Status() ([]common.StatusRPCResult, error) {
	var statuses []common.StatusRPCResult
	var errs error
	for _, server := range kv.RaftServers {
		var status common.StatusRPCResult
		if err := server.ServerStatus(&common.StatusRPC{}, &status); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server %d: %w", server.GetID(), err))
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, errs
}

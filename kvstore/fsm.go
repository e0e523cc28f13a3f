package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raftcore/common"
)

type RequestType int

const (
	Set RequestType = iota
	Get
	Delete
)

func (t RequestType) String() string {
	switch t {
	case Set:
		return "SET"
	case Get:
		return "GET"
	case Delete:
		return "DELETE"
	}
	return fmt.Sprintf("RequestType(%d)", int(t))
}

// Request is the command replicated through the raft log.
type Request struct {
	Type RequestType
	Key  string
	Val  string
	// TransactionId makes a request idempotent: a request whose id was
	// already applied returns the original response and changes nothing.
	TransactionId uuid.UUID
}

var ErrKeyNotFound = errors.New("key does not exist")

type response struct {
	val []byte
	err error
}

// KeyValFSM is the implementation of the common.FSM interface
// for the key-value store. We store the key value pairs
// in-memory because they can be reliably reconstructed
// on server restarts by simply replaying the log
type KeyValFSM struct {
	mu    sync.RWMutex
	store map[string]string
	seen  map[uuid.UUID]response
}

var _ common.FSM = &KeyValFSM{}

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store: make(map[string]string),
		seen:  make(map[uuid.UUID]response),
	}
}

func (fsm *KeyValFSM) Apply(entry common.LogEntry) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(entry.Data, &request); err != nil {
		return nil, fmt.Errorf("malformed request at index %d: %w", entry.Index, err)
	}

	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	if request.TransactionId != uuid.Nil {
		if res, ok := fsm.seen[request.TransactionId]; ok {
			return res.val, res.err
		}
	}

	var res response
	switch request.Type {
	case Set:
		fsm.store[request.Key] = request.Val
	case Get:
		if val, ok := fsm.store[request.Key]; ok {
			res.val = []byte(val)
		} else {
			res.err = ErrKeyNotFound
		}
	case Delete:
		if _, ok := fsm.store[request.Key]; ok {
			delete(fsm.store, request.Key)
		} else {
			res.err = ErrKeyNotFound
		}
	default:
		res.err = fmt.Errorf("unknown request type %v", request.Type)
	}
	if request.TransactionId != uuid.Nil {
		fsm.seen[request.TransactionId] = res
	}
	return res.val, res.err
}

// Lookup reads a key directly from the local replica, bypassing the log.
func (fsm *KeyValFSM) Lookup(key string) (string, bool) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	val, ok := fsm.store[key]
	return val, ok
}

// Len returns the number of keys in the local replica.
func (fsm *KeyValFSM) Len() int {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	return len(fsm.store)
}

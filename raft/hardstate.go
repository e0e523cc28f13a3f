package raft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sushantsondhi/raftcore/common"
)

// hardStateKey holds term and votedFor together so that both change in
// one durable write.
var hardStateKey = []byte("hardState")

const hardStateSize = 16

func encodeHardState(term int64, votedFor common.ServerID) []byte {
	buf := make([]byte, hardStateSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(term))
	binary.BigEndian.PutUint64(buf[8:16], uint64(votedFor))
	return buf
}

// loadHardState returns the persisted term and vote, or (0, None) for a
// store that has never been written.
func loadHardState(store common.PersistentStore) (int64, common.ServerID, error) {
	b, err := store.GetDefault(hardStateKey, nil)
	if err != nil {
		return 0, common.None, err
	}
	if b == nil {
		return 0, common.None, nil
	}
	if len(b) != hardStateSize {
		return 0, common.None, fmt.Errorf("corrupt hard state: %d bytes", len(b))
	}
	term := int64(binary.BigEndian.Uint64(b[0:8]))
	votedFor := common.ServerID(binary.BigEndian.Uint64(b[8:16]))
	if term < 0 {
		return 0, common.None, errors.New("corrupt hard state: negative term")
	}
	return term, votedFor, nil
}

func saveHardState(store common.PersistentStore, term int64, votedFor common.ServerID) error {
	if err := store.Set(hardStateKey, encodeHardState(term, votedFor)); err != nil {
		return &common.PersistenceFailure{Op: "save hard state", Err: err}
	}
	return nil
}

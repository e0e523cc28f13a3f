package persistent

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sushantsondhi/raftcore/common"
)

// entryHeaderSize is sz|type + index + term.
const entryHeaderSize = 8 + 8 + 8

const maxEntryDataSize = 1<<60 - 1

var errShortEntry = errors.New("encoded log entry is too short")

// EncodeEntry serializes a log entry as a fixed header followed by its payload.
// The top four bits of the first word carry the entry type, the rest the
// payload size.
func EncodeEntry(e common.LogEntry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Data))
	binary.BigEndian.PutUint64(buf[0:8], (uint64(e.Type)<<60)|uint64(len(e.Data)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Index))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Term))
	copy(buf[entryHeaderSize:], e.Data)
	return buf
}

// DecodeEntry is the inverse of EncodeEntry. The returned entry does not
// alias b.
func DecodeEntry(b []byte) (common.LogEntry, error) {
	var e common.LogEntry
	if len(b) < entryHeaderSize {
		return e, errShortEntry
	}
	sz := binary.BigEndian.Uint64(b[0:8])
	e.Type, sz = common.EntryType(sz>>60), sz&maxEntryDataSize
	e.Index = int64(binary.BigEndian.Uint64(b[8:16]))
	e.Term = int64(binary.BigEndian.Uint64(b[16:24]))
	if uint64(len(b)-entryHeaderSize) != sz {
		return e, errors.Errorf("encoded log entry %d: payload is %d bytes, header says %d",
			e.Index, len(b)-entryHeaderSize, sz)
	}
	if sz > 0 {
		e.Data = make([]byte, sz)
		copy(e.Data, b[entryHeaderSize:])
	}
	return e, nil
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

package raft

import (
	"fmt"

	"github.com/sushantsondhi/raftcore/common"
)

// raftLog is the in-memory view of a server's log. Every mutation is
// written to the LogStore before it becomes visible here, so the mirror
// never runs ahead of durable state.
//
// Index 0 holds a term-0 sentinel shared by all servers; commands start
// at index 1.
type raftLog struct {
	store   common.LogStore
	entries []common.LogEntry

	// highest index known to be replicated on a majority
	commitIndex int64
	// highest index handed to the FSM
	lastApplied int64
}

func newRaftLog(store common.LogStore) (*raftLog, error) {
	entries, err := store.Entries(0)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	if len(entries) == 0 {
		sentinel := common.LogEntry{Index: 0, Term: 0}
		if err := store.Store(sentinel); err != nil {
			return nil, &common.PersistenceFailure{Op: "store sentinel entry", Err: err}
		}
		entries = []common.LogEntry{sentinel}
	}
	for i, e := range entries {
		if e.Index != int64(i) {
			return nil, fmt.Errorf("corrupt log: entry at position %d has index %d", i, e.Index)
		}
		if i > 0 && e.Term < entries[i-1].Term {
			return nil, fmt.Errorf("corrupt log: term decreases at index %d", i)
		}
	}
	return &raftLog{store: store, entries: entries}, nil
}

func (l *raftLog) length() int64 { return int64(len(l.entries)) }

func (l *raftLog) lastIndex() int64 { return int64(len(l.entries)) - 1 }

// last returns the index and term of the last entry.
func (l *raftLog) last() (int64, int64) {
	e := l.entries[len(l.entries)-1]
	return e.Index, e.Term
}

func (l *raftLog) term(index int64) (int64, bool) {
	if index < 0 || index >= l.length() {
		return 0, false
	}
	return l.entries[index].Term, true
}

func (l *raftLog) entry(index int64) (common.LogEntry, bool) {
	if index < 0 || index >= l.length() {
		return common.LogEntry{}, false
	}
	return l.entries[index], true
}

// entriesFrom returns up to max entries starting at from; max <= 0 means
// all of them. The returned slice is a copy.
func (l *raftLog) entriesFrom(from int64, max int) []common.LogEntry {
	if from < 0 {
		from = 0
	}
	if from >= l.length() {
		return nil
	}
	src := l.entries[from:]
	if max > 0 && len(src) > max {
		src = src[:max]
	}
	out := make([]common.LogEntry, len(src))
	copy(out, src)
	return out
}

// matches is the consistency check of AppendEntries.
func (l *raftLog) matches(index, term int64) bool {
	t, ok := l.term(index)
	return ok && t == term
}

// isUpToDate reports whether a log ending at (lastIndex, lastTerm) is at
// least as up-to-date as this one.
func (l *raftLog) isUpToDate(lastIndex, lastTerm int64) bool {
	myIndex, myTerm := l.last()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= myIndex
}

func (l *raftLog) append(entries ...common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for i, e := range entries {
		if e.Index != l.length()+int64(i) {
			return fmt.Errorf("append: entry has index %d, expected %d", e.Index, l.length()+int64(i))
		}
	}
	if err := l.store.Append(entries); err != nil {
		return &common.PersistenceFailure{Op: "append entries", Err: err}
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// truncateFrom removes index and everything after it. Committed entries
// are never removed.
func (l *raftLog) truncateFrom(index int64) error {
	if index <= l.commitIndex {
		return fmt.Errorf("refusing to truncate committed index %d (commit index %d)", index, l.commitIndex)
	}
	if index >= l.length() {
		return nil
	}
	if err := l.store.TruncateFrom(index); err != nil {
		return &common.PersistenceFailure{Op: "truncate log", Err: err}
	}
	l.entries = l.entries[:index:index]
	return nil
}

// merge applies the entries of an AppendEntries whose previous entry is
// known to match at prevIndex. Entries already present with the same term
// are skipped, the log is cut at the first conflict, and the remainder is
// appended. A duplicate or reordered request therefore never shortens the
// log. It returns the index of the last entry covered by the request.
func (l *raftLog) merge(prevIndex int64, entries []common.LogEntry) (int64, error) {
	for i, e := range entries {
		idx := prevIndex + 1 + int64(i)
		if idx < l.length() {
			if l.entries[idx].Term == e.Term {
				continue
			}
			if err := l.truncateFrom(idx); err != nil {
				return 0, err
			}
		}
		if err := l.append(entries[i:]...); err != nil {
			return 0, err
		}
		break
	}
	return prevIndex + int64(len(entries)), nil
}

// commitTo advances the commit index, never past the last entry and never
// backwards. It reports whether the commit index moved.
func (l *raftLog) commitTo(index int64) bool {
	if index > l.lastIndex() {
		index = l.lastIndex()
	}
	if index <= l.commitIndex {
		return false
	}
	l.commitIndex = index
	return true
}

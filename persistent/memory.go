package persistent

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sushantsondhi/raftcore/common"
)

// ErrInjected is the failure returned by memory stores once fault injection
// triggers.
var ErrInjected = errors.New("injected write failure")

// faults counts writes down to an injected failure. A negative budget
// disables injection.
type faults struct {
	budget int
}

func (f *faults) write() error {
	if f.budget < 0 {
		return nil
	}
	if f.budget == 0 {
		return ErrInjected
	}
	f.budget--
	return nil
}

// MemoryLogStore keeps the log in memory. Its contents survive Close, so a
// test can "restart" a server on the same store.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []common.LogEntry
	faults  faults
}

var _ common.LogStore = (*MemoryLogStore)(nil)

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{faults: faults{budget: -1}}
}

// FailAfter makes every write after the next n writes fail with ErrInjected.
// A negative n disables injection.
func (m *MemoryLogStore) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults.budget = n
}

func (m *MemoryLogStore) put(entry common.LogEntry) error {
	switch {
	case entry.Index < 0 || entry.Index > int64(len(m.entries)):
		return errors.Wrapf(ErrNonContiguous, "[Store] index %d", entry.Index)
	case entry.Index == int64(len(m.entries)):
		m.entries = append(m.entries, clone(entry))
	default:
		m.entries[entry.Index] = clone(entry)
	}
	return nil
}

func (m *MemoryLogStore) Store(entry common.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.write(); err != nil {
		return err
	}
	return m.put(entry)
}

func (m *MemoryLogStore) Append(entries []common.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.write(); err != nil {
		return err
	}
	// validate first so a rejected batch leaves the log untouched
	next := int64(len(m.entries))
	for i, entry := range entries {
		if i == 0 && (entry.Index < 0 || entry.Index > next) || i > 0 && entry.Index != entries[i-1].Index+1 {
			return errors.Wrapf(ErrNonContiguous, "[Append] index %d", entry.Index)
		}
	}
	for _, entry := range entries {
		if err := m.put(entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLogStore) Get(index int64) (*common.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= int64(len(m.entries)) {
		return nil, errors.Wrapf(ErrIndexNotFound, "[Get] index %d", index)
	}
	e := clone(m.entries[index])
	return &e, nil
}

func (m *MemoryLogStore) GetLast() (*common.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, errors.Wrap(ErrIndexNotFound, "[GetLast] log is empty")
	}
	e := clone(m.entries[len(m.entries)-1])
	return &e, nil
}

func (m *MemoryLogStore) Entries(from int64) ([]common.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from < 0 {
		from = 0
	}
	var out []common.LogEntry
	for i := from; i < int64(len(m.entries)); i++ {
		out = append(out, clone(m.entries[i]))
	}
	return out, nil
}

func (m *MemoryLogStore) Length() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryLogStore) TruncateFrom(index int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.write(); err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if index < int64(len(m.entries)) {
		m.entries = m.entries[:index]
	}
	return nil
}

func (m *MemoryLogStore) Close() error { return nil }

func clone(e common.LogEntry) common.LogEntry {
	if e.Data != nil {
		e.Data = append([]byte(nil), e.Data...)
	}
	return e
}

// MemoryStore is an in-memory PersistentStore.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	faults faults
}

var _ common.PersistentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte), faults: faults{budget: -1}}
}

// FailAfter makes every Set after the next n calls fail with ErrInjected.
func (m *MemoryStore) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults.budget = n
}

func (m *MemoryStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.write(); err != nil {
		return err
	}
	m.values[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[string(key)]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "[Get] %q", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	if defaultVal != nil {
		m.values[string(key)] = append([]byte(nil), defaultVal...)
	}
	return defaultVal, nil
}

func (m *MemoryStore) Close() error { return nil }

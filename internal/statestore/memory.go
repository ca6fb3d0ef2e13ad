package statestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu         sync.Mutex
	forms      map[string]FormState
	lock       LockInfo
	dictionary []DictionaryRow

	// Now is the clock used by the lock protocol; overridable in tests.
	Now func() time.Time
}

// NewMemory returns an empty store with the lock free.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		forms: make(map[string]FormState),
		lock:  LockInfo{State: LockFree},
		Now:   time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) ListForms(ctx context.Context) ([]FormState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FormState, 0, len(m.forms))
	for _, st := range m.forms {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormID < out[j].FormID })
	return out, nil
}

func (m *MemoryStore) GetForm(ctx context.Context, formID string) (FormState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.forms[formID]
	return st, ok, nil
}

func (m *MemoryStore) SaveForm(ctx context.Context, st FormState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forms[st.FormID] = st
	return nil
}

func (m *MemoryStore) DeleteForm(ctx context.Context, formID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.forms, formID)
	return nil
}

func (m *MemoryStore) AcquireLock(ctx context.Context, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now().UTC()
	stale := staleAfter > 0 && !m.lock.LockedAt.IsZero() && now.Sub(m.lock.LockedAt) > staleAfter
	if m.lock.State == LockBusy && !stale {
		return false, nil
	}
	m.lock = LockInfo{State: LockBusy, LockedAt: now}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lock = LockInfo{State: LockFree}
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context) (LockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lock, nil
}

func (m *MemoryStore) AppendDictionary(ctx context.Context, rows []DictionaryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dictionary = append(m.dictionary, rows...)
	return nil
}

// Dictionary returns a copy of the audit rows, for assertions.
func (m *MemoryStore) Dictionary() []DictionaryRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DictionaryRow, len(m.dictionary))
	copy(out, m.dictionary)
	return out
}

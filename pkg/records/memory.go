package records

import (
	"context"
	"sync"
)

// MemoryInputStore is an in-process InputStore. Every Save is kept as a snapshot.
type MemoryInputStore struct {
	mu        sync.Mutex
	records   []InputRecord
	snapshots [][]InputRecord
}

// NewMemoryInputStore returns a store seeded with recs.
func NewMemoryInputStore(recs []InputRecord) *MemoryInputStore {
	return &MemoryInputStore{records: cloneInputs(recs)}
}

// Load implements InputStore.
func (m *MemoryInputStore) Load(context.Context) ([]InputRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneInputs(m.records), nil
}

// Save implements InputStore.
func (m *MemoryInputStore) Save(_ context.Context, recs []InputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = cloneInputs(recs)
	m.snapshots = append(m.snapshots, cloneInputs(recs))
	return nil
}

// Snapshots returns every saved record set in save order.
func (m *MemoryInputStore) Snapshots() [][]InputRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]InputRecord, len(m.snapshots))
	for i, s := range m.snapshots {
		out[i] = cloneInputs(s)
	}
	return out
}

// MemoryOutputStore is an in-process OutputStore. The contents after every write
// are kept as a snapshot.
type MemoryOutputStore struct {
	mu        sync.Mutex
	records   []OutputRecord
	snapshots [][]OutputRecord
	replaces  int
}

// NewMemoryOutputStore returns a store seeded with recs.
func NewMemoryOutputStore(recs []OutputRecord) *MemoryOutputStore {
	return &MemoryOutputStore{records: append([]OutputRecord(nil), recs...)}
}

// Load implements OutputStore.
func (m *MemoryOutputStore) Load(context.Context) ([]OutputRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutputRecord(nil), m.records...), nil
}

// Append implements OutputStore.
func (m *MemoryOutputStore) Append(_ context.Context, recs []OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recs...)
	m.snapshots = append(m.snapshots, append([]OutputRecord(nil), m.records...))
	return nil
}

// Replace implements OutputStore.
func (m *MemoryOutputStore) Replace(_ context.Context, recs []OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]OutputRecord(nil), recs...)
	m.snapshots = append(m.snapshots, append([]OutputRecord(nil), m.records...))
	m.replaces++
	return nil
}

// Snapshots returns the store contents after each write.
func (m *MemoryOutputStore) Snapshots() [][]OutputRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]OutputRecord, len(m.snapshots))
	for i, s := range m.snapshots {
		out[i] = append([]OutputRecord(nil), s...)
	}
	return out
}

// Replaces returns how many times Replace was called.
func (m *MemoryOutputStore) Replaces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces
}

func cloneInputs(recs []InputRecord) []InputRecord {
	if recs == nil {
		return nil
	}
	out := make([]InputRecord, len(recs))
	for i, r := range recs {
		out[i] = r
		if r.Extra != nil {
			out[i].Extra = make(map[string]string, len(r.Extra))
			for k, v := range r.Extra {
				out[i].Extra[k] = v
			}
		}
	}
	return out
}

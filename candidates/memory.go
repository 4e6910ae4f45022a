package candidates

import (
	"context"
	"sync"
)

// MemMemory is an in-memory WinnerMemory, keyed by species_hash, suitable
// for a single process and for tests. Concrete deployments needing winner
// memory to survive a process restart pair a Mongo-backed store with the
// same interface (see logstore.MongoStore and training.MongoStore for the
// equivalent durability pattern this package's own backend would follow).
type MemMemory struct {
	mu      sync.Mutex
	records map[string][]WinnerRecord
}

// NewMemMemory constructs an empty in-memory winner-memory store.
func NewMemMemory() *MemMemory {
	return &MemMemory{records: map[string][]WinnerRecord{}}
}

// TopK returns the k most recently recorded winners for speciesHash, most
// recent first.
func (m *MemMemory) TopK(_ context.Context, speciesHash string, k int) ([]WinnerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[speciesHash]
	if k <= 0 || k > len(recs) {
		k = len(recs)
	}
	out := make([]WinnerRecord, k)
	for i := 0; i < k; i++ {
		out[i] = recs[len(recs)-1-i]
	}
	return out, nil
}

// RecordWinner appends rec under speciesHash, the scope boundary that keeps
// a winning rewrite learned for one cell's structural fingerprint from ever
// being retrieved for a different one (§8 "Winner learning scope").
func (m *MemMemory) RecordWinner(_ context.Context, speciesHash string, rec WinnerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[speciesHash] = append(m.records[speciesHash], rec)
	return nil
}

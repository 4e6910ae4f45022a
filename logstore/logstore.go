// Package logstore defines the durable, append-only event sink contract
// (§6 "event sink contract") that every trace.Event gets persisted through,
// keyed by (session_id, trace_id, seq) so a replay can fetch a session's
// full event history in order.
package logstore

import (
	"context"
	"sort"
	"sync"

	"lars/trace"
)

// Record is one persisted event, addressed by its natural key.
type Record struct {
	SessionID string
	TraceID   string
	Seq       uint64
	Event     trace.Event
}

// Store is the durable event sink contract.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, sessionID string) ([]Record, error)
}

// MemStore is an in-memory Store for tests and single-process
// deployments without a durability requirement.
type MemStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: map[string][]Record{}}
}

func (m *MemStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = append(m.records[rec.SessionID], rec)
	return nil
}

func (m *MemStore) Query(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Record(nil), m.records[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Subscriber adapts a Store into a trace.Subscriber so a Bus can publish
// directly into durable storage alongside any live subscribers.
type Subscriber struct {
	Store Store
}

func (s Subscriber) OnEvent(ctx context.Context, ev trace.Event) {
	_ = s.Store.Append(ctx, Record{SessionID: ev.SessionID, TraceID: ev.TraceID, Seq: ev.Seq, Event: ev})
}

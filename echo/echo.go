// Package echo implements Echo, the per-run state/history/lineage accumulator
// threaded through every cell of a cascade run. Echo is exclusively owned by
// the active cascade run: Candidates takes a shallow copy per branch and
// reconciles only the winning branch's deltas back into the parent.
package echo

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Message is one entry in the history threaded into LLM calls. Role is
	// one of "user", "assistant", "tool", or "system".
	Message struct {
		Role    string
		Content string
		// Images carries multi-modal parts persisted by a prior tool call
		// (resolved path/base64 references, never raw object handles).
		Images []string
		// ToolCallID correlates a tool-role message to the assistant tool
		// call that produced it.
		ToolCallID string
		Name       string
	}

	// LineageEntry records one executed cell: its status, winner index (for
	// Candidates), winning reforge depth, and cost.
	LineageEntry struct {
		Cell           string
		Status         string // "completed", "aborted_by_ward", "failed", "routed"
		WinnerIndex    *int   // nil when candidates.mode=aggregate or no candidates
		Aggregated     bool
		ReforgeSteps   int
		Exhausted      bool // max_turns exhausted with no terminal content
		CostUSD        float64
		PromptTokens   int
		CompletionTok  int
		RoutedTo       string
		StartedAt      time.Time
		EndedAt        time.Time
	}

	// ErrorEntry is a structured error recorded in Echo.Errors.
	ErrorEntry struct {
		Cell string
		Kind string
		Msg  string
		At   time.Time
	}

	// StateMutation records a single set_state write for audit purposes.
	StateMutation struct {
		Cell string
		Key  string
		At   time.Time
	}

	// Echo is the per-run accumulator described by the data model: input,
	// state, history, outputs, lineage, errors, and trace linkage. All reads
	// are safe for concurrent use from parallel candidate branches; writes
	// must go through Fork/Merge or the dedicated mutators below.
	Echo struct {
		mu sync.RWMutex

		SessionID string
		TraceID   string
		ParentID  string

		Input map[string]any

		state   map[string]any
		history []Message
		outputs map[string]any
		// completed tracks which cells have written their output, so that
		// reading an incomplete cell's output fails loudly per §4.2.
		completed map[string]bool

		lineage    []LineageEntry
		errorsList []ErrorEntry
		mutations  []StateMutation

		CurrentCell string
		Depth       int
	}
)

// New constructs an Echo for a fresh cascade run.
func New(input map[string]any) *Echo {
	if input == nil {
		input = map[string]any{}
	}
	return &Echo{
		SessionID: uuid.NewString(),
		TraceID:   uuid.NewString(),
		Input:     input,
		state:     map[string]any{},
		outputs:   map[string]any{},
		completed: map[string]bool{},
	}
}

// State returns a snapshot copy of the current state mapping. Reads are
// read-through: callers observe the latest committed writes.
func (e *Echo) State() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// SetState mutates state.key = value and logs the mutation. This is the only
// path that writes to state; it backs the built-in set_state trait.
func (e *Echo) SetState(cell, key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
	e.mutations = append(e.mutations, StateMutation{Cell: cell, Key: key, At: time.Now()})
}

// Mutations returns the ordered log of state writes.
func (e *Echo) Mutations() []StateMutation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StateMutation, len(e.mutations))
	copy(out, e.mutations)
	return out
}

// History returns a copy of the accumulated message history.
func (e *Echo) History() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Message, len(e.history))
	copy(out, e.history)
	return out
}

// AppendHistory appends one message. Only "assistant" and "tool" roles may
// be appended mid-turn-loop per the monotonic-history invariant; callers
// seeding initial instructions use "user"/"system" before the loop starts.
func (e *Echo) AppendHistory(msgs ...Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, msgs...)
}

// Output returns the terminal output of a completed cell. The second return
// value is false if the cell has not completed, so that reading an
// incomplete cell's output fails loudly rather than returning a zero value.
func (e *Echo) Output(cell string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.completed[cell] {
		return nil, false
	}
	return e.outputs[cell], true
}

// CommitOutput writes outputs[cell] exactly once. Calling it twice for the
// same cell is a programmer error and panics, enforcing the exactly-once
// invariant at the source rather than silently overwriting.
func (e *Echo) CommitOutput(cell string, value any, entry LineageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed[cell] {
		panic(fmt.Sprintf("echo: output for cell %q committed twice", cell))
	}
	e.outputs[cell] = value
	e.completed[cell] = true
	entry.Cell = cell
	e.lineage = append(e.lineage, entry)
}

// RecordNonOutput appends a lineage entry for a cell that did not reach
// "completed" (aborted_by_ward, failed, routed-without-output). It does not
// write to outputs.
func (e *Echo) RecordNonOutput(entry LineageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, entry)
}

// Lineage returns the ordered record of cells executed.
func (e *Echo) Lineage() []LineageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]LineageEntry, len(e.lineage))
	copy(out, e.lineage)
	return out
}

// RecordError appends a structured error.
func (e *Echo) RecordError(entry ErrorEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	e.errorsList = append(e.errorsList, entry)
}

// Errors returns the structured error list.
func (e *Echo) Errors() []ErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ErrorEntry, len(e.errorsList))
	copy(out, e.errorsList)
	return out
}

// Fork returns an independent copy of Echo for one Candidates branch. History
// is copy-on-write (a snapshot at fork time); state, outputs, and lineage are
// copied so concurrent branches cannot observe each other's mutations
// (branch isolation, §8).
func (e *Echo) Fork() *Echo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := &Echo{
		SessionID:   e.SessionID,
		TraceID:     e.TraceID,
		ParentID:    e.ParentID,
		Input:       e.Input,
		state:       cloneMap(e.state),
		history:     append([]Message(nil), e.history...),
		outputs:     cloneMap(e.outputs),
		completed:   cloneBoolMap(e.completed),
		lineage:     append([]LineageEntry(nil), e.lineage...),
		errorsList:  append([]ErrorEntry(nil), e.errorsList...),
		mutations:   append([]StateMutation(nil), e.mutations...),
		CurrentCell: e.CurrentCell,
		Depth:       e.Depth,
	}
	return cp
}

// MergeWinner reconciles a winning branch's deltas (state mutations, output,
// lineage, errors, history) back into the parent Echo. Eliminated branches'
// deltas are discarded; only the winner is merged, per the Candidates
// selection contract.
func (e *Echo) MergeWinner(branch *Echo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range branch.state {
		e.state[k] = v
	}
	e.mutations = append(e.mutations, branch.mutations[len(commonPrefixMutations(e.mutations, branch.mutations)):]...)
	e.history = branch.history
	for k, v := range branch.outputs {
		if branch.completed[k] && !e.completed[k] {
			e.outputs[k] = v
			e.completed[k] = true
		}
	}
	e.lineage = branch.lineage
	e.errorsList = branch.errorsList
}

func commonPrefixMutations(a, b []StateMutation) []StateMutation {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return a[:n]
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

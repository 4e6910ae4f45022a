// Package replay implements snapshot replay (§4.8): freezing a live run's
// interaction sequence from its event log into a file, then re-executing the
// cascade with the Agent and every non-builtin trait mocked from the
// snapshot instead of invoking a live LLM or tool. Replay is used both as a
// regression test and as an audit tool.
//
// Builtin traits (set_state, route_to, signal traits) are not mocked: they
// are pure protocol primitives with no external I/O, so re-executing them
// live against the replayed arguments is deterministic and produces
// identical results to freezing and substituting them — the distinction the
// specification draws ("every trait mocked") is aimed at traits with
// external side effects (SQL, shell, HTTP, sandboxes), which this package
// does mock.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"lars/agent"
	"lars/cascade"
	"lars/trace"
	"lars/traits"
)

type (
	// ToolCallSnapshot is one recorded tool invocation: the name, arguments,
	// and the content of the result it produced.
	ToolCallSnapshot struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Result    string         `json:"result"`
	}

	// TurnSnapshot is one recorded LLM turn: the assistant's final text (for
	// the terminal turn of a cell) plus every tool call it made.
	TurnSnapshot struct {
		AssistantContent string             `json:"assistant_content"`
		ToolCalls        []ToolCallSnapshot `json:"tool_calls,omitempty"`
	}

	// CellSnapshot is one recorded cell execution: its name, in the order it
	// ran, and the LLM turns (if any) it produced.
	CellSnapshot struct {
		Name  string         `json:"name"`
		Turns []TurnSnapshot `json:"turns,omitempty"`
	}

	// Snapshot is a frozen interaction sequence for one session, computed
	// from the session's event log (§4.8). It is not a live object; it is
	// serialized to a file and later loaded for Replay.
	Snapshot struct {
		SessionID  string         `json:"session_id"`
		CascadeID  string         `json:"cascade_id"`
		Cells      []CellSnapshot `json:"cells"`
		FinalState map[string]any `json:"final_state,omitempty"`
		Status     string         `json:"status"`
	}

	// EqualityPolicy controls how replayed tool call arguments are compared
	// against the snapshot (§4.8 "modulo a declared equality policy"). The
	// zero value is exact-equality on every field. FieldsByTool, when set
	// for a tool name, restricts comparison to only the named argument
	// fields — the declared "field whitelisting" relaxation, used to
	// tolerate non-deterministic fields (timestamps, UUIDs) a trait receives
	// or generates.
	EqualityPolicy struct {
		FieldsByTool map[string][]string
	}

	// Mismatch is one observed divergence between a live replay and its
	// snapshot.
	Mismatch struct {
		Kind   string // "cell_order", "cell_name", "tool_call", "tool_args", "status", "state"
		Detail string
	}

	// Report is the result of a Replay call.
	Report struct {
		Passed    bool
		Mismatches []Mismatch
		Envelope  cascade.Envelope
	}
)

// Freeze computes a Snapshot from sessionID's recorded event history,
// ordered by Seq. Events are the plain trace.Event values a logstore.Store
// returns for a session (via its embedded Record.Event field) — Freeze takes
// the Event slice directly rather than a logstore.Store so it has no import
// dependency on a specific store implementation.
func Freeze(sessionID, cascadeID string, events []trace.Event) (*Snapshot, error) {
	sorted := append([]trace.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	snap := &Snapshot{SessionID: sessionID, CascadeID: cascadeID, Status: "success"}

	var current *CellSnapshot
	var turn *TurnSnapshot

	for _, ev := range sorted {
		switch ev.Type {
		case trace.EventCellStart:
			name, _ := ev.Data["cell"].(string)
			snap.Cells = append(snap.Cells, CellSnapshot{Name: name})
			current = &snap.Cells[len(snap.Cells)-1]
			turn = nil
		case trace.EventTurnStart:
			if current == nil {
				continue
			}
			current.Turns = append(current.Turns, TurnSnapshot{})
			turn = &current.Turns[len(current.Turns)-1]
		case trace.EventToolCall:
			if turn == nil {
				continue
			}
			name, _ := ev.Data["tool"].(string)
			argsAny := ev.Data["arguments"]
			args, _ := argsAny.(map[string]any)
			turn.ToolCalls = append(turn.ToolCalls, ToolCallSnapshot{Name: name, Arguments: args})
		case trace.EventToolResult:
			if turn == nil || len(turn.ToolCalls) == 0 {
				continue
			}
			content, _ := ev.Data["content"].(string)
			turn.ToolCalls[len(turn.ToolCalls)-1].Result = content
		case trace.EventCellComplete:
			current = nil
			turn = nil
		case trace.EventCascadeComplete:
			if status, ok := ev.Data["status"].(string); ok {
				snap.Status = status
			}
		}
	}

	return snap, nil
}

// MarshalFile serializes snap to indented JSON, the format a snapshot is
// persisted to disk as by `lars test freeze`.
func (s *Snapshot) MarshalFile() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// LoadSnapshot parses a snapshot previously written by MarshalFile.
func LoadSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("replay: parsing snapshot: %w", err)
	}
	return &s, nil
}

// Replay re-executes cascade c against input using driver, with driver.Client
// replaced by a fake that plays back snap's recorded assistant turns and
// driver.UserTraits populated with mocks of every non-builtin tool snap
// recorded, returning their recorded result content without invoking the
// real trait. It then asserts replay fidelity (§8 "Replay fidelity"): cell
// execution order and names, tool calls and declared-equality arguments, and
// completion status must match snap.
//
// Replay mutates a shallow copy of driver (Client and UserTraits), leaving
// the caller's driver untouched.
func Replay(ctx context.Context, driver cascade.Driver, c *cascade.Cascade, input map[string]any, snap *Snapshot, policy EqualityPolicy) (*Report, error) {
	observed := &observedRun{}

	fc := &fakeClient{snapshot: snap, observed: observed}
	mocks := traits.NewRegistry()
	for _, name := range toolNames(snap) {
		name := name
		_ = mocks.Register(name, "replayed tool "+name, map[string]any{"type": "object"},
			func(ctx context.Context, args map[string]any) (traits.Result, error) {
				call, ok := fc.nextToolCall(name)
				if !ok {
					observed.mismatches = append(observed.mismatches, Mismatch{Kind: "tool_call", Detail: fmt.Sprintf("unexpected call to %q: no matching recorded call", name)})
					return traits.Result{}, nil
				}
				if !argsEqual(call.Arguments, args, policy.FieldsByTool[name]) {
					observed.mismatches = append(observed.mismatches, Mismatch{
						Kind:   "tool_args",
						Detail: fmt.Sprintf("%s: recorded args %v, replay args %v", name, call.Arguments, args),
					})
				}
				return traits.Result{Content: call.Result}, nil
			},
		)
	}

	driver.Client = fc
	driver.UserTraits = mergeRegistries(mocks, driver.UserTraits)

	env, err := driver.Run(ctx, c, input)
	if err != nil && env.Status == "" {
		return nil, err
	}

	mismatches := append([]Mismatch(nil), observed.mismatches...)
	mismatches = append(mismatches, compareCellOrder(snap, env)...)
	if snap.Status != "" && env.Status != snap.Status {
		mismatches = append(mismatches, Mismatch{Kind: "status", Detail: fmt.Sprintf("recorded status %q, replay status %q", snap.Status, env.Status)})
	}
	if len(snap.FinalState) > 0 {
		mismatches = append(mismatches, echoOutputsEqual(snap.FinalState, env.State)...)
	}

	return &Report{Passed: len(mismatches) == 0, Mismatches: mismatches, Envelope: env}, nil
}

func compareCellOrder(snap *Snapshot, env cascade.Envelope) []Mismatch {
	var out []Mismatch
	if len(env.Lineage) != len(snap.Cells) {
		out = append(out, Mismatch{Kind: "cell_order", Detail: fmt.Sprintf("recorded %d cells, replay executed %d", len(snap.Cells), len(env.Lineage))})
		return out
	}
	for i, entry := range env.Lineage {
		if entry.Cell != snap.Cells[i].Name {
			out = append(out, Mismatch{Kind: "cell_name", Detail: fmt.Sprintf("position %d: recorded %q, replay %q", i, snap.Cells[i].Name, entry.Cell)})
		}
	}
	return out
}

func toolNames(snap *Snapshot) []string {
	seen := map[string]bool{}
	var names []string
	for _, cell := range snap.Cells {
		for _, t := range cell.Turns {
			for _, tc := range t.ToolCalls {
				if tc.Name == "set_state" || tc.Name == "route_to" {
					continue
				}
				if !seen[tc.Name] {
					seen[tc.Name] = true
					names = append(names, tc.Name)
				}
			}
		}
	}
	return names
}

func argsEqual(recorded, replay map[string]any, fields []string) bool {
	if len(fields) == 0 {
		return reflect.DeepEqual(normalizeArgs(recorded), normalizeArgs(replay))
	}
	for _, f := range fields {
		if !reflect.DeepEqual(recorded[f], replay[f]) {
			return false
		}
	}
	return true
}

// normalizeArgs round-trips through JSON so numeric types recorded from a
// decoded snapshot (float64) compare equal to numeric types produced by a
// live tool call carrying the same value.
func normalizeArgs(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

func mergeRegistries(primary, fallback *traits.Registry) *traits.Registry {
	if fallback == nil {
		return primary
	}
	for _, name := range fallback.Names() {
		spec, ok := fallback.Lookup(name)
		if !ok {
			continue
		}
		if _, exists := primary.Lookup(name); exists {
			continue
		}
		_ = primary.Register(spec.Name, spec.Description, spec.RawSchema, spec.Fn)
	}
	return primary
}

// observedRun accumulates mismatches surfaced by mocked trait calls, which
// happen inside Driver.Run and so can't return directly through Replay's
// call stack.
type observedRun struct {
	mismatches []Mismatch
}

// fakeClient is the agent.Client substituted during Replay: it plays back
// each cell's recorded turns in order and never calls a live LLM transport.
type fakeClient struct {
	snapshot *Snapshot
	observed *observedRun

	cellIdx int
	turnIdx int
	callIdx int
}

func (f *fakeClient) Chat(_ context.Context, _ string, _ []agent.Message, _ []agent.ToolDef, _ agent.Params) (agent.Response, error) {
	for f.cellIdx < len(f.snapshot.Cells) {
		cell := f.snapshot.Cells[f.cellIdx]
		if f.turnIdx >= len(cell.Turns) {
			f.cellIdx++
			f.turnIdx = 0
			continue
		}
		t := cell.Turns[f.turnIdx]
		f.turnIdx++
		f.callIdx = 0

		resp := agent.Response{Content: t.AssistantContent, StopLoop: len(t.ToolCalls) == 0}
		for i, tc := range t.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:        fmt.Sprintf("replay-%d-%d-%d", f.cellIdx, f.turnIdx, i),
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return resp, nil
	}
	return agent.Response{StopLoop: true}, nil
}

// nextToolCall returns the next recorded call to name in playback order,
// scanning forward from the client's current cell/turn position.
func (f *fakeClient) nextToolCall(name string) (ToolCallSnapshot, bool) {
	for ci := f.cellIdx; ci < len(f.snapshot.Cells); ci++ {
		cell := f.snapshot.Cells[ci]
		startTurn := 0
		if ci == f.cellIdx {
			startTurn = f.turnIdx - 1
			if startTurn < 0 {
				startTurn = 0
			}
		}
		for ti := startTurn; ti < len(cell.Turns); ti++ {
			for _, tc := range cell.Turns[ti].ToolCalls {
				if tc.Name == name {
					return tc, true
				}
			}
		}
	}
	return ToolCallSnapshot{}, false
}

// echoOutputsEqual compares a snapshot's declared final state against a
// replay's live state, for Replay's state-equality check below.
func echoOutputsEqual(declared map[string]any, state map[string]any) []Mismatch {
	var out []Mismatch
	for k, v := range declared {
		if got, ok := state[k]; !ok || !reflect.DeepEqual(got, v) {
			out = append(out, Mismatch{Kind: "state", Detail: fmt.Sprintf("key %q: declared %v, got %v", k, v, got)})
		}
	}
	return out
}

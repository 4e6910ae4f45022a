// Package trace implements the hierarchical trace tree and event bus that
// every cascade run publishes to. A TraceNode is opened at cascade/cell/
// turn/tool_call/candidate/reforge_step/ward/sub_cascade boundaries and
// closed exactly once; the tree is acyclic and addressed strictly by
// parent_id, with no back-pointers, so a trace can be serialized and
// replayed independently of the process that produced it.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the TraceNode kinds named in the specification.
type Kind string

const (
	KindCascade     Kind = "cascade"
	KindCell        Kind = "cell"
	KindTurn        Kind = "turn"
	KindToolCall    Kind = "tool_call"
	KindCandidate   Kind = "candidate"
	KindReforgeStep Kind = "reforge_step"
	KindWard        Kind = "ward"
	KindSubCascade  Kind = "sub_cascade"
)

// EventType enumerates the event names a cascade run publishes.
type EventType string

const (
	EventCascadeStart        EventType = "cascade_start"
	EventCascadeComplete     EventType = "cascade_complete"
	EventCascadeError        EventType = "cascade_error"
	EventCellStart           EventType = "cell_start"
	EventCellComplete        EventType = "cell_complete"
	EventTurnStart           EventType = "turn_start"
	EventToolCall            EventType = "tool_call"
	EventToolResult          EventType = "tool_result"
	EventCandidateStart      EventType = "candidate_start"
	EventCandidateComplete   EventType = "candidate_complete"
	EventCandidateSelected   EventType = "candidate_selected"
	EventReforgeStepStart    EventType = "reforge_step_start"
	EventReforgeStepComplete EventType = "reforge_step_complete"
	EventWardPass            EventType = "ward_pass"
	EventWardFail            EventType = "ward_fail"
	EventHandoff             EventType = "handoff"
	EventSignalWait          EventType = "signal_wait"
	EventSignalFire          EventType = "signal_fire"
	EventSignalTimeout       EventType = "signal_timeout"
	EventCheckpointWaiting   EventType = "checkpoint_waiting"
	EventCheckpointResponded EventType = "checkpoint_responded"
	EventTrainingInjected    EventType = "training_injected"
	EventImageTruncated      EventType = "image_truncated"
)

type (
	// Node is one entry in the trace tree. It is opened with Start and
	// closed exactly once with End; reading Attrs/Status before End
	// observes an in-progress node.
	Node struct {
		ID        string
		ParentID  string
		SessionID string
		Kind      Kind
		Name      string
		StartedAt time.Time
		EndedAt   time.Time
		Ended     bool
		Status    string // "ok", "error", "blocked"
		Attrs     map[string]any
	}

	// Event is one entry published to an EventBus. Seq is per-session
	// monotonically increasing, giving subscribers a consistent total
	// order even when publishers race.
	Event struct {
		Type      EventType
		SessionID string
		TraceID   string
		NodeID    string
		ParentID  string
		Seq       uint64
		At        time.Time
		Data      map[string]any
	}

	// Subscriber receives events published to a Bus. Implementations must
	// not block the publisher for long; slow subscribers should buffer
	// internally.
	Subscriber interface {
		OnEvent(ctx context.Context, ev Event)
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, ev Event)

	// Subscription is returned by Bus.Subscribe and can be used to stop
	// receiving events.
	Subscription struct {
		bus *Bus
		id  uint64
	}

	// Tree accumulates Nodes for one cascade run (and its sub-cascades,
	// which share the same Tree via a deeper parent_id chain rather than a
	// separate tree instance).
	Tree struct {
		mu    sync.RWMutex
		nodes map[string]*Node
		order []string
	}

	// Bus fans out Events to Subscribers, stamping each with a per-session
	// Seq that gives its publish order; concurrent publishers may deliver
	// out of Seq order, so subscribers order by Seq.
	Bus struct {
		mu   sync.Mutex
		subs map[uint64]Subscriber
		next uint64
		seqs map[string]uint64
	}
)

func (f SubscriberFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// NewTree constructs an empty trace tree.
func NewTree() *Tree {
	return &Tree{nodes: map[string]*Node{}}
}

// Start opens a new Node under parentID and returns it. parentID is empty
// only for the root cascade node.
func (t *Tree) Start(sessionID, parentID string, kind Kind, name string) *Node {
	n := &Node{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		SessionID: sessionID,
		Kind:      kind,
		Name:      name,
		StartedAt: time.Now(),
		Attrs:     map[string]any{},
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	return n
}

// End closes a Node exactly once. Calling End twice on the same Node is a
// programmer error and is ignored on the second call rather than
// corrupting the recorded duration.
func (t *Tree) End(n *Node, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.Ended {
		return
	}
	n.Ended = true
	n.EndedAt = time.Now()
	n.Status = status
}

// Node looks up a node by ID.
func (t *Tree) Node(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the direct children of parentID in start order.
func (t *Tree) Children(parentID string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	for _, id := range t.order {
		n := t.nodes[id]
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	return out
}

// All returns every node in start order, for serialization/replay.
func (t *Tree) All() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: map[uint64]Subscriber{}, seqs: map[string]uint64{}}
}

// Subscribe registers a Subscriber and returns a Subscription that can
// later unsubscribe it.
func (b *Bus) Subscribe(s Subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = s
	return &Subscription{bus: b, id: id}
}

// Unsubscribe stops delivery to this subscription's Subscriber.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// Publish delivers ev to every current subscriber, synchronously, after
// stamping it with the next per-session sequence number. Publish is safe
// for concurrent use by multiple cells/branches publishing simultaneously;
// the per-session Seq field, not call order, gives subscribers a
// consistent total order to sort by.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	b.seqs[ev.SessionID]++
	ev.Seq = b.seqs[ev.SessionID]
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.OnEvent(ctx, ev)
	}
}

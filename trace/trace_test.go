package trace_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/trace"
)

func TestTreeParentChildAcyclic(t *testing.T) {
	tr := trace.NewTree()
	root := tr.Start("sess-1", "", trace.KindCascade, "main")
	child := tr.Start("sess-1", root.ID, trace.KindCell, "draft")
	tr.End(child, "ok")
	tr.End(root, "ok")

	kids := tr.Children(root.ID)
	require.Len(t, kids, 1)
	assert.Equal(t, child.ID, kids[0].ID)
	assert.True(t, kids[0].Ended)
	assert.Empty(t, tr.Children(child.ID))
}

func TestEndIsIdempotent(t *testing.T) {
	tr := trace.NewTree()
	n := tr.Start("sess-1", "", trace.KindCell, "draft")
	tr.End(n, "ok")
	firstEnd := n.EndedAt
	tr.End(n, "error")
	assert.Equal(t, firstEnd, n.EndedAt)
	assert.Equal(t, "ok", n.Status)
}

func TestBusAssignsUniquePerSessionSeq(t *testing.T) {
	bus := trace.NewBus()
	var mu sync.Mutex
	var seqs []uint64

	sub := trace.SubscriberFunc(func(_ context.Context, ev trace.Event) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, ev.Seq)
	})
	bus.Subscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), trace.Event{Type: trace.EventCellStart, SessionID: "sess-1"})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 20)
	seen := map[uint64]bool{}
	for _, s := range seqs {
		assert.False(t, seen[s], "sequence numbers must be unique per session")
		seen[s] = true
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := trace.NewBus()
	count := 0
	sub := trace.SubscriberFunc(func(_ context.Context, _ trace.Event) { count++ })
	s := bus.Subscribe(sub)
	bus.Publish(context.Background(), trace.Event{Type: trace.EventCellStart, SessionID: "sess-1"})
	s.Unsubscribe()
	bus.Publish(context.Background(), trace.Event{Type: trace.EventCellStart, SessionID: "sess-1"})
	assert.Equal(t, 1, count)
}

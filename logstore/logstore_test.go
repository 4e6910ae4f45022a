package logstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/logstore"
	"lars/trace"
)

func TestMemStoreQueryReturnsInSeqOrder(t *testing.T) {
	s := logstore.NewMemStore()
	require.NoError(t, s.Append(context.Background(), logstore.Record{SessionID: "a", Seq: 2, Event: trace.Event{Type: trace.EventCellComplete}}))
	require.NoError(t, s.Append(context.Background(), logstore.Record{SessionID: "a", Seq: 1, Event: trace.Event{Type: trace.EventCellStart}}))

	recs, err := s.Query(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, trace.EventCellStart, recs[0].Event.Type)
	assert.Equal(t, trace.EventCellComplete, recs[1].Event.Type)
}

func TestSubscriberAppendsBusEvents(t *testing.T) {
	s := logstore.NewMemStore()
	bus := trace.NewBus()
	bus.Subscribe(logstore.Subscriber{Store: s})

	bus.Publish(context.Background(), trace.Event{Type: trace.EventCascadeStart, SessionID: "sess"})

	recs, err := s.Query(context.Background(), "sess")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, trace.EventCascadeStart, recs[0].Event.Type)
}

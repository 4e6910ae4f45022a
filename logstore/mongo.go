package logstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"lars/trace"
)

// mongoDoc is the BSON shape persisted per event. Stored flat (rather than
// nesting trace.Event) so a compound index on (session_id, seq) can serve
// Query without a collection scan.
type mongoDoc struct {
	SessionID string         `bson:"session_id"`
	TraceID   string         `bson:"trace_id"`
	Seq       uint64         `bson:"seq"`
	Type      string         `bson:"type"`
	NodeID    string         `bson:"node_id"`
	ParentID  string         `bson:"parent_id"`
	Data      map[string]any `bson:"data,omitempty"`
}

// MongoStore is a Store backed by go.mongodb.org/mongo-driver/v2, for
// durable cross-process event persistence and snapshot replay (§4.8).
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps an existing collection. Callers are expected to have
// created a compound index on {session_id: 1, seq: 1} out of band.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (m *MongoStore) Append(ctx context.Context, rec Record) error {
	doc := mongoDoc{
		SessionID: rec.SessionID,
		TraceID:   rec.TraceID,
		Seq:       rec.Seq,
		Type:      string(rec.Event.Type),
		NodeID:    rec.Event.NodeID,
		ParentID:  rec.Event.ParentID,
		Data:      rec.Event.Data,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("logstore: mongo insert: %w", err)
	}
	return nil
}

func (m *MongoStore) Query(ctx context.Context, sessionID string) ([]Record, error) {
	cur, err := m.coll.Find(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("logstore: mongo find: %w", err)
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("logstore: mongo decode: %w", err)
		}
		out = append(out, Record{
			SessionID: doc.SessionID,
			TraceID:   doc.TraceID,
			Seq:       doc.Seq,
			Event: traceEventOf(doc),
		})
	}
	return out, cur.Err()
}

func traceEventOf(doc mongoDoc) trace.Event {
	return trace.Event{
		Type:      trace.EventType(doc.Type),
		SessionID: doc.SessionID,
		TraceID:   doc.TraceID,
		NodeID:    doc.NodeID,
		ParentID:  doc.ParentID,
		Seq:       doc.Seq,
		Data:      doc.Data,
	}
}

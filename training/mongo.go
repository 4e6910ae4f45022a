package training

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoStore is a training Store backed by the same
// go.mongodb.org/mongo-driver/v2 client as logstore.MongoStore, since both
// persist append-only session artifacts through the same driver.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps an existing collection of training annotation
// documents.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (m *MongoStore) Records(ctx context.Context, cascadeID, cellName string) ([]Record, error) {
	cur, err := m.coll.Find(ctx, bson.D{
		{Key: "cascade_id", Value: cascadeID},
		{Key: "cell_name", Value: cellName},
	})
	if err != nil {
		return nil, fmt.Errorf("training: mongo find: %w", err)
	}
	defer cur.Close(ctx)

	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("training: mongo decode: %w", err)
	}
	return out, nil
}

// MemStore is an in-memory training Store for tests.
type MemStore struct {
	records []Record
}

// NewMemStore constructs a MemStore seeded with records.
func NewMemStore(records ...Record) *MemStore {
	return &MemStore{records: records}
}

func (m *MemStore) Records(_ context.Context, cascadeID, cellName string) ([]Record, error) {
	var out []Record
	for _, r := range m.records {
		if r.CascadeID == cascadeID && r.CellName == cellName {
			out = append(out, r)
		}
	}
	return out, nil
}

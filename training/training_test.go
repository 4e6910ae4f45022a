package training_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/runner"
	"lars/training"
)

func TestQueryFiltersTrainableAndConfidence(t *testing.T) {
	store := training.NewMemStore(
		training.Record{CascadeID: "c1", CellName: "draft", Content: "a", Trainable: true, Confidence: 0.9, CreatedAt: time.Now()},
		training.Record{CascadeID: "c1", CellName: "draft", Content: "b", Trainable: false, Confidence: 0.9, CreatedAt: time.Now()},
		training.Record{CascadeID: "c1", CellName: "draft", Content: "c", Trainable: true, Confidence: 0.1, CreatedAt: time.Now()},
	)
	eng := training.QueryEngine{Store: store}

	got, err := eng.Query(context.Background(), runner.TrainingQuery{
		CascadeID: "c1", CellName: "draft", Trainable: true, MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
}

func TestQueryStrategyHighConfidenceOrders(t *testing.T) {
	store := training.NewMemStore(
		training.Record{CascadeID: "c1", CellName: "draft", Content: "low", Confidence: 0.2},
		training.Record{CascadeID: "c1", CellName: "draft", Content: "high", Confidence: 0.9},
	)
	eng := training.QueryEngine{Store: store}

	got, err := eng.Query(context.Background(), runner.TrainingQuery{
		CascadeID: "c1", CellName: "draft", Strategy: "high_confidence", Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Content)
}

func TestQueryRespectsLimit(t *testing.T) {
	store := training.NewMemStore(
		training.Record{CascadeID: "c1", CellName: "draft", Content: "1", CreatedAt: time.Now()},
		training.Record{CascadeID: "c1", CellName: "draft", Content: "2", CreatedAt: time.Now()},
		training.Record{CascadeID: "c1", CellName: "draft", Content: "3", CreatedAt: time.Now()},
	)
	eng := training.QueryEngine{Store: store}

	got, err := eng.Query(context.Background(), runner.TrainingQuery{CascadeID: "c1", CellName: "draft", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

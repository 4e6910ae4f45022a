// Package training implements the use_training annotation store from
// spec.md §4.1 step 3: querying prior annotations for a cascade/cell by
// trainable/confidence filters and one of several selection strategies, for
// injection into a cell's context before its body runs.
package training

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"lars/runner"
)

// Record is one stored training annotation.
type Record struct {
	CascadeID  string    `bson:"cascade_id"`
	CellName   string    `bson:"cell_name"`
	Content    string    `bson:"content"`
	Trainable  bool      `bson:"trainable"`
	Confidence float64   `bson:"confidence"`
	CreatedAt  time.Time `bson:"created_at"`
	Embedding  []float64 `bson:"embedding,omitempty"` // used only by the "semantic" strategy
}

// Store resolves runner.TrainingQuery against stored Records.
type Store interface {
	Records(ctx context.Context, cascadeID, cellName string) ([]Record, error)
}

// QueryEngine adapts a Store to runner.TrainingStore by applying the
// trainable/min_confidence filters and the requested selection strategy.
type QueryEngine struct {
	Store Store
	// QueryEmbedding resolves the current context's embedding for the
	// "semantic" strategy. Optional; semantic queries fall back to
	// "recent" when nil.
	QueryEmbedding func(ctx context.Context, cascadeID, cellName string) ([]float64, error)
}

// Query implements runner.TrainingStore.
func (q QueryEngine) Query(ctx context.Context, query runner.TrainingQuery) ([]runner.Annotation, error) {
	records, err := q.Store.Records(ctx, query.CascadeID, query.CellName)
	if err != nil {
		return nil, err
	}

	filtered := make([]Record, 0, len(records))
	for _, r := range records {
		if query.Trainable && !r.Trainable {
			continue
		}
		if r.Confidence < query.MinConfidence {
			continue
		}
		filtered = append(filtered, r)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 5
	}

	selected := q.selectStrategy(ctx, query, filtered, limit)

	out := make([]runner.Annotation, 0, len(selected))
	for _, r := range selected {
		out = append(out, runner.Annotation{Content: r.Content, Confidence: r.Confidence})
	}
	return out, nil
}

func (q QueryEngine) selectStrategy(ctx context.Context, query runner.TrainingQuery, records []Record, limit int) []Record {
	switch query.Strategy {
	case "high_confidence":
		sort.Slice(records, func(i, j int) bool { return records[i].Confidence > records[j].Confidence })
	case "random":
		rand.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	case "semantic":
		if q.QueryEmbedding != nil {
			if emb, err := q.QueryEmbedding(ctx, query.CascadeID, query.CellName); err == nil {
				sort.Slice(records, func(i, j int) bool {
					return cosine(records[i].Embedding, emb) > cosine(records[j].Embedding, emb)
				})
				break
			}
		}
		fallthrough
	default: // "recent"
		sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	}

	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package candidates_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/candidates"
)

func TestMemMemoryRecordsAndReturnsTopKMostRecentFirst(t *testing.T) {
	m := candidates.NewMemMemory()
	ctx := context.Background()
	hash := "species-a"

	require.NoError(t, m.RecordWinner(ctx, hash, candidates.WinnerRecord{Prompt: "p1", Score: 0.5}))
	require.NoError(t, m.RecordWinner(ctx, hash, candidates.WinnerRecord{Prompt: "p2", Score: 0.9}))
	require.NoError(t, m.RecordWinner(ctx, hash, candidates.WinnerRecord{Prompt: "p3", Score: 0.7}))

	top, err := m.TopK(ctx, hash, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "p3", top[0].Prompt)
	assert.Equal(t, "p2", top[1].Prompt)
}

func TestMemMemoryScopesRecordsBySpeciesHash(t *testing.T) {
	m := candidates.NewMemMemory()
	ctx := context.Background()

	require.NoError(t, m.RecordWinner(ctx, "a", candidates.WinnerRecord{Prompt: "from-a"}))
	require.NoError(t, m.RecordWinner(ctx, "b", candidates.WinnerRecord{Prompt: "from-b"}))

	top, err := m.TopK(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "from-a", top[0].Prompt)
}

func TestMemMemoryTopKClampsToAvailableRecords(t *testing.T) {
	m := candidates.NewMemMemory()
	ctx := context.Background()
	require.NoError(t, m.RecordWinner(ctx, "a", candidates.WinnerRecord{Prompt: "only"}))

	top, err := m.TopK(ctx, "a", 50)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestMemMemoryTopKOnUnknownHashIsEmpty(t *testing.T) {
	m := candidates.NewMemMemory()
	top, err := m.TopK(context.Background(), "ghost", 5)
	require.NoError(t, err)
	assert.Empty(t, top)
}

package candidates_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/candidates"
	"lars/echo"
)

func TestRunForksIsolatedBranches(t *testing.T) {
	parent := echo.New(map[string]any{"topic": "x"})

	spec := candidates.Spec{
		N:         3,
		Models:    candidates.ModelAssignment{Shared: "claude-x"},
		Mutation:  candidates.MutationRewriteFree,
		Selection: candidates.SelectionEvaluate,
		Evaluate: func(_ context.Context, results []candidates.BranchResult) (int, error) {
			return 1, nil
		},
	}

	out, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, be *echo.Echo, model, _ string) (any, error) {
		be.SetState(be.CurrentCell, "model_used", model)
		return "out-" + model, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.WinnerIndex)
	assert.Equal(t, "out-claude-x", out.Output)
	assert.Equal(t, "claude-x", parent.State()["model_used"])
}

func TestSelectionAllReturnsEveryBranch(t *testing.T) {
	parent := echo.New(nil)
	spec := candidates.Spec{
		N:         4,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionAll,
	}
	out, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, be *echo.Echo, _, _ string) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, -1, out.WinnerIndex)
	assert.Len(t, out.Results, 4)
}

func TestSelectionEvaluateFallsBackToZeroOnBadIndex(t *testing.T) {
	parent := echo.New(nil)
	spec := candidates.Spec{
		N:         2,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionEvaluate,
		Evaluate: func(_ context.Context, _ []candidates.BranchResult) (int, error) {
			return 99, fmt.Errorf("unparseable evaluator output")
		},
	}
	out, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, _ string) (any, error) {
		return "x", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.WinnerIndex)
}

func TestModelAssignmentListCyclesPairwise(t *testing.T) {
	ma := candidates.ModelAssignment{List: []string{"a", "b"}}
	assert.Equal(t, "a", ma.Model(0, ""))
	assert.Equal(t, "b", ma.Model(1, ""))
	assert.Equal(t, "a", ma.Model(2, ""))
}

func TestSelectionAggregateMerges(t *testing.T) {
	parent := echo.New(nil)
	spec := candidates.Spec{
		N:         3,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionAggregate,
		Aggregate: func(_ context.Context, results []candidates.BranchResult) (any, error) {
			return len(results), nil
		},
	}
	out, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, _ string) (any, error) {
		return "x", nil
	})
	require.NoError(t, err)
	assert.True(t, out.Aggregated)
	assert.Equal(t, 3, out.Output)
}

func TestMutationAugmentDrawsFromBuiltinPoolEvenWithoutMemory(t *testing.T) {
	parent := echo.New(nil)
	spec := candidates.Spec{
		N:         3,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Mutation:  candidates.MutationAugment,
		Selection: candidates.SelectionAll,
	}
	var mu sync.Mutex
	var prompts []string
	_, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, mutPrompt string) (any, error) {
		mu.Lock()
		prompts = append(prompts, mutPrompt)
		mu.Unlock()
		return mutPrompt, nil
	})
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	seen := map[string]bool{}
	for _, p := range prompts {
		require.NotEmpty(t, p, "augment must always prepend a directive from the built-in pool, even with no winner memory")
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1, "branches should cycle through distinct pool directives")
}

func TestMutationApproachCyclesBuiltinPoolWhenNoExplicitFactor(t *testing.T) {
	parent := echo.New(nil)
	spec := candidates.Spec{
		N:         3,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Mutation:  candidates.MutationApproach,
		Selection: candidates.SelectionAll,
	}
	var mu sync.Mutex
	var prompts []string
	_, err := candidates.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, mutPrompt string) (any, error) {
		mu.Lock()
		prompts = append(prompts, mutPrompt)
		mu.Unlock()
		return mutPrompt, nil
	})
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	seen := map[string]bool{}
	for _, p := range prompts {
		require.Contains(t, p, "Approach this using:")
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1, "branches without an explicit models.map factor should still cycle through distinct pool strategies")
}

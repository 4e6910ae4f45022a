package reforge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/candidates"
	"lars/echo"
	"lars/reforge"
)

func TestRunStopsEarlyOnThreshold(t *testing.T) {
	parent := echo.New(nil)
	calls := 0

	spec := reforge.Spec{
		MaxDepth:  5,
		Threshold: 0.9,
		StepWidth: 1,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionEvaluate,
		Evaluate: func(_ context.Context, _ []candidates.BranchResult) (int, error) {
			return 0, nil
		},
		Score: func(_ context.Context, output any) (float64, error) {
			return output.(float64), nil
		},
	}

	out, err := reforge.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, _ string, previous any) (any, error) {
		calls++
		return float64(calls) * 0.5, nil
	})
	require.NoError(t, err)
	assert.True(t, out.BrokeEarly)
	assert.Equal(t, 2, calls)
	assert.Len(t, out.Steps, 2)
}

func TestRunExhaustsMaxDepthWithoutThreshold(t *testing.T) {
	parent := echo.New(nil)
	spec := reforge.Spec{
		MaxDepth:  3,
		StepWidth: 1,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionEvaluate,
		Evaluate: func(_ context.Context, _ []candidates.BranchResult) (int, error) {
			return 0, nil
		},
	}
	out, err := reforge.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, _ string, _ any) (any, error) {
		return "x", nil
	})
	require.NoError(t, err)
	assert.False(t, out.BrokeEarly)
	assert.Len(t, out.Steps, 3)
}

func TestStepReceivesPreviousDepthOutput(t *testing.T) {
	parent := echo.New(nil)
	var seen []any
	spec := reforge.Spec{
		MaxDepth:  3,
		StepWidth: 1,
		Models:    candidates.ModelAssignment{Shared: "m"},
		Selection: candidates.SelectionEvaluate,
		Evaluate: func(_ context.Context, _ []candidates.BranchResult) (int, error) {
			return 0, nil
		},
	}
	out, err := reforge.Run(context.Background(), spec, parent, func(_ context.Context, _ *echo.Echo, _, _ string, previous any) (any, error) {
		seen = append(seen, previous)
		return "step", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{nil, "step", "step"}, seen)
	assert.Equal(t, "step", out.FinalOutput)
}

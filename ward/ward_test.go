package ward_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/agent"
	"lars/traits"
	"lars/ward"
)

func TestEvaluateShortCircuitsOnBlockingFailure(t *testing.T) {
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("always_invalid", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": false, "reason": "nope"}}, nil
	}))
	require.NoError(t, reg.Register("never_called", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		t.Fatal("should not be called after blocking failure")
		return traits.Result{}, nil
	}))

	specs := []ward.Spec{
		{Name: "w1", Mode: ward.ModeBlocking, Trait: "always_invalid"},
		{Name: "w2", Mode: ward.ModeBlocking, Trait: "never_called"},
	}

	outcomes, fail := ward.Evaluate(context.Background(), specs, nil, reg, nil, ward.PhasePost, nil)
	require.Len(t, outcomes, 1)
	require.NotNil(t, fail)
	assert.Equal(t, "w1", fail.Spec.Name)
	assert.Equal(t, "nope", fail.Verdict.Reason)
}

func TestAdvisoryFailureDoesNotShortCircuit(t *testing.T) {
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("advisory_check", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": false, "reason": "minor"}}, nil
	}))
	require.NoError(t, reg.Register("final_check", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": true}}, nil
	}))

	specs := []ward.Spec{
		{Name: "advisory", Mode: ward.ModeAdvisory, Trait: "advisory_check"},
		{Name: "final", Mode: ward.ModeBlocking, Trait: "final_check"},
	}

	outcomes, fail := ward.Evaluate(context.Background(), specs, nil, reg, nil, ward.PhasePost, nil)
	require.Len(t, outcomes, 2)
	assert.Nil(t, fail)
}

func TestRetryFailureAtPreIsDemotedToAdvisory(t *testing.T) {
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("retry_check", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": false, "reason": "not ready"}}, nil
	}))
	require.NoError(t, reg.Register("final_check", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": true}}, nil
	}))

	specs := []ward.Spec{
		{Name: "retry", Mode: ward.ModeRetry, Trait: "retry_check"},
		{Name: "final", Mode: ward.ModeBlocking, Trait: "final_check"},
	}

	outcomes, fail := ward.Evaluate(context.Background(), specs, nil, reg, nil, ward.PhasePre, nil)
	require.Len(t, outcomes, 2, "a pre-phase retry failure must not short-circuit")
	assert.Nil(t, fail)
	assert.False(t, outcomes[0].Verdict.Valid)
}

func TestRetryFailureAtPostShortCircuits(t *testing.T) {
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("retry_check", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": false, "reason": "bad output"}}, nil
	}))
	require.NoError(t, reg.Register("never_called", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		t.Fatal("should not be called after a post-phase retry failure")
		return traits.Result{}, nil
	}))

	specs := []ward.Spec{
		{Name: "retry", Mode: ward.ModeRetry, Trait: "retry_check"},
		{Name: "later", Mode: ward.ModeBlocking, Trait: "never_called"},
	}

	outcomes, fail := ward.Evaluate(context.Background(), specs, nil, reg, nil, ward.PhasePost, nil)
	require.Len(t, outcomes, 1)
	require.NotNil(t, fail)
	assert.Equal(t, "retry", fail.Spec.Name)
}

func TestInlinePromptParsesJSONVerdict(t *testing.T) {
	fake := &agent.Fake{Responses: []agent.Response{{Content: "```json\n{\"valid\": true, \"reason\": \"ok\"}\n```"}}}
	specs := []ward.Spec{{Name: "inline", Mode: ward.ModeBlocking, InlinePrompt: "Is this safe?", Model: "claude-x"}}

	outcomes, fail := ward.Evaluate(context.Background(), specs, map[string]any{"x": 1}, traits.NewRegistry(), fake, ward.PhasePost, nil)
	require.Len(t, outcomes, 1)
	assert.Nil(t, fail)
	assert.True(t, outcomes[0].Verdict.Valid)
}

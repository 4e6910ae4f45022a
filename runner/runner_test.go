package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/agent"
	"lars/echo"
	"lars/runner"
	"lars/trace"
	"lars/traits"
	"lars/ward"
)

func newRunner(fake *agent.Fake, reg *traits.Registry) *runner.Runner {
	return &runner.Runner{
		Traits: reg,
		Client: fake,
		Tree:   trace.NewTree(),
		Bus:    trace.NewBus(),
	}
}

func TestRunLLMCellCompletesOnStopLoop(t *testing.T) {
	e := echo.New(map[string]any{})
	reg := traits.NewRegistry()
	fake := &agent.Fake{Responses: []agent.Response{{Content: "final answer", StopLoop: true}}}

	out, err := newRunner(fake, reg).Run(context.Background(), e, runner.Spec{
		Name: "draft", Kind: runner.KindLLM, Model: "claude-x", UserPrompt: "write something",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "final answer", out.Output)

	v, ok := e.Output("draft")
	require.True(t, ok)
	assert.Equal(t, "final answer", v)
}

func TestRunDeterministicCellCallsTrait(t *testing.T) {
	e := echo.New(nil)
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("summarize", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Content: "summary"}, nil
	}))

	out, err := newRunner(nil, reg).Run(context.Background(), e, runner.Spec{
		Name: "sum", Kind: runner.KindDeterministic, Trait: "summarize",
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", out.Output)
}

func TestRunAbortsOnBlockingPreWard(t *testing.T) {
	e := echo.New(nil)
	reg := traits.NewRegistry()
	require.NoError(t, reg.Register("reject_all", "", nil, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{Extra: map[string]any{"valid": false, "reason": "blocked"}}, nil
	}))

	_, err := newRunner(nil, reg).Run(context.Background(), e, runner.Spec{
		Name: "gated", Kind: runner.KindDeterministic, Trait: "reject_all",
		PreWards: []ward.Spec{{Name: "gate", Mode: ward.ModeBlocking, Trait: "reject_all"}},
	})
	assert.Error(t, err)
}

func TestRunTurnLoopDispatchesToolsAndRoutes(t *testing.T) {
	e := echo.New(nil)
	reg := traits.NewRegistry()
	require.NoError(t, traits.RegisterBuiltins(reg, e, nil, nil))

	fake := &agent.Fake{Responses: []agent.Response{
		{ToolCalls: []agent.ToolCall{{ID: "1", Name: "route_to", Arguments: map[string]any{"cell": "reviewer"}}}},
	}}

	out, err := newRunner(fake, reg).Run(context.Background(), e, runner.Spec{
		Name: "planner", Kind: runner.KindLLM, Model: "claude-x",
		Tools: []string{"route_to"}, Handoffs: []string{"reviewer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "routed", out.Status)
	require.NotNil(t, out.Directive)
	assert.Equal(t, "reviewer", out.Directive.ToCell)
}

func TestRunTurnLoopRetriesAfterInvalidRouteTarget(t *testing.T) {
	e := echo.New(nil)
	reg := traits.NewRegistry()
	require.NoError(t, traits.RegisterBuiltins(reg, e, nil, nil))

	fake := &agent.Fake{Responses: []agent.Response{
		{ToolCalls: []agent.ToolCall{{ID: "1", Name: "route_to", Arguments: map[string]any{"cell": "nonexistent"}}}},
		{Content: "recovered", StopLoop: true},
	}}

	out, err := newRunner(fake, reg).Run(context.Background(), e, runner.Spec{
		Name: "planner", Kind: runner.KindLLM, Model: "claude-x",
		Tools: []string{"route_to"}, Handoffs: []string{"reviewer"},
	})
	require.NoError(t, err, "an invalid route_to target must not fail the cell outright")
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "recovered", out.Output)

	var sawError bool
	for _, m := range e.History() {
		if m.Role == "tool" && m.Name == "route_to" {
			sawError = true
			assert.Contains(t, m.Content, "not a declared handoff")
		}
	}
	assert.True(t, sawError, "the invalid target should have produced an error tool-result in history")
}

func TestRunExhaustsMaxTurns(t *testing.T) {
	e := echo.New(nil)
	reg := traits.NewRegistry()
	fake := &agent.Fake{Responses: []agent.Response{
		{Content: ""}, {Content: ""},
	}}

	_, err := newRunner(fake, reg).Run(context.Background(), e, runner.Spec{
		Name: "stuck", Kind: runner.KindLLM, Model: "claude-x", MaxTurns: 2,
	})
	assert.Error(t, err)
}

package traits_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/echo"
	"lars/traits"
)

func TestRegisterAndCall(t *testing.T) {
	r := traits.NewRegistry()
	err := r.Register("echo_arg", "echoes back arg",
		map[string]any{
			"type":     "object",
			"required": []any{"msg"},
			"properties": map[string]any{
				"msg": map[string]any{"type": "string"},
			},
		},
		func(_ context.Context, args map[string]any) (traits.Result, error) {
			return traits.Result{Content: args["msg"].(string)}, nil
		},
	)
	require.NoError(t, err)

	res, err := r.Call(context.Background(), "echo_arg", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
}

func TestCallRejectsInvalidArgs(t *testing.T) {
	r := traits.NewRegistry()
	require.NoError(t, r.Register("needs_msg", "", map[string]any{
		"type":     "object",
		"required": []any{"msg"},
		"properties": map[string]any{
			"msg": map[string]any{"type": "string"},
		},
	}, func(context.Context, map[string]any) (traits.Result, error) {
		return traits.Result{}, nil
	}))

	_, err := r.Call(context.Background(), "needs_msg", map[string]any{})
	assert.Error(t, err)
}

func TestDuplicateRegisterFails(t *testing.T) {
	r := traits.NewRegistry()
	fn := func(context.Context, map[string]any) (traits.Result, error) { return traits.Result{}, nil }
	require.NoError(t, r.Register("dup", "", nil, fn))
	assert.Error(t, r.Register("dup", "", nil, fn))
}

func TestBuiltinSetStateAndRouteTo(t *testing.T) {
	e := echo.New(nil)
	e.CurrentCell = "planner"
	r := traits.NewRegistry()
	require.NoError(t, traits.RegisterBuiltins(r, e, nil, nil))

	_, err := r.Call(context.Background(), "set_state", map[string]any{"key": "status", "value": "ready"})
	require.NoError(t, err)
	assert.Equal(t, "ready", e.State()["status"])

	res, err := r.Call(context.Background(), "route_to", map[string]any{"cell": "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", res.Route)
}

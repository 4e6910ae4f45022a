package cascade_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/candidates"
	"lars/cascade"
	"lars/engine/inmem"
	"lars/signal"
	"lars/template"
	"lars/trace"
	"lars/traits"
)

func newTestDriver(t *testing.T) *cascade.Driver {
	t.Helper()
	d := &cascade.Driver{
		Config:      cascade.FromEnv(),
		Tree:        trace.NewTree(),
		Bus:         trace.NewBus(),
		Templates:   template.NewRenderer(),
		Registry:    cascade.NewRegistry(),
		Memory:      candidates.NewMemMemory(),
		SignalStore: signal.NewMemStore(),
		UserTraits:  traits.NewRegistry(),
	}
	require.NoError(t, d.UserTraits.Register("double", "doubles a number", map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "number"}},
		"required":   []any{"n"},
	}, func(_ context.Context, args map[string]any) (traits.Result, error) {
		_ = args["n"]
		return traits.Result{Content: "ok"}, nil
	}))
	require.NoError(t, d.UserTraits.Register("route_b", "routes to cell b", nil, func(_ context.Context, _ map[string]any) (traits.Result, error) {
		return traits.Result{Content: "moving on", Route: "b"}, nil
	}))
	require.NoError(t, d.UserTraits.Register("classify", "classifies into a discriminator", nil, func(_ context.Context, _ map[string]any) (traits.Result, error) {
		return traits.Result{Content: "looks positive", Route: "pos"}, nil
	}))
	return d
}

func TestDriverRunSingleDeterministicCell(t *testing.T) {
	d := newTestDriver(t)
	c, err := cascade.Load([]byte(`
cascade_id: single
cells:
  - name: a
    tool: double
    inputs:
      n: 2
`))
	require.NoError(t, err)
	d.Registry.Add(c)

	env, err := d.Run(context.Background(), c, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	require.Len(t, env.Lineage, 1)
	assert.Equal(t, "completed", env.Lineage[0].Status)
}

func TestDriverRunFollowsTraitRoute(t *testing.T) {
	d := newTestDriver(t)
	c, err := cascade.Load([]byte(`
cascade_id: routed
cells:
  - name: a
    tool: route_b
    handoffs: [b]
  - name: b
    tool: double
    inputs:
      n: 3
`))
	require.NoError(t, err)
	d.Registry.Add(c)

	env, err := d.Run(context.Background(), c, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	require.Len(t, env.Lineage, 2)
	assert.Equal(t, "a", env.Lineage[0].Cell)
	assert.Equal(t, "b", env.Lineage[1].Cell)
}

func TestDriverRunFollowsDeterministicRoutingDiscriminator(t *testing.T) {
	d := newTestDriver(t)
	c, err := cascade.Load([]byte(`
cascade_id: discriminated
cells:
  - name: a
    tool: classify
    routing:
      pos: b
      neg: c
  - name: c
    tool: double
    inputs:
      n: 2
  - name: b
    tool: double
    inputs:
      n: 1
`))
	require.NoError(t, err)
	d.Registry.Add(c)

	env, err := d.Run(context.Background(), c, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	require.Len(t, env.Lineage, 2)
	assert.Equal(t, "a", env.Lineage[0].Cell)
	assert.Equal(t, "b", env.Lineage[1].Cell)
}

func TestDriverRunSubCascadeViaEngine(t *testing.T) {
	d := newTestDriver(t)
	d.Engine = inmem.New()

	child, err := cascade.Load([]byte(`
cascade_id: child
cells:
  - name: c1
    tool: set_state
    inputs:
      key: greeting
      value: hello from child
`))
	require.NoError(t, err)
	d.Registry.Add(child)

	parent, err := cascade.Load([]byte(`
cascade_id: parent
sub_cascades:
  - cascade: child
    context_out: true
cells:
  - name: a
    tool: child
    inputs: {}
`))
	require.NoError(t, err)
	d.Registry.Add(parent)

	env, err := d.Run(context.Background(), parent, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "hello from child", env.State["greeting"])
}

func TestDriverFireAsyncViaEngineRunsToCompletion(t *testing.T) {
	d := newTestDriver(t)
	d.Engine = inmem.New()

	child, err := cascade.Load([]byte(`
cascade_id: fired
cells:
  - name: c1
    tool: double
    inputs:
      n: 9
`))
	require.NoError(t, err)
	d.Registry.Add(child)

	parent, err := cascade.Load([]byte(`
cascade_id: triggers_fired
cells:
  - name: a
    tool: double
    inputs:
      n: 1
    async_cascades:
      - cascade: fired
        trigger: on_complete
`))
	require.NoError(t, err)
	d.Registry.Add(parent)

	env, err := d.Run(context.Background(), parent, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
}

func TestDriverRunRejectsMissingRequiredInput(t *testing.T) {
	d := newTestDriver(t)
	c, err := cascade.Load([]byte(`
cascade_id: typed
inputs_schema:
  topic: string
cells:
  - name: a
    tool: double
    inputs:
      n: 1
`))
	require.NoError(t, err)
	d.Registry.Add(c)

	_, err = d.Run(context.Background(), c, map[string]any{})
	assert.Error(t, err)
}

package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/agent"
)

func TestFakeReturnsQueuedResponsesInOrder(t *testing.T) {
	f := &agent.Fake{
		Responses: []agent.Response{
			{ToolCalls: []agent.ToolCall{{Name: "set_state"}}},
			{Content: "done", StopLoop: true},
		},
	}

	r1, err := f.Chat(context.Background(), "claude-x", nil, nil, agent.Params{})
	require.NoError(t, err)
	assert.Equal(t, "set_state", r1.ToolCalls[0].Name)

	r2, err := f.Chat(context.Background(), "claude-x", nil, nil, agent.Params{})
	require.NoError(t, err)
	assert.Equal(t, "done", r2.Content)
	assert.True(t, r2.StopLoop)

	assert.Len(t, f.Calls, 2)
}

func TestFakeDefaultsToStopWhenExhausted(t *testing.T) {
	f := &agent.Fake{}
	r, err := f.Chat(context.Background(), "claude-x", nil, nil, agent.Params{})
	require.NoError(t, err)
	assert.True(t, r.StopLoop)
}

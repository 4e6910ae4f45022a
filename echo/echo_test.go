package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/echo"
)

func TestOutputExactlyOnce(t *testing.T) {
	e := echo.New(map[string]any{"topic": "x"})
	e.CommitOutput("draft", "hello", echo.LineageEntry{Status: "completed"})

	v, ok := e.Output("draft")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	assert.Panics(t, func() {
		e.CommitOutput("draft", "again", echo.LineageEntry{Status: "completed"})
	})
}

func TestOutputFailsLoudOnIncompleteCell(t *testing.T) {
	e := echo.New(nil)
	_, ok := e.Output("never_ran")
	assert.False(t, ok)
}

func TestHistoryMonotonic(t *testing.T) {
	e := echo.New(nil)
	e.AppendHistory(echo.Message{Role: "user", Content: "hi"})
	e.AppendHistory(echo.Message{Role: "assistant", Content: "hello"})
	assert.Len(t, e.History(), 2)
	assert.Equal(t, "user", e.History()[0].Role)
	assert.Equal(t, "assistant", e.History()[1].Role)
}

func TestForkIsolatesBranches(t *testing.T) {
	parent := echo.New(map[string]any{"topic": "x"})
	parent.SetState("root", "count", 1)

	a := parent.Fork()
	b := parent.Fork()

	a.SetState("branch_a", "count", 2)
	a.CommitOutput("cellA", "from-a", echo.LineageEntry{Status: "completed"})

	b.SetState("branch_b", "count", 3)

	assert.Equal(t, 2, a.State()["count"])
	assert.Equal(t, 3, b.State()["count"])
	assert.Equal(t, 1, parent.State()["count"], "parent must not observe branch mutations")

	_, ok := parent.Output("cellA")
	assert.False(t, ok, "parent must not see a branch's uncommitted-to-parent output")
}

func TestMergeWinnerReconcilesOnlyWinner(t *testing.T) {
	parent := echo.New(map[string]any{"topic": "x"})
	parent.SetState("root", "count", 1)

	winner := parent.Fork()
	loser := parent.Fork()

	winner.SetState("winner_cell", "count", 42)
	winner.CommitOutput("draft", "winning text", echo.LineageEntry{Status: "completed"})

	loser.SetState("loser_cell", "count", 99)
	loser.CommitOutput("draft", "losing text", echo.LineageEntry{Status: "completed"})

	parent.MergeWinner(winner)

	assert.Equal(t, 42, parent.State()["count"])
	v, ok := parent.Output("draft")
	require.True(t, ok)
	assert.Equal(t, "winning text", v)
}

func TestErrorsAccumulate(t *testing.T) {
	e := echo.New(nil)
	e.RecordError(echo.ErrorEntry{Cell: "c1", Kind: "trait_error", Msg: "boom"})
	require.Len(t, e.Errors(), 1)
	assert.Equal(t, "c1", e.Errors()[0].Cell)
}

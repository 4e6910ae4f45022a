package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/echo"
	"lars/template"
)

func TestRenderSubstitutesInputAndState(t *testing.T) {
	e := echo.New(map[string]any{"topic": "widgets"})
	e.SetState("root", "mood", "curious")

	out, err := template.NewRenderer().Render("Topic: {{.input.topic}}, mood: {{.state.mood}}", e)
	require.NoError(t, err)
	assert.Equal(t, "Topic: widgets, mood: curious", out)
}

func TestRenderExposesCompletedOutputs(t *testing.T) {
	e := echo.New(nil)
	e.CommitOutput("draft", "hello world", echo.LineageEntry{Status: "completed"})

	out, err := template.NewRenderer().Render("Draft was: {{.outputs.draft}}", e)
	require.NoError(t, err)
	assert.Equal(t, "Draft was: hello world", out)
}

func TestRenderFailsLoudOnUndefinedVariable(t *testing.T) {
	e := echo.New(map[string]any{})
	_, err := template.NewRenderer().Render("{{.input.missing}}", e)
	assert.Error(t, err)
}

func TestTruncateFilter(t *testing.T) {
	e := echo.New(nil)
	out, err := template.NewRenderer().Render(`{{truncate 5 "hello world"}}`, e)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

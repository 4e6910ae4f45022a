package cascade_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lars/cascade"
)

func TestLoadRejectsUnknownField(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: say_hi
    kind: deterministic
    tool: say_hi
    bogus_field: true
`)
	_, err := cascade.Load(doc)
	assert.Error(t, err)
}

func TestLoadNormalizesImplicitKind(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: say_hi
    tool: say_hi
  - name: draft
    instructions: write something
`)
	c, err := cascade.Load(doc)
	require.NoError(t, err)
	require.Len(t, c.Cells, 2)
	assert.Equal(t, cascade.CellDeterministic, c.Cells[0].Kind)
	assert.Equal(t, cascade.CellLLM, c.Cells[1].Kind)
}

func TestLoadRejectsDuplicateCellName(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: a
    tool: x
  - name: a
    tool: y
`)
	_, err := cascade.Load(doc)
	assert.Error(t, err)
}

func TestLoadRejectsUndeclaredHandoffTarget(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: a
    tool: x
    handoffs: [ghost]
`)
	_, err := cascade.Load(doc)
	assert.Error(t, err)
}

func TestLoadRejectsZeroCandidatesFactor(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: a
    instructions: draft something
    candidates:
      factor: 0
`)
	_, err := cascade.Load(doc)
	assert.Error(t, err)
}

func TestLoadRequiresCascadeID(t *testing.T) {
	doc := []byte(`
cells:
  - name: a
    tool: x
`)
	_, err := cascade.Load(doc)
	assert.Error(t, err)
}

func TestLoadDetectsManifestTraitsShorthand(t *testing.T) {
	doc := []byte(`
cascade_id: greet
cells:
  - name: a
    instructions: pick a trait
    traits: [manifest]
`)
	c, err := cascade.Load(doc)
	require.NoError(t, err)
	assert.True(t, c.Cells[0].TraitsManifest)
	assert.Equal(t, "current", c.Cells[0].ManifestContext)
}

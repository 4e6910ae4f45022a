package cascade_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gopkg.in/yaml.v3"

	"lars/cascade"
)

// genCellName produces lowercase alpha identifiers safe to use as YAML
// mapping keys and cell names.
func genCellName() gopter.Gen {
	return gen.IntRange(1, 12).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return strings.ToLower(string(chars))
		})
	}, reflect.TypeOf(""))
}

// genSimpleCascade builds a minimal but structurally varied cascade: one
// deterministic first cell handing off to a second LLM cell, with a
// randomized description and instructions body. This exercises Load's
// field set without wandering into invalid-by-construction documents
// (handoffs targets, trait/instructions presence) that validate() would
// reject regardless of the round-trip property under test.
func genSimpleCascade() gopter.Gen {
	return gopter.CombineGens(
		genCellName(),
		genCellName(),
		genCellName(),
		gen.AlphaString(),
		gen.AlphaString(),
	).Map(func(vs []interface{}) *cascade.Cascade {
		cascadeID := vs[0].(string)
		first := vs[1].(string)
		second := vs[2].(string)
		if first == second {
			second = second + "_b"
		}
		description := vs[3].(string)
		instructions := vs[4].(string)
		if instructions == "" {
			instructions = "do the work"
		}
		return &cascade.Cascade{
			CascadeID:   cascadeID,
			Description: description,
			Cells: []cascade.Cell{
				{
					Name:     first,
					Kind:     cascade.CellDeterministic,
					Tool:     "say_hi",
					Handoffs: []string{second},
				},
				{
					Name:         second,
					Kind:         cascade.CellLLM,
					Instructions: instructions,
				},
			},
		}
	})
}

// TestCascadeRoundTripProperty verifies spec.md §8's round-trip law:
// loading a cascade document, serializing it, and reloading yields a
// semantically equivalent cascade.
func TestCascadeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("load -> marshal -> reload is field-equal", prop.ForAll(
		func(c *cascade.Cascade) bool {
			raw, err := yaml.Marshal(c)
			if err != nil {
				return false
			}
			loaded, err := cascade.Load(raw)
			if err != nil {
				return false
			}
			reraw, err := yaml.Marshal(loaded)
			if err != nil {
				return false
			}
			reloaded, err := cascade.Load(reraw)
			if err != nil {
				return false
			}
			return cascadesEqual(loaded, reloaded)
		},
		genSimpleCascade(),
	))

	properties.TestingRun(t)
}

func cascadesEqual(a, b *cascade.Cascade) bool {
	if a.CascadeID != b.CascadeID || a.Description != b.Description {
		return false
	}
	if len(a.Cells) != len(b.Cells) {
		return false
	}
	for i := range a.Cells {
		ca, cb := a.Cells[i], b.Cells[i]
		if ca.Name != cb.Name || ca.Kind != cb.Kind || ca.Tool != cb.Tool ||
			ca.Instructions != cb.Instructions || len(ca.Handoffs) != len(cb.Handoffs) {
			return false
		}
		for j := range ca.Handoffs {
			if ca.Handoffs[j] != cb.Handoffs[j] {
				return false
			}
		}
	}
	return true
}

package echo_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"lars/echo"
)

// genWord generates a short lowercase alpha string, used for both state
// keys and values below.
func genWord() gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return strings.ToLower(string(chars))
		})
	}, reflect.TypeOf(""))
}

// TestSetStateLastWriteWinsProperty verifies spec.md §8's idempotence law:
// set_state(k, v) followed by reading state.k yields v, and across multiple
// writes to the same key the final read reflects the last write.
func TestSetStateLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("last write to a key wins", prop.ForAll(
		func(key string, values []string) bool {
			if len(values) == 0 {
				return true
			}
			e := echo.New(nil)
			for _, v := range values {
				e.SetState("writer", key, v)
			}
			got, ok := e.State()[key]
			if !ok {
				return false
			}
			return got == values[len(values)-1]
		},
		genWord(),
		gen.SliceOf(genWord()),
	))

	properties.Property("mutation log preserves write order for a key", prop.ForAll(
		func(key string, values []string) bool {
			e := echo.New(nil)
			for _, v := range values {
				e.SetState("writer", key, v)
			}
			muts := e.Mutations()
			if len(muts) != len(values) {
				return false
			}
			for i, m := range muts {
				if m.Key != key {
					return false
				}
				if i > 0 && m.At.Before(muts[i-1].At) {
					return false
				}
			}
			return true
		},
		genWord(),
		gen.SliceOf(genWord()),
	))

	properties.TestingRun(t)
}

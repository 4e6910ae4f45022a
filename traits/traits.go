// Package traits implements the TraitRegistry: the name-to-callable map of
// deterministic functions a cascade document can invoke from a cell body or
// expose as a tool to an LLM turn loop. Each trait carries a JSON Schema
// describing its arguments so the Runner can both validate calls and hand
// the schema to the model as a tool definition.
package traits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Result is the tool-result envelope returned by a trait call (§4.5):
	// free-form content, any persisted images, and an optional routing
	// directive that the Runner auto-injects as route_to handling.
	Result struct {
		Content string         `json:"content"`
		Images  []string       `json:"images,omitempty"`
		Route   string         `json:"_route,omitempty"`
		Extra   map[string]any `json:"-"`
	}

	// Callable is the function signature every trait implements. ctx
	// carries cancellation/deadline for the call; args is the raw JSON
	// object the model (or cell body) supplied, already schema-validated.
	Callable func(ctx context.Context, args map[string]any) (Result, error)

	// Spec describes one registered trait: its name, human-readable
	// description (surfaced to the model as a tool description), and the
	// compiled JSON Schema used to validate call arguments.
	Spec struct {
		Name        string
		Description string
		RawSchema   map[string]any
		compiled    *jsonschema.Schema
		Fn          Callable
	}

	// Registry is the name -> Spec map. Safe for concurrent registration
	// and lookup; built-ins are registered once at construction, cascade-
	// specific traits (quartermaster-selected or declared) are added
	// afterward.
	Registry struct {
		mu    sync.RWMutex
		specs map[string]*Spec
	}
)

// NewRegistry constructs an empty registry. Callers typically follow this
// with RegisterBuiltins to add set_state/route_to/signal traits.
func NewRegistry() *Registry {
	return &Registry{specs: map[string]*Spec{}}
}

// Register compiles schema and adds name to the registry. It returns an
// error if schema is not a valid JSON Schema or if name is already
// registered, since a silent overwrite would make trait resolution
// order-dependent.
func (r *Registry) Register(name, description string, schema map[string]any, fn Callable) error {
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("traits: compiling schema for %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[name]; exists {
		return fmt.Errorf("traits: %q already registered", name)
	}
	r.specs[name] = &Spec{
		Name:        name,
		Description: description,
		RawSchema:   schema,
		compiled:    compiled,
		Fn:          fn,
	}
	return nil
}

// Lookup returns the Spec registered under name.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns every registered trait name, for tool-definition listing
// and manifest/quartermaster filtering.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for n := range r.specs {
		out = append(out, n)
	}
	return out
}

// Call validates args against the trait's schema and invokes it. A schema
// validation failure returns a TraitError-shaped error from the caller's
// perspective; Call itself just reports the validation failure so the
// Runner can wrap it consistently.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("traits: unknown trait %q", name)
	}
	if err := validateArgs(spec.compiled, args); err != nil {
		return Result{}, fmt.Errorf("traits: invalid arguments for %q: %w", name, err)
	}
	return spec.Fn(ctx, args)
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://traits/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// jsonschema validates against any, passing through a map[string]any
	// round-tripped through JSON so numeric types match what a decoded
	// tool-call payload would actually look like. Absent args validate as
	// an empty object, not as JSON null.
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

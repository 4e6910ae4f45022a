// Package template renders cascade document prompt strings against an Echo
// (input/state/outputs). It wraps the standard library's text/template,
// whose {{ }} delimiters already match the cascade document syntax, adding
// fail-loud undefined-variable behavior and a small filter set
// (tojson/truncate/int/default) in place of Jinja's.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"text/template"

	"lars/echo"
)

// Renderer compiles and caches parsed templates by their source text, since
// the same prompt template is rendered once per turn across a cell's whole
// turn loop.
type Renderer struct {
	cache map[string]*template.Template
}

// NewRenderer constructs an empty Renderer.
func NewRenderer() *Renderer {
	return &Renderer{cache: map[string]*template.Template{}}
}

// Render evaluates src against e's input/state/outputs. Evaluation is late:
// callers should call Render immediately before use, not at cascade-load
// time, so it always reflects the latest committed state and outputs.
// An undefined variable reference is a rendering error, not a blank
// substitution, per the specification's fail-loud requirement.
func (r *Renderer) Render(src string, e *echo.Echo) (string, error) {
	return r.RenderFiltered(src, e, nil)
}

// RenderFiltered is Render restricted to a cell's declared context.from
// clause (§4.1 step 1): when allowed is non-empty, only those cells'
// outputs are exposed as {{.outputs.*}}; an empty allowed list means every
// completed cell's output is visible, the default when a cell declares no
// context override.
func (r *Renderer) RenderFiltered(src string, e *echo.Echo, allowed []string) (string, error) {
	tmpl, ok := r.cache[src]
	if !ok {
		var err error
		tmpl, err = template.New("prompt").Option("missingkey=error").Funcs(funcMap()).Parse(src)
		if err != nil {
			return "", fmt.Errorf("template: parse: %w", err)
		}
		r.cache[src] = tmpl
	}

	data := map[string]any{
		"input":   e.Input,
		"state":   e.State(),
		"outputs": outputsView(e, allowed),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return buf.String(), nil
}

// outputsView exposes only completed outputs to templates; referencing an
// incomplete cell's output is therefore also a rendering error (the key is
// simply absent), consistent with Echo.Output's fail-loud contract. When
// allowed is non-empty, only those cell names are included.
func outputsView(e *echo.Echo, allowed []string) map[string]any {
	var allow map[string]bool
	if len(allowed) > 0 {
		allow = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allow[name] = true
		}
	}
	out := map[string]any{}
	for _, entry := range e.Lineage() {
		if allow != nil && !allow[entry.Cell] {
			continue
		}
		if v, ok := e.Output(entry.Cell); ok {
			out[entry.Cell] = v
		}
	}
	return out
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"tojson": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"truncate": func(n int, s string) string {
			if len(s) <= n {
				return s
			}
			return s[:n]
		},
		"int": func(v any) (int, error) {
			switch t := v.(type) {
			case int:
				return t, nil
			case float64:
				return int(t), nil
			case string:
				return strconv.Atoi(t)
			default:
				return 0, fmt.Errorf("template: cannot convert %T to int", v)
			}
		},
		"default": func(def, v any) any {
			if v == nil || v == "" {
				return def
			}
			return v
		},
	}
}

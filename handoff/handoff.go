// Package handoff implements route_to dispatch: validating a requested
// routing target against a cell's declared handoffs and resolving it to the
// next cell to run.
package handoff

import (
	"fmt"

	"lars/errs"
)

// Directive is a resolved routing decision: the cell requesting it, the
// declared handoff target it resolved to, and whether it came from the
// model (tool call) or a deterministic trait's _route field.
type Directive struct {
	FromCell string
	ToCell   string
	Source   string // "tool_call" or "trait_route"
}

// Resolve validates target against allowed (the current cell's declared
// handoffs) and returns a Directive. An empty target is not a routing
// request and returns (nil, nil) so callers can distinguish "no handoff"
// from "invalid handoff".
func Resolve(fromCell, target string, allowed []string, source string) (*Directive, error) {
	if target == "" {
		return nil, nil
	}
	ok := false
	for _, a := range allowed {
		if a == target {
			ok = true
			break
		}
	}
	if !ok {
		return nil, errs.Routing(fromCell, fmt.Sprintf("route_to %q is not a declared handoff (allowed: %v)", target, allowed))
	}
	return &Directive{FromCell: fromCell, ToCell: target, Source: source}, nil
}

// FirstOf scans a turn's tool calls (already filtered to route_to calls, in
// call order) and returns only the first one. Per the resolved Open
// Question on multiple route_to calls in one turn, later calls in the same
// turn are dropped; callers should log a warning for each dropped target.
func FirstOf(targets []string) (first string, dropped []string) {
	if len(targets) == 0 {
		return "", nil
	}
	return targets[0], targets[1:]
}

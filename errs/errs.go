// Package errs implements the closed error taxonomy from the engine's error
// handling design: InputError, TraitError, AgentError, WardBlocked, CellError,
// RoutingError, LoopBoundExceeded, SignalTimeout, and CascadeTimeout. Each kind
// wraps an underlying cause and carries the offending cell or trait name so
// callers can render a structured reason without string-matching error text.
package errs

import "fmt"

// Kind enumerates the taxonomy members.
type Kind string

const (
	KindInput             Kind = "input_error"
	KindTrait             Kind = "trait_error"
	KindAgent             Kind = "agent_error"
	KindWardBlocked       Kind = "ward_blocked"
	KindCell              Kind = "cell_error"
	KindRouting           Kind = "routing_error"
	KindLoopBoundExceeded Kind = "loop_bound_exceeded"
	KindSignalTimeout     Kind = "signal_timeout"
	KindCascadeTimeout    Kind = "cascade_timeout"
)

// Error is the concrete error type for every member of the taxonomy.
type Error struct {
	Kind   Kind
	Cell   string
	Trait  string
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a Kind-only Error sentinel built
// with e.g. &Error{Kind: KindWardBlocked}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(k Kind, cell, reason string, cause error) *Error {
	return &Error{Kind: k, Cell: cell, Reason: reason, Cause: cause}
}

// Input reports a cascade document or input-schema validation failure. No
// cascade run was started.
func Input(reason string, cause error) *Error { return newErr(KindInput, "", reason, cause) }

// Trait reports a tool that raised or timed out. Not fatal to the cell; the
// Runner surfaces it to the agent as a tool-result message.
func Trait(cell, trait, reason string, cause error) *Error {
	e := newErr(KindTrait, cell, reason, cause)
	e.Trait = trait
	return e
}

// Agent reports an LLM transport failure. The Runner returns it on the
// first failed chat request of a turn; it does not retry.
func Agent(cell, reason string, cause error) *Error { return newErr(KindAgent, cell, reason, cause) }

// WardBlocked reports a blocking ward rejection.
func WardBlocked(cell, reason string) *Error { return newErr(KindWardBlocked, cell, reason, nil) }

// Cell reports a cell body that terminated without a usable output
// (max_turns exhausted with no content, or post-ward retry exhausted).
func Cell(cell, reason string, cause error) *Error { return newErr(KindCell, cell, reason, cause) }

// Routing reports a route_to/routing target outside the cell's declared
// handoffs or outside the cascade.
func Routing(cell, reason string) *Error { return newErr(KindRouting, cell, reason, nil) }

// LoopBoundExceeded reports that LARS_MAX_CELL_ITERATIONS was hit.
func LoopBoundExceeded(reason string) *Error { return newErr(KindLoopBoundExceeded, "", reason, nil) }

// SignalTimeout reports a signal wait that exceeded its timeout. Usually not
// terminal: callers surface it as a normal tool-result with status "timeout".
func SignalTimeout(reason string) *Error { return newErr(KindSignalTimeout, "", reason, nil) }

// CascadeTimeout reports the top-level cascade wall-clock cap being hit.
func CascadeTimeout(reason string) *Error { return newErr(KindCascadeTimeout, "", reason, nil) }

// Package runner implements the Runner cell lifecycle from spec.md §4.1:
// context preparation, pre-wards, trainee injection, the cell body (an LLM
// turn loop or a single deterministic trait call), post-wards, output
// commit, and handoff resolution. Prompt rendering happens upstream (in
// package cascade, via package template) so Runner itself only ever sees
// already-rendered strings.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"lars/agent"
	"lars/echo"
	"lars/errs"
	"lars/handoff"
	"lars/telemetry"
	"lars/trace"
	"lars/traits"
	"lars/ward"
)

// Kind distinguishes a cell's body shape.
type Kind string

const (
	KindLLM           Kind = "llm"
	KindDeterministic Kind = "deterministic"
)

// TrainingQuery selects annotations for trainee injection (§4.1 step 3).
type TrainingQuery struct {
	CascadeID     string
	CellName      string
	Trainable     bool
	MinConfidence float64
	Strategy      string // "recent", "high_confidence", "random", "semantic"
	Format        string // "xml", "markdown", "few_shot"
	Limit         int
}

// Annotation is one piece of training material returned by a TrainingStore.
type Annotation struct {
	Content    string
	Confidence float64
}

// TrainingStore resolves a TrainingQuery to annotations.
type TrainingStore interface {
	Query(ctx context.Context, q TrainingQuery) ([]Annotation, error)
}

// Spec declares one cell.
type Spec struct {
	Name         string
	Kind         Kind
	Model        string
	Params       agent.Params
	SystemPrompt string
	UserPrompt   string
	Trait        string // deterministic body
	TraitArgs    map[string]any
	// Routing maps a deterministic trait's returned _route discriminator
	// to the cell's actual next-cell target (§3 Cell "routing"). When nil,
	// a trait's _route is used directly as the target (the LLM tool-call
	// route_to path, which names the target itself).
	Routing      map[string]string
	Tools        []string // trait names exposed as tools in the LLM turn loop
	PreWards     []ward.Spec
	PostWards    []ward.Spec
	PostWardMax  int // retry budget for post-ward mode=retry, default 1
	Handoffs     []string
	MaxTurns     int // default 8
	LoopUntil    func(agent.Response) bool
	UseTraining  *TrainingQuery
	// Body, when set, replaces the default deterministic/turn-loop body
	// (§4.4 "Candidates wraps the inner body").
	Body BodyFn
}

// Outcome is the result of running one cell.
type Outcome struct {
	Status    string // "completed", "aborted_by_ward", "failed", "routed"
	Output    any
	Exhausted bool
	Directive *handoff.Directive
	Extra     LineageExtra
}

// LineageExtra carries the Candidates/Reforge-specific lineage fields a
// Body override reports back, since the default deterministic/turn-loop
// bodies never populate them.
type LineageExtra struct {
	WinnerIndex  *int
	Aggregated   bool
	ReforgeSteps int
}

// BodyFn replaces a cell's default body (deterministic trait call or LLM
// turn loop) with a caller-supplied implementation, so package cascade can
// wrap a cell's body in Candidates/Reforge fan-out while still letting
// Runner own pre/post-wards, trainee injection, output commit, and handoff
// resolution. feedback is the post-ward retry reason, as with the default
// body (empty on the first attempt).
type BodyFn func(ctx context.Context, e *echo.Echo, feedback string) (output any, exhausted bool, extra LineageExtra, err error)

// Runner executes cell Specs against a shared Echo.
type Runner struct {
	Traits   *traits.Registry
	Client   agent.Client
	Tree     *trace.Tree
	Bus      *trace.Bus
	Training TrainingStore

	// Logger, Tracer, and Metrics back the ambient observability stack: a
	// span opens around every suspension point (cell, turn, tool call,
	// ward), cost/tokens are recorded as span attributes and as a
	// histogram, and nil fields fall back to their telemetry.Noop*
	// implementations.
	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	// ImageDir is the base directory tool-result images are persisted
	// under, as {ImageDir}/{session_id}/{cell_name}/. Empty disables
	// persistence: images are carried inline and never truncated.
	ImageDir string
	// MaxImageBytes bounds a single decoded image payload. Zero means no
	// limit.
	MaxImageBytes int
}

func (r *Runner) logger() telemetry.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return telemetry.NoopLogger{}
}

func (r *Runner) tracer() telemetry.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return telemetry.NoopTracer{}
}

func (r *Runner) metrics() telemetry.Metrics {
	if r.Metrics != nil {
		return r.Metrics
	}
	return telemetry.NoopMetrics{}
}

// Run executes spec's full lifecycle against e and returns its Outcome.
func (r *Runner) Run(ctx context.Context, e *echo.Echo, spec Spec) (Outcome, error) {
	e.CurrentCell = spec.Name
	node := r.Tree.Start(e.SessionID, e.TraceID, trace.KindCell, spec.Name)
	r.publish(ctx, e, trace.EventCellStart, node, map[string]any{"cell": spec.Name})

	ctx, span := r.tracer().Start(ctx, "cell."+spec.Name)
	defer span.End()
	start := time.Now()
	defer func() { r.metrics().RecordTimer("lars.cell.duration", time.Since(start), "cell", spec.Name) }()
	r.logger().Debug(ctx, "cell started", "cell", spec.Name, "kind", spec.Kind)

	input := map[string]any{"name": spec.Name}

	if outcomes, fail := ward.Evaluate(ctx, spec.PreWards, input, r.Traits, r.Client, ward.PhasePre, r.tracer()); fail != nil {
		r.publishWards(ctx, e, node, outcomes)
		r.Tree.End(node, "blocked")
		e.RecordNonOutput(echo.LineageEntry{Status: "aborted_by_ward"})
		span.RecordError(fmt.Errorf("ward blocked: %s", fail.Verdict.Reason))
		span.SetStatus(codes.Error, "aborted_by_ward")
		return Outcome{Status: "aborted_by_ward"}, errs.WardBlocked(spec.Name, fail.Verdict.Reason)
	} else {
		r.publishWards(ctx, e, node, outcomes)
	}

	if spec.UseTraining != nil && r.Training != nil {
		annotations, err := r.Training.Query(ctx, *spec.UseTraining)
		if err == nil && len(annotations) > 0 {
			e.AppendHistory(echo.Message{Role: "system", Content: formatTraining(annotations, spec.UseTraining.Format)})
			r.publish(ctx, e, trace.EventTrainingInjected, node, map[string]any{"cell": spec.Name, "count": len(annotations)})
		}
	}

	output, exhausted, extra, err := r.runBodyWithRetries(ctx, e, spec, node)
	if err != nil {
		r.Tree.End(node, "error")
		e.RecordNonOutput(echo.LineageEntry{Status: "failed"})
		span.RecordError(err)
		span.SetStatus(codes.Error, "cell failed")
		r.logger().Error(ctx, "cell failed", "cell", spec.Name, "err", err)
		return Outcome{Status: "failed"}, err
	}

	var directive *handoff.Directive
	if route, ok := output.(routedOutput); ok {
		d, rerr := handoff.Resolve(spec.Name, route.route, spec.Handoffs, route.source)
		if rerr != nil {
			r.Tree.End(node, "error")
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "handoff resolution failed")
			return Outcome{Status: "failed"}, rerr
		}
		directive = d
		output = route.content
	}

	e.CommitOutput(spec.Name, output, echo.LineageEntry{
		Status:       "completed",
		Exhausted:    exhausted,
		WinnerIndex:  extra.WinnerIndex,
		Aggregated:   extra.Aggregated,
		ReforgeSteps: extra.ReforgeSteps,
	})
	r.Tree.End(node, "ok")
	r.publish(ctx, e, trace.EventCellComplete, node, map[string]any{"cell": spec.Name, "exhausted": exhausted})

	status := "completed"
	if directive != nil {
		status = "routed"
		r.publish(ctx, e, trace.EventHandoff, node, map[string]any{"cell": spec.Name, "to": directive.ToCell})
	}

	span.SetStatus(codes.Ok, status)
	return Outcome{Status: status, Output: output, Exhausted: exhausted, Directive: directive, Extra: extra}, nil
}

// routedOutput wraps a body's terminal content together with a pending
// routing target, threaded from runBody through to Run's handoff
// resolution step above.
type routedOutput struct {
	content any
	route   string
	source  string
}

func (r *Runner) runBodyWithRetries(ctx context.Context, e *echo.Echo, spec Spec, node *trace.Node) (any, bool, LineageExtra, error) {
	maxRetries := spec.PostWardMax
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var feedback string

	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, exhausted, extra, err := r.runBody(ctx, e, spec, feedback)
		if err != nil {
			return nil, false, LineageExtra{}, err
		}

		checkValue := output
		if ro, ok := output.(routedOutput); ok {
			checkValue = ro.content
		}

		outcomes, fail := ward.Evaluate(ctx, spec.PostWards, map[string]any{"output": checkValue}, r.Traits, r.Client, ward.PhasePost, r.tracer())
		r.publishWards(ctx, e, node, outcomes)
		if fail == nil {
			return output, exhausted, extra, nil
		}
		if fail.Spec.Mode == ward.ModeBlocking {
			return nil, false, LineageExtra{}, errs.WardBlocked(spec.Name, fail.Verdict.Reason)
		}
		feedback = fail.Verdict.Reason
	}

	return nil, false, LineageExtra{}, errs.Cell(spec.Name, fmt.Sprintf("post-ward retry budget (%d) exhausted: %s", maxRetries, feedback), nil)
}

func (r *Runner) runBody(ctx context.Context, e *echo.Echo, spec Spec, feedback string) (any, bool, LineageExtra, error) {
	if spec.Body != nil {
		return spec.Body(ctx, e, feedback)
	}
	if spec.Kind == KindDeterministic {
		out, exhausted, err := r.runDeterministic(ctx, e, spec)
		return out, exhausted, LineageExtra{}, err
	}
	out, exhausted, err := r.runTurnLoop(ctx, e, spec, feedback)
	return out, exhausted, LineageExtra{}, err
}

// RunBody executes spec's body (deterministic trait call, LLM turn loop, or
// a Spec.Body override) in isolation, without pre/post-wards, trainee
// injection, output commit, or handoff resolution. Package cascade uses
// this directly inside a Candidates BranchFn, where those cell-level
// concerns belong to the outer Runner.Run call wrapping the whole
// Candidates/Reforge fan-out, not to each individual branch.
func (r *Runner) RunBody(ctx context.Context, e *echo.Echo, spec Spec, feedback string) (any, bool, error) {
	out, exhausted, _, err := r.runBody(ctx, e, spec, feedback)
	return out, exhausted, err
}

func (r *Runner) runDeterministic(ctx context.Context, e *echo.Echo, spec Spec) (any, bool, error) {
	res, err := r.Traits.Call(ctx, spec.Trait, spec.TraitArgs)
	if err != nil {
		return nil, false, errs.Trait(spec.Name, spec.Trait, err.Error(), err)
	}
	if res.Route != "" {
		target := res.Route
		if spec.Routing != nil {
			mapped, ok := spec.Routing[res.Route]
			if !ok {
				return nil, false, errs.Routing(spec.Name, fmt.Sprintf("no routing declared for discriminator %q", res.Route))
			}
			target = mapped
		}
		return routedOutput{content: res.Content, route: target, source: "trait_route"}, false, nil
	}
	return res.Content, false, nil
}

func (r *Runner) publish(ctx context.Context, e *echo.Echo, t trace.EventType, node *trace.Node, data map[string]any) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(ctx, trace.Event{Type: t, SessionID: e.SessionID, TraceID: e.TraceID, NodeID: node.ID, ParentID: node.ParentID, Data: data})
}

func (r *Runner) publishWards(ctx context.Context, e *echo.Echo, node *trace.Node, outcomes []ward.Outcome) {
	for _, oc := range outcomes {
		et := trace.EventWardPass
		if !oc.Verdict.Valid {
			et = trace.EventWardFail
		}
		r.publish(ctx, e, et, node, map[string]any{"ward": oc.Spec.Name, "reason": oc.Verdict.Reason})
	}
}

func formatTraining(annotations []Annotation, format string) string {
	switch format {
	case "xml":
		s := "<training>\n"
		for _, a := range annotations {
			s += fmt.Sprintf("  <example confidence=%.2f>%s</example>\n", a.Confidence, a.Content)
		}
		return s + "</training>"
	case "few_shot":
		s := ""
		for _, a := range annotations {
			s += a.Content + "\n---\n"
		}
		return s
	default: // markdown
		s := "## Prior examples\n"
		for _, a := range annotations {
			s += fmt.Sprintf("- %s\n", a.Content)
		}
		return s
	}
}

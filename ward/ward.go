// Package ward implements the pre/post validation gates described in the
// specification's Wards section (§4.3): a validator (a trait name, or an
// inline LLM cell-lite) that returns {valid, reason}, evaluated in
// declaration order with short-circuit on the first failure, in one of
// three modes: blocking, retry, or advisory.
package ward

import (
	"context"
	"fmt"

	"lars/agent"
	"lars/telemetry"
	"lars/traits"
)

// Mode controls what happens when a validator reports valid=false.
type Mode string

const (
	// ModeBlocking aborts the cell immediately; the cascade treats this as
	// a WardBlocked error.
	ModeBlocking Mode = "blocking"
	// ModeRetry re-enters the cell body with the failure reason appended
	// as feedback, up to a configured retry budget. Only meaningful
	// post-body; see Phase.
	ModeRetry Mode = "retry"
	// ModeAdvisory logs the failure and continues; it never blocks.
	ModeAdvisory Mode = "advisory"
)

// Phase distinguishes a pre-body ward evaluation from a post-body one.
// §4.1 step 2: "Retry failure at this stage is undefined (retry only
// meaningful post-body); treated as advisory" — a cell hasn't produced an
// output yet when its pre-wards run, so there is nothing for ModeRetry to
// re-enter with feedback about. PhasePost is the only phase where
// ModeRetry's short-circuit-and-retry behavior applies.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

type (
	// Verdict is the contract every validator returns.
	Verdict struct {
		Valid  bool
		Reason string
	}

	// Spec declares one ward: either Trait names a registered trait to
	// call with {input} as its argument, or InlinePrompt runs a single
	// LLM call (no tool loop) whose response must be JSON shaped like
	// Verdict.
	Spec struct {
		Name         string
		Mode         Mode
		Trait        string
		InlinePrompt string
		Model        string
		MaxRetries   int
	}

	// Outcome records one Eval call's result against one Spec, for trace
	// events and lineage.
	Outcome struct {
		Spec   Spec
		Verdict Verdict
		Err    error
	}
)

// Evaluate runs specs in declaration order against input, short-circuiting
// on the first failing ward whose mode blocks at phase (blocking always;
// retry only at PhasePost). Advisory failures never short-circuit, and a
// retry-mode ward evaluated at PhasePre is demoted to advisory (§4.1 step
// 2): there's no body output yet for a pre-ward retry to attach feedback
// to, so it's recorded and evaluation continues rather than aborting the
// cell. Evaluate returns the full list of Outcomes produced and the first
// blocking (or post-phase retry) failure, if any, as firstFail.
func Evaluate(ctx context.Context, specs []Spec, input map[string]any, reg *traits.Registry, client agent.Client, phase Phase, tracer telemetry.Tracer) (outcomes []Outcome, firstFail *Outcome) {
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	for _, spec := range specs {
		spanCtx, span := tracer.Start(ctx, "ward."+spec.Name)
		v, err := run(spanCtx, spec, input, reg, client)
		if err != nil {
			span.RecordError(err)
		} else if !v.Valid {
			span.AddEvent("ward.failed", "reason", v.Reason)
		}
		span.End()

		oc := Outcome{Spec: spec, Verdict: v, Err: err}
		outcomes = append(outcomes, oc)

		if err != nil || v.Valid {
			continue
		}

		switch spec.Mode {
		case ModeAdvisory:
			continue
		case ModeRetry:
			if phase == PhasePre {
				continue
			}
			if firstFail == nil {
				f := oc
				firstFail = &f
			}
			return outcomes, firstFail
		case ModeBlocking:
			if firstFail == nil {
				f := oc
				firstFail = &f
			}
			return outcomes, firstFail
		}
	}
	return outcomes, firstFail
}

func run(ctx context.Context, spec Spec, input map[string]any, reg *traits.Registry, client agent.Client) (Verdict, error) {
	if spec.Trait != "" {
		return runTrait(ctx, spec, input, reg)
	}
	if spec.InlinePrompt != "" {
		return runInline(ctx, spec, input, client)
	}
	return Verdict{}, fmt.Errorf("ward %q: neither trait nor inline_prompt declared", spec.Name)
}

func runTrait(ctx context.Context, spec Spec, input map[string]any, reg *traits.Registry) (Verdict, error) {
	res, err := reg.Call(ctx, spec.Trait, map[string]any{"input": input})
	if err != nil {
		return Verdict{}, fmt.Errorf("ward %q: trait %q: %w", spec.Name, spec.Trait, err)
	}
	valid, _ := res.Extra["valid"].(bool)
	reason, _ := res.Extra["reason"].(string)
	if reason == "" {
		reason = res.Content
	}
	return Verdict{Valid: valid, Reason: reason}, nil
}

func runInline(ctx context.Context, spec Spec, input map[string]any, client agent.Client) (Verdict, error) {
	if client == nil {
		return Verdict{}, fmt.Errorf("ward %q: inline_prompt requires an agent.Client", spec.Name)
	}
	prompt := fmt.Sprintf("%s\n\nInput: %v\n\nRespond with strict JSON: {\"valid\": bool, \"reason\": string}", spec.InlinePrompt, input)
	resp, err := client.Chat(ctx, spec.Model, []agent.Message{{Role: agent.RoleUser, Content: prompt}}, nil, agent.Params{})
	if err != nil {
		return Verdict{}, fmt.Errorf("ward %q: inline cell: %w", spec.Name, err)
	}
	return parseVerdict(resp.Content)
}

package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lars/agent"
	"lars/candidates"
	"lars/reforge"
	"lars/telemetry"
	"lars/traits"
	"lars/ward"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type judgeVerdict struct {
	WinnerIndex   int    `json:"winner_index"`
	Justification string `json:"justification"`
}

// newEvaluator builds a candidates.Evaluator that asks model to judge
// results against instructions, per §4.4's "evaluator LLM cell". An
// unparseable or out-of-range response is left to candidates.Run's own
// fallback-to-index-0 behavior, not handled here.
func newEvaluator(client agent.Client, model, instructions string) candidates.Evaluator {
	return func(ctx context.Context, results []candidates.BranchResult) (int, error) {
		if client == nil {
			return 0, fmt.Errorf("cascade: candidates mode=evaluate requires an agent.Client")
		}
		prompt := buildJudgePrompt(instructions, results)
		resp, err := client.Chat(ctx, model, []agent.Message{{Role: agent.RoleUser, Content: prompt}}, nil, agent.Params{})
		if err != nil {
			return 0, fmt.Errorf("cascade: evaluator call: %w", err)
		}
		v, err := parseJudgeVerdict(resp.Content)
		if err != nil {
			return 0, err
		}
		return v.WinnerIndex, nil
	}
}

// newAggregator builds a candidates.Aggregator that asks model to merge
// results' outputs per instructions (§4.4 mode=aggregate).
func newAggregator(client agent.Client, model, instructions string) candidates.Aggregator {
	return func(ctx context.Context, results []candidates.BranchResult) (any, error) {
		if client == nil {
			return nil, fmt.Errorf("cascade: candidates mode=aggregate requires an agent.Client")
		}
		prompt := buildAggregatePrompt(instructions, results)
		resp, err := client.Chat(ctx, model, []agent.Message{{Role: agent.RoleUser, Content: prompt}}, nil, agent.Params{})
		if err != nil {
			return nil, fmt.Errorf("cascade: aggregator call: %w", err)
		}
		return resp.Content, nil
	}
}

func buildJudgePrompt(instructions string, results []candidates.BranchResult) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nCandidate outputs:\n")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "error: " + r.Err.Error()
		}
		fmt.Fprintf(&b, "[%d] (%s): %v\n", r.Index, status, r.Output)
	}
	b.WriteString("\nRespond with strict JSON: {\"winner_index\": int, \"justification\": string}")
	return b.String()
}

func buildAggregatePrompt(instructions string, results []candidates.BranchResult) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nCandidate outputs to merge:\n")
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		fmt.Fprintf(&b, "[%d]: %v\n", r.Index, r.Output)
	}
	return b.String()
}

func parseJudgeVerdict(content string) (judgeVerdict, error) {
	raw := strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var v judgeVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return judgeVerdict{}, fmt.Errorf("cascade: evaluator response is not valid JSON: %w", err)
	}
	return v, nil
}

// newThresholdScore builds a reforge.ScoreFn from a Reforge config's
// threshold declaration: a ward-like validator (trait or inline prompt)
// whose valid=true reports a score at or above spec threshold, breaking
// refinement early (§4.4 "Reforge" step 3).
func newThresholdScore(reg *traits.Registry, client agent.Client, doc *ReforgeDoc, tracer telemetry.Tracer) reforge.ScoreFn {
	if doc.ThresholdTrait == "" && doc.ThresholdPrompt == "" {
		return nil
	}
	spec := ward.Spec{
		Name:         "reforge_threshold",
		Mode:         ward.ModeAdvisory,
		Trait:        doc.ThresholdTrait,
		InlinePrompt: doc.ThresholdPrompt,
	}
	return func(ctx context.Context, output any) (float64, error) {
		outcomes, _ := ward.Evaluate(ctx, []ward.Spec{spec}, map[string]any{"output": output}, reg, client, ward.PhasePost, tracer)
		if len(outcomes) > 0 && outcomes[0].Verdict.Valid {
			score := doc.ThresholdScore
			if score <= 0 {
				score = 1.0
			}
			return score, nil
		}
		return 0, nil
	}
}

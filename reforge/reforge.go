// Package reforge implements depth-wise refinement on top of candidates:
// a serial chain of Candidates steps, each refining the previous step's
// winner, with a threshold that breaks out early once a step's winner is
// judged good enough.
package reforge

import (
	"context"
	"fmt"

	"lars/candidates"
	"lars/echo"
)

// ScoreFn scores a step's winning output, used for the early-break
// threshold check. Returning a score >= Spec.Threshold ends refinement
// before MaxDepth is reached.
type ScoreFn func(ctx context.Context, output any) (float64, error)

// Spec configures one Reforge run.
type Spec struct {
	MaxDepth    int
	Threshold   float64
	Score       ScoreFn
	StepWidth   int // candidates N at each depth
	Models      candidates.ModelAssignment
	Mutation    candidates.Mutation
	Selection   candidates.Selection
	Evaluate    candidates.Evaluator
	Aggregate   candidates.Aggregator
	SpeciesHash string
	Memory      candidates.WinnerMemory
	MaxParallel int
}

// StepResult records one depth's Candidates outcome and score.
type StepResult struct {
	Depth   int
	Outcome candidates.Outcome
	Score   float64
}

// Outcome is the terminal result of a Reforge run.
type Outcome struct {
	Steps       []StepResult
	FinalOutput any
	FinalEcho   *echo.Echo
	BrokeEarly  bool
}

// StepFn runs one depth's branch body, receiving the previous depth's
// winning output (nil for depth 0) so refinement prompts can reference it.
type StepFn func(ctx context.Context, branchEcho *echo.Echo, model, mutationPrompt string, previous any) (any, error)

// Run executes up to spec.MaxDepth Candidates steps in sequence, feeding
// each step's winner into the next, and stops early once Score reports a
// value at or above spec.Threshold.
func Run(ctx context.Context, spec Spec, parent *echo.Echo, step StepFn) (Outcome, error) {
	if spec.MaxDepth <= 0 {
		return Outcome{}, fmt.Errorf("reforge: max_depth must be positive, got %d", spec.MaxDepth)
	}
	if spec.StepWidth <= 0 {
		spec.StepWidth = 1
	}

	var out Outcome
	var previous any
	current := parent

	for depth := 0; depth < spec.MaxDepth; depth++ {
		cspec := candidates.Spec{
			N:           spec.StepWidth,
			Models:      spec.Models,
			Mutation:    spec.Mutation,
			Selection:   spec.Selection,
			SpeciesHash: spec.SpeciesHash,
			Memory:      spec.Memory,
			Evaluate:    spec.Evaluate,
			Aggregate:   spec.Aggregate,
			MaxParallel: spec.MaxParallel,
		}

		prevForThisDepth := previous
		outcome, err := candidates.Run(ctx, cspec, current, func(ctx context.Context, be *echo.Echo, model, mutationPrompt string) (any, error) {
			return step(ctx, be, model, mutationPrompt, prevForThisDepth)
		})
		if err != nil {
			return out, fmt.Errorf("reforge: depth %d: %w", depth, err)
		}

		score := 0.0
		if spec.Score != nil {
			score, err = spec.Score(ctx, outcome.Output)
			if err != nil {
				return out, fmt.Errorf("reforge: depth %d: scoring: %w", depth, err)
			}
		}

		out.Steps = append(out.Steps, StepResult{Depth: depth, Outcome: outcome, Score: score})
		out.FinalOutput = outcome.Output
		if outcome.WinnerEcho != nil {
			out.FinalEcho = outcome.WinnerEcho
			current = outcome.WinnerEcho
		}
		previous = outcome.Output

		if spec.Score != nil && score >= spec.Threshold {
			out.BrokeEarly = true
			break
		}
	}

	return out, nil
}

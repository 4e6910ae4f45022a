// Package candidates implements fan-out branch execution and winner
// selection for the Candidates construct (§4.4): N parallel branches over a
// forked Echo, with model assignment, mutation-mode prompting, optional
// species_hash-scoped winner-memory retrieval, and one of three selection
// modes (all/evaluate/aggregate).
package candidates

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lars/echo"
)

// Mutation controls how branch N's prompt is derived from branch 0's.
type Mutation string

const (
	// MutationRewrite gives the branch a summary of the prior winning
	// outputs in winner memory for this species, or no guidance when memory
	// is absent or empty. The prompt itself is not rewritten by a model.
	MutationRewrite Mutation = "rewrite"
	// MutationRewriteFree gives the branch no guidance; the prompt is not
	// rewritten.
	MutationRewriteFree Mutation = "rewrite_free"
	// MutationAugment prepends branch-specific guidance to the base prompt
	// rather than replacing it.
	MutationAugment Mutation = "augment"
	// MutationApproach assigns each branch a distinct named approach/angle.
	MutationApproach Mutation = "approach"
)

// augmentDirectivesV1 is the built-in directive pool MutationAugment cycles
// branches through (§4.4 "augment: prepend a short directive drawn from a
// built-in pool"). Versioned (v1) per §9's design note so a future pool
// revision doesn't silently reorder directives a deployment has already
// built winner-memory history against.
var augmentDirectivesV1 = []string{
	"Be more concise and direct.",
	"Be more thorough and rigorous; double-check edge cases.",
	"Take a more creative or unconventional angle.",
	"Prioritize clarity for a non-expert reader.",
	"Optimize for robustness over elegance.",
}

// approachDirectivesV1 is the built-in strategy pool MutationApproach cycles
// branches through when a cell declares no explicit `models.map` approach
// names (§4.4 "approach: prepend a strategy directive...; pool likewise
// stable").
var approachDirectivesV1 = []string{
	"first-principles reasoning from the problem's fundamentals",
	"working backward from the desired outcome",
	"the simplest approach that could possibly work",
	"a systematic, checklist-driven approach",
	"analogy to a similar, already-solved problem",
}

// Selection controls how the winner is chosen after all branches complete.
type Selection string

const (
	// SelectionAll keeps every branch's output (no winner, used when the
	// caller wants the full candidate set for manual aggregation upstream).
	SelectionAll Selection = "all"
	// SelectionEvaluate calls an evaluator (trait or inline LLM judge) that
	// returns the winning index.
	SelectionEvaluate Selection = "evaluate"
	// SelectionAggregate merges every branch's output via an aggregator
	// callable rather than picking one winner.
	SelectionAggregate Selection = "aggregate"
)

// ModelAssignment resolves which model branch i should use.
type ModelAssignment struct {
	// List assigns models[i % len(List)] per branch (pairwise cycling).
	List []string
	// Map assigns a model by branch approach/mutation factor name.
	Map map[string]string
	// Shared, if set and List/Map are empty, is used by every branch.
	Shared string
}

// Model returns the model for branch index i with optional approach/factor
// name (used when Map is populated).
func (m ModelAssignment) Model(i int, factor string) string {
	if len(m.Map) > 0 {
		if mod, ok := m.Map[factor]; ok {
			return mod
		}
	}
	if len(m.List) > 0 {
		return m.List[i%len(m.List)]
	}
	return m.Shared
}

// WinnerMemory retrieves and records winning attempts scoped by
// species_hash, so future Candidates runs over the same cell+prompt
// structure can bias toward previously successful mutations.
type WinnerMemory interface {
	TopK(ctx context.Context, speciesHash string, k int) ([]WinnerRecord, error)
	RecordWinner(ctx context.Context, speciesHash string, rec WinnerRecord) error
}

// WinnerRecord is one remembered winning branch.
type WinnerRecord struct {
	Mutation Mutation
	Prompt   string
	Output   any
	Score    float64
}

// BranchResult is what one branch produces.
type BranchResult struct {
	Index  int
	Model  string
	Echo   *echo.Echo
	Output any
	Err    error
}

// BranchFn runs one candidate branch's body. model and mutationPrompt are
// pre-resolved by Run; branchEcho is this branch's forked, isolated Echo.
type BranchFn func(ctx context.Context, branchEcho *echo.Echo, model string, mutationPrompt string) (any, error)

// Evaluator picks a winning branch index from the full result set, or
// returns an error/invalid index to signal "fall back to index 0" per the
// specification's default-on-unparseable-output behavior.
type Evaluator func(ctx context.Context, results []BranchResult) (winnerIndex int, err error)

// Aggregator merges every branch's output into one combined output.
type Aggregator func(ctx context.Context, results []BranchResult) (any, error)

// Spec configures one Candidates fan-out.
type Spec struct {
	N           int
	Models      ModelAssignment
	Mutation    Mutation
	Approaches  []string // branch i's factor name: picks its model from Models.Map and, under MutationApproach, its strategy label; branches past its end use the pool
	Selection   Selection
	SpeciesHash string
	TopKMemory  int
	Evaluate    Evaluator
	Aggregate   Aggregator
	Memory      WinnerMemory
	MaxParallel int // 0 means unbounded (still capped by caller's worker pool)
}

// Outcome is the result of running Run: for SelectionEvaluate, the chosen
// branch's output and Echo; for SelectionAll, Output is the list of every
// branch's output in branch order; for SelectionAggregate, the merged output.
type Outcome struct {
	Results     []BranchResult
	WinnerIndex int // -1 unless Selection == SelectionEvaluate
	Aggregated  bool
	Output      any
	WinnerEcho  *echo.Echo
}

// Run forks parent's Echo N times, runs each branch concurrently (bounded by
// MaxParallel, or unbounded when 0), and resolves a winner per Selection.
func Run(ctx context.Context, spec Spec, parent *echo.Echo, fn BranchFn) (Outcome, error) {
	if spec.N <= 0 {
		return Outcome{}, fmt.Errorf("candidates: n must be positive, got %d", spec.N)
	}

	var memoryPrompt string
	if spec.Memory != nil && spec.SpeciesHash != "" {
		k := spec.TopKMemory
		if k <= 0 {
			k = 5
		}
		if recs, err := spec.Memory.TopK(ctx, spec.SpeciesHash, k); err == nil && len(recs) > 0 {
			memoryPrompt = formatMemory(recs)
		}
	}

	results := make([]BranchResult, spec.N)
	sem := make(chan struct{}, maxParallel(spec.MaxParallel, spec.N))
	var wg sync.WaitGroup

	for i := 0; i < spec.N; i++ {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			factor := ""
			if i < len(spec.Approaches) {
				factor = spec.Approaches[i]
			}
			model := spec.Models.Model(i, factor)
			branchEcho := parent.Fork()
			mutPrompt := buildMutationPrompt(spec.Mutation, i, factor, memoryPrompt)

			out, err := fn(ctx, branchEcho, model, mutPrompt)
			results[i] = BranchResult{Index: i, Model: model, Echo: branchEcho, Output: out, Err: err}
		}()
	}
	wg.Wait()

	return resolve(ctx, spec, parent, results)
}

func resolve(ctx context.Context, spec Spec, parent *echo.Echo, results []BranchResult) (Outcome, error) {
	switch spec.Selection {
	case SelectionAll:
		outputs := make([]any, len(results))
		for i, r := range results {
			outputs[i] = r.Output
		}
		return Outcome{Results: results, WinnerIndex: -1, Output: outputs}, nil

	case SelectionAggregate:
		if spec.Aggregate == nil {
			return Outcome{}, fmt.Errorf("candidates: selection=aggregate requires an Aggregator")
		}
		merged, err := spec.Aggregate(ctx, results)
		if err != nil {
			return Outcome{}, fmt.Errorf("candidates: aggregate: %w", err)
		}
		return Outcome{Results: results, WinnerIndex: -1, Aggregated: true, Output: merged}, nil

	case SelectionEvaluate:
		winner := 0
		if spec.Evaluate != nil {
			idx, err := spec.Evaluate(ctx, results)
			if err == nil && idx >= 0 && idx < len(results) {
				winner = idx
			}
			// An evaluator error or out-of-range index falls back to index 0
			// rather than failing the cell outright.
		}
		parent.MergeWinner(results[winner].Echo)
		if spec.Memory != nil && spec.SpeciesHash != "" {
			_ = spec.Memory.RecordWinner(ctx, spec.SpeciesHash, WinnerRecord{
				Mutation: spec.Mutation,
				Output:   results[winner].Output,
			})
		}
		return Outcome{Results: results, WinnerIndex: winner, Output: results[winner].Output, WinnerEcho: results[winner].Echo}, nil

	default:
		return Outcome{}, fmt.Errorf("candidates: unknown selection mode %q", spec.Selection)
	}
}

// buildMutationPrompt resolves branch i's mutation guidance. augment and
// approach always draw from their built-in directive pool, cycling by
// branch index; approach prefers an explicit `models.map` factor name over
// the pool when the cell declared one, since that name is itself a
// strategy label chosen by the cascade author.
func buildMutationPrompt(m Mutation, i int, factor, memoryPrompt string) string {
	switch m {
	case MutationApproach:
		name := factor
		if name == "" {
			name = approachDirectivesV1[i%len(approachDirectivesV1)]
		}
		return fmt.Sprintf("Approach this using: %s", name)
	case MutationRewrite:
		return memoryPrompt
	case MutationAugment:
		directive := augmentDirectivesV1[i%len(augmentDirectivesV1)]
		if memoryPrompt != "" {
			return directive + "\n\nAdditional guidance: " + memoryPrompt
		}
		return directive
	case MutationRewriteFree:
		return ""
	default:
		return ""
	}
}

func formatMemory(recs []WinnerRecord) string {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	s := "Prior successful attempts for this cell:\n"
	for _, r := range recs {
		s += fmt.Sprintf("- (%s) %v\n", r.Mutation, r.Output)
	}
	return s
}

func maxParallel(configured, n int) int {
	if configured <= 0 || configured > n {
		return n
	}
	return configured
}

package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"lars/agent"
	"lars/candidates"
	"lars/echo"
	"lars/engine"
	"lars/errs"
	"lars/reforge"
	"lars/runner"
	"lars/telemetry"
	"lars/template"
	"lars/trace"
	"lars/traits"
	"lars/ward"
)

// Registry resolves a cascade_id to its loaded Cascade document, backing
// sub-cascade invocation and cascade-level async_cascades launches (§4.6).
type Registry struct {
	mu       sync.RWMutex
	cascades map[string]*Cascade
}

// NewRegistry constructs an empty cascade Registry.
func NewRegistry() *Registry {
	return &Registry{cascades: map[string]*Cascade{}}
}

// Add registers c under its own cascade_id.
func (r *Registry) Add(c *Cascade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cascades[c.CascadeID] = c
}

// Lookup returns the cascade registered under id.
func (r *Registry) Lookup(id string) (*Cascade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cascades[id]
	return c, ok
}

// Envelope is the terminal result of a Driver.Run call (§4.6 step 4,
// cascade_complete).
type Envelope struct {
	SessionID string
	Status    string // "success", "error", "ward_blocked", "loop_bound_exceeded"
	Output    any
	State     map[string]any
	Lineage   []echo.LineageEntry
	Errors    []echo.ErrorEntry
	Reason    string
}

// Driver owns the top-level cell sequence, the cascade-level Echo, and the
// cascade-level TraceNode (§4.6). It builds a fresh TraitRegistry (and the
// Runner bound to it) for every distinct Echo it executes against — the
// top-level run's Echo, each Candidates branch's forked Echo, each Reforge
// step's forked Echo, and each sub-/async-cascade's child Echo — since the
// built-in set_state/route_to traits close over one specific Echo and must
// never be shared across branches that are supposed to be isolated (§8
// branch isolation).
type Driver struct {
	Config      RuntimeConfig
	Client      agent.Client
	Templates   *template.Renderer
	Tree        *trace.Tree
	Bus         *trace.Bus
	Registry    *Registry
	Memory      candidates.WinnerMemory
	SignalStore traits.SignalStore
	Training    runner.TrainingStore
	// UserTraits, when set, is copied into every per-run TraitRegistry this
	// Driver builds: user-registered callables, source (3) of the
	// TraitRegistry per §4.5.
	UserTraits *traits.Registry

	// Logger, Tracer, and Metrics back every suspension point's span/log/
	// metric emission (LLM call, tool call, ward, signal wait). Nil fields
	// fall back to their telemetry.Noop* implementations.
	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	// Engine, when set, backs sub-cascade and async_cascades launches
	// (§4.6) with a durable WorkflowContext instead of a bare goroutine: a
	// sub-cascade call becomes a StartWorkflow+Wait pair so it inherits the
	// engine's retry/timeout handling, and a fire-and-forget async_cascade
	// launch becomes an independently-crash-recoverable workflow run rather
	// than a goroutine this process would lose on restart. Nil keeps the
	// in-process goroutine fallback used when no durable backend is wired.
	Engine engine.Engine

	// depth tracks sub-cascade nesting for LARS_MAX_SUB_CASCADE_DEPTH.
	depth int

	// engines holds the registered-workflow bookkeeping shared across
	// every `childDriver := *d` copy taken while walking a sub-cascade
	// tree (depth tracking is intentionally per-copy; engine
	// registration is not, so it lives behind a pointer initialized
	// once by Run/runCascadeCandidates rather than per struct copy).
	engines *engineState
}

type engineState struct {
	mu         sync.Mutex
	registered map[string]bool
}

// ensureEngineState makes d.engines non-nil. Called by every entry point
// before any `childDriver := *d` copy is taken, so the copy carries the
// same *engineState pointer rather than an independent zero-value one.
func (d *Driver) ensureEngineState() {
	if d.engines == nil {
		d.engines = &engineState{registered: map[string]bool{}}
	}
}

// ensureWorkflow registers fn under name against d.Engine exactly once,
// since re-registering the same workflow name against a Temporal worker
// fails after the first call.
func (d *Driver) ensureWorkflow(name string, fn engine.WorkflowFunc) {
	d.ensureEngineState()
	d.engines.mu.Lock()
	defer d.engines.mu.Unlock()
	if d.engines.registered[name] {
		return
	}
	d.Engine.RegisterWorkflow(name, fn)
	d.engines.registered[name] = true
}

// Run executes the already-loaded cascade c end to end against input, per §4.6.
func (d *Driver) Run(ctx context.Context, c *Cascade, input map[string]any) (Envelope, error) {
	if d.Engine != nil {
		d.ensureEngineState()
	}
	if err := c.ValidateInput(input); err != nil {
		return Envelope{Status: "error", Reason: err.Error()}, err
	}

	e := echo.New(input)
	node := d.Tree.Start(e.SessionID, "", trace.KindCascade, c.CascadeID)
	e.TraceID = node.ID
	d.publish(ctx, e, trace.EventCascadeStart, node, map[string]any{"cascade_id": c.CascadeID, "input": input})

	if c.Candidates != nil && c.Candidates.Factor > 1 {
		env, err := d.runCascadeCandidates(ctx, c, e, node)
		return env, err
	}

	output, status, reason, err := d.runCells(ctx, c, e, node, c.Cells[0].Name)
	if err != nil && status == "" {
		status = "error"
		reason = err.Error()
	}

	d.Tree.End(node, envelopeTreeStatus(status))
	d.publish(ctx, e, trace.EventCascadeComplete, node, map[string]any{"status": status})

	return Envelope{
		SessionID: e.SessionID,
		Status:    status,
		Output:    output,
		State:     e.State(),
		Lineage:   e.Lineage(),
		Errors:    e.Errors(),
		Reason:    reason,
	}, err
}

// runCascadeCandidates implements cascade-level Candidates (§4.6): N full
// copies of the cascade run in parallel, each over an independent Echo, with
// the same evaluator/aggregator selection rules as cell-level candidates.
func (d *Driver) runCascadeCandidates(ctx context.Context, c *Cascade, parent *echo.Echo, node *trace.Node) (Envelope, error) {
	doc := c.Candidates
	model := c.Cells[0].Model

	var evaluator candidates.Evaluator
	var aggregator candidates.Aggregator
	if doc.EvaluatorInstructions != "" {
		evaluator = newEvaluator(d.Client, model, doc.EvaluatorInstructions)
	}
	if doc.AggregatorInstructions != "" {
		aggregator = newAggregator(d.Client, model, doc.AggregatorInstructions)
	}

	spec := doc.toSpec(evaluator, aggregator, d.Memory, "cascade:"+c.CascadeID)
	d.applyLearningConfig(&spec)

	var lastStatus string
	outcome, err := candidates.Run(ctx, spec, parent, func(ctx context.Context, branchEcho *echo.Echo, model, mutationPrompt string) (any, error) {
		cnode := d.Tree.Start(branchEcho.SessionID, node.ID, trace.KindCandidate, c.CascadeID)
		branchEcho.TraceID = cnode.ID
		d.publish(ctx, branchEcho, trace.EventCandidateStart, cnode, map[string]any{"model": model})
		out, status, reason, rerr := d.runCells(ctx, c, branchEcho, cnode, c.Cells[0].Name)
		lastStatus = status
		d.Tree.End(cnode, envelopeTreeStatus(status))
		d.publish(ctx, branchEcho, trace.EventCandidateComplete, cnode, map[string]any{"status": status, "reason": reason})
		if rerr != nil {
			return nil, rerr
		}
		return out, nil
	})
	if err != nil {
		d.Tree.End(node, "error")
		return Envelope{Status: "error", Reason: err.Error()}, err
	}

	d.publish(ctx, parent, trace.EventCandidateSelected, node, map[string]any{"winner_index": outcome.WinnerIndex})
	d.Tree.End(node, "ok")
	status := defaultString(lastStatus, "success")
	d.publish(ctx, parent, trace.EventCascadeComplete, node, map[string]any{"status": status})

	return Envelope{
		SessionID: parent.SessionID,
		Status:    status,
		Output:    outcome.Output,
		State:     parent.State(),
		Lineage:   parent.Lineage(),
		Errors:    parent.Errors(),
	}, nil
}

// runCells runs c's cell sequence starting at startCell, following routing
// (route_to / routing[_route] / fallthrough to the next declared cell) until
// a cell produces no next cell, per §4.6 step 3.
func (d *Driver) runCells(ctx context.Context, c *Cascade, e *echo.Echo, cascadeNode *trace.Node, startCell string) (any, string, string, error) {
	rn, err := d.newRunner(e, c)
	if err != nil {
		return nil, "error", err.Error(), err
	}

	name := startCell
	var lastOutput any
	iterations := 0

	for name != "" {
		iterations++
		if iterations > d.maxIterations() {
			err := errs.LoopBoundExceeded(fmt.Sprintf("cascade %q: exceeded %d cell iterations", c.CascadeID, d.maxIterations()))
			return nil, "loop_bound_exceeded", err.Error(), err
		}

		cell, ok := c.Find(name)
		if !ok {
			err := errs.Routing("", fmt.Sprintf("cascade %q: cell %q is not declared", c.CascadeID, name))
			return nil, "error", err.Error(), err
		}

		d.fireAsync(c, e, cell, "on_start")

		out, outcome, runErr := d.runOneCell(ctx, rn, c, e, cell)
		if runErr != nil {
			if cell.Kind == CellDeterministic && cell.OnError != nil {
				e.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "cell_error", Msg: runErr.Error()})
				e.SetState(cell.Name, "last_error", runErr.Error())
				out2, outcome2, err2 := d.runOneCell(ctx, rn, c, e, cell.OnError)
				if err2 != nil {
					return nil, "error", err2.Error(), err2
				}
				lastOutput = out2
				name = d.nextCellName(c, cell.OnError, outcome2)
				continue
			}
			if asErr, ok := runErr.(*errs.Error); ok && asErr.Kind == errs.KindWardBlocked {
				return nil, "ward_blocked", runErr.Error(), runErr
			}
			return nil, "error", runErr.Error(), runErr
		}

		lastOutput = out
		d.fireAsync(c, e, cell, "on_complete")

		name = d.nextCellName(c, cell, outcome)
	}

	return lastOutput, "success", "", nil
}

// nextCellName resolves the cell to run after cell, per §4.1 step 7: a
// routed directive wins; otherwise fall through to the cascade's next
// listed cell, or terminate if cell is last.
func (d *Driver) nextCellName(c *Cascade, cell *Cell, outcome runner.Outcome) string {
	if outcome.Directive != nil {
		return outcome.Directive.ToCell
	}
	return c.nextAfter(cell.Name)
}

// runOneCell renders context, builds a runner.Spec, and executes it through
// rn, wrapping the body in Candidates/Reforge when the cell declares them.
func (d *Driver) runOneCell(ctx context.Context, rn *runner.Runner, c *Cascade, e *echo.Echo, cell *Cell) (any, runner.Outcome, error) {
	allowed := cell.Context.From
	resolvedTraits := cell.Traits

	if cell.TraitsManifest {
		selected, err := d.runQuartermaster(ctx, rn, e, cell)
		if err != nil {
			return nil, runner.Outcome{}, err
		}
		resolvedTraits = selected
	}

	spec, err := d.buildSpec(c, e, cell, resolvedTraits, allowed)
	if err != nil {
		return nil, runner.Outcome{}, err
	}

	if cell.Candidates != nil && cell.Candidates.Factor > 1 {
		spec.Body = d.candidateBody(rn, c, cell, spec)
	}

	outcome, err := rn.Run(ctx, e, spec)
	if err != nil {
		return nil, outcome, err
	}
	return outcome.Output, outcome, nil
}

// buildSpec renders a cell's instructions/inputs against e and constructs
// the runner.Spec the Runner executes.
func (d *Driver) buildSpec(c *Cascade, e *echo.Echo, cell *Cell, resolvedTraits []string, allowed []string) (runner.Spec, error) {
	spec := runner.Spec{
		Name:        cell.Name,
		Handoffs:    cell.Handoffs,
		MaxTurns:    maxTurns(cell.Rules.MaxTurns, d.Config.DefaultMaxTurns),
		PostWardMax: postWardMax(cell.PostWards()),
		PreWards:    toWardSpecs(cell.PreWards()),
		PostWards:   toWardSpecs(cell.PostWards()),
	}

	if cell.UseTraining {
		spec.UseTraining = &runner.TrainingQuery{
			CascadeID:     c.CascadeID,
			CellName:      cell.Name,
			Trainable:     true,
			MinConfidence: cell.MinConfidence,
			Strategy:      defaultString(cell.TrainingStrategy, "recent"),
			Format:        defaultString(cell.TrainingFormat, "markdown"),
			Limit:         defaultInt(cell.TrainingLimit, 5),
		}
	}

	if cell.Rules.LoopUntil != "" {
		spec.LoopUntil = loopUntilFn(d.Templates, e, cell.Rules.LoopUntil)
	}

	switch cell.Kind {
	case CellDeterministic:
		spec.Kind = runner.KindDeterministic
		spec.Trait = cell.Tool
		spec.Routing = cell.Routing
		// A deterministic cell's routing allow-list is its `handoffs` plus
		// the routing map's declared targets: §4.1 step 7 has deterministic
		// cells consult `routing[_route]`, so a routing target is accepted by
		// handoff.Resolve even when the cell declares no handoffs.
		spec.Handoffs = append(append([]string{}, cell.Handoffs...), routingTargets(cell.Routing)...)
		args, err := renderInputs(d.Templates, e, cell.Inputs, allowed)
		if err != nil {
			return runner.Spec{}, err
		}
		spec.TraitArgs = args

	default: // CellLLM
		spec.Kind = runner.KindLLM
		spec.Model = modelFor(cell.Model, cell.ModelOverride)
		instructions, err := d.Templates.RenderFiltered(cell.Instructions, e, allowed)
		if err != nil {
			return runner.Spec{}, err
		}
		spec.UserPrompt = instructions
		spec.Tools = resolvedTraits
		if len(cell.Handoffs) > 1 {
			spec.Tools = append(append([]string{}, spec.Tools...), "route_to")
		}
	}

	return spec, nil
}

// candidateBody wraps a cell's inner body in Candidates fan-out (and, when
// declared, a subsequent Reforge pass), returning a runner.BodyFn that
// Runner.Run executes in place of the default deterministic/turn-loop body
// (§4.4). Each branch runs through a fresh Runner bound to its own forked
// Echo (via d.newRunner), so the built-in set_state/route_to traits never
// cross branch boundaries (§8 branch isolation), while pre/post-wards,
// trainee injection, output commit, and handoff resolution remain owned by
// the single outer Runner.Run call that invoked this Body.
func (d *Driver) candidateBody(rn *runner.Runner, c *Cascade, cell *Cell, spec runner.Spec) runner.BodyFn {
	doc := cell.Candidates
	species := speciesHash(cell)

	var evaluator candidates.Evaluator
	var aggregator candidates.Aggregator
	if doc.EvaluatorInstructions != "" {
		evaluator = newEvaluator(d.Client, spec.Model, doc.EvaluatorInstructions)
	}
	if doc.AggregatorInstructions != "" {
		aggregator = newAggregator(d.Client, spec.Model, doc.AggregatorInstructions)
	}

	candSpec := doc.toSpec(evaluator, aggregator, d.Memory, species)
	d.applyLearningConfig(&candSpec)

	return func(ctx context.Context, e *echo.Echo, feedback string) (any, bool, runner.LineageExtra, error) {
		branchFn := func(ctx context.Context, branchEcho *echo.Echo, model, mutationPrompt string) (any, error) {
			brn, err := d.newRunner(branchEcho, c)
			if err != nil {
				return nil, err
			}
			branchSpec := spec
			branchSpec.Model = model
			if mutationPrompt != "" {
				branchSpec.UserPrompt = mutationPrompt + "\n\n" + branchSpec.UserPrompt
			}
			cnode := d.Tree.Start(branchEcho.SessionID, e.TraceID, trace.KindCandidate, cell.Name)
			branchEcho.TraceID = cnode.ID
			d.publish(ctx, branchEcho, trace.EventCandidateStart, cnode, map[string]any{"model": model})
			out, _, rerr := brn.RunBody(ctx, branchEcho, branchSpec, feedback)
			d.Tree.End(cnode, treeStatusFor(rerr))
			d.publish(ctx, branchEcho, trace.EventCandidateComplete, cnode, map[string]any{"error": errString(rerr)})
			return out, rerr
		}

		outcome, err := candidates.Run(ctx, candSpec, e, branchFn)
		if err != nil {
			return nil, false, runner.LineageExtra{}, errs.Cell(cell.Name, "candidates: "+err.Error(), err)
		}
		winnerIdx := outcome.WinnerIndex
		extra := runner.LineageExtra{Aggregated: outcome.Aggregated}
		if !outcome.Aggregated {
			extra.WinnerIndex = &winnerIdx
		}

		finalOutput := outcome.Output

		if doc.Reforge != nil && doc.Reforge.Steps > 0 {
			score := newThresholdScore(rn.Traits, d.Client, doc.Reforge, d.tracer())
			reforgeSpec := doc.Reforge.toSpec(evaluator, aggregator, score, candSpec.Memory, species)

			stepFn := func(ctx context.Context, branchEcho *echo.Echo, model, mutationPrompt string, previous any) (any, error) {
				brn, err := d.newRunner(branchEcho, c)
				if err != nil {
					return nil, err
				}
				branchSpec := spec
				branchSpec.Model = model
				prompt := branchSpec.UserPrompt
				if doc.Reforge.HoningPrompt != "" {
					prompt += "\n\n" + doc.Reforge.HoningPrompt
				}
				if previous != nil {
					prompt += fmt.Sprintf("\n\nPrevious attempt: %v", previous)
				}
				if mutationPrompt != "" {
					prompt = mutationPrompt + "\n\n" + prompt
				}
				branchSpec.UserPrompt = prompt
				rnode := d.Tree.Start(branchEcho.SessionID, e.TraceID, trace.KindReforgeStep, cell.Name)
				branchEcho.TraceID = rnode.ID
				d.publish(ctx, branchEcho, trace.EventReforgeStepStart, rnode, map[string]any{"model": model})
				out, _, rerr := brn.RunBody(ctx, branchEcho, branchSpec, feedback)
				d.Tree.End(rnode, treeStatusFor(rerr))
				d.publish(ctx, branchEcho, trace.EventReforgeStepComplete, rnode, map[string]any{"error": errString(rerr)})
				return out, rerr
			}

			reforgeOutcome, rerr := reforge.Run(ctx, reforgeSpec, e, stepFn)
			if rerr != nil {
				return nil, false, runner.LineageExtra{}, errs.Cell(cell.Name, "reforge: "+rerr.Error(), rerr)
			}
			if reforgeOutcome.FinalEcho != nil {
				// reforge.Run only merges winners into the per-depth echo it
				// threads internally, not back into e (the echo candidates.Run
				// was originally called with), so the final depth's deltas
				// must be reconciled here explicitly.
				e.MergeWinner(reforgeOutcome.FinalEcho)
			}
			finalOutput = reforgeOutcome.FinalOutput
			extra.ReforgeSteps = len(reforgeOutcome.Steps)
		}

		return finalOutput, false, extra, nil
	}
}

// applyLearningConfig applies the winner-learning knobs to spec: with
// DisableWinnerLearning set, spec carries no Memory, so winners are neither
// retrieved nor recorded; a spec with no top_k_memory of its own retrieves
// TopKWinnerMemory prior winners.
func (d *Driver) applyLearningConfig(spec *candidates.Spec) {
	if d.Config.DisableWinnerLearning {
		spec.Memory = nil
	}
	if spec.TopKMemory <= 0 {
		spec.TopKMemory = d.Config.TopKWinnerMemory
	}
}

// runQuartermaster runs the internal manifest quartermaster cell (§4.5
// Manifest mode): it sees every registered trait's metadata plus either the
// current cell's instructions (manifest_context=current) or the whole
// history (manifest_context=full), and returns the subset of trait names to
// expose to the main agent. The usage in its response is not recorded, so
// its cost is neither added to the calling cell nor tracked on its own, and
// it opens no TraceNode.
func (d *Driver) runQuartermaster(ctx context.Context, rn *runner.Runner, e *echo.Echo, cell *Cell) ([]string, error) {
	if d.Client == nil {
		return nil, fmt.Errorf("cascade: cell %q: manifest traits require an agent.Client", cell.Name)
	}

	var b strings.Builder
	b.WriteString("You are selecting which tools a cell may use. Available tools:\n")
	for _, name := range rn.Traits.Names() {
		spec, _ := rn.Traits.Lookup(name)
		fmt.Fprintf(&b, "- %s: %s\n", name, spec.Description)
	}
	b.WriteString("\nContext:\n")
	if cell.ManifestContext == "full" {
		for _, m := range e.History() {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
	} else {
		b.WriteString(cell.Instructions)
	}
	b.WriteString("\nRespond with strict JSON: {\"tools\": [string, ...]} naming only the tools this cell needs.")

	resp, err := d.Client.Chat(ctx, modelFor(cell.Model, cell.ModelOverride), []agent.Message{{Role: agent.RoleUser, Content: b.String()}}, nil, agent.Params{})
	if err != nil {
		return nil, fmt.Errorf("cascade: cell %q: quartermaster: %w", cell.Name, err)
	}
	return parseToolList(resp.Content), nil
}

// newRunner builds a fresh TraitRegistry bound to e (built-ins, this
// cascade's sub-cascades, and any user-registered callables) and the Runner
// that executes cells against it. A new registry per Echo is required
// because the built-in set_state/route_to traits close over one specific
// Echo; sharing a registry across branch Echoes would let one Candidates
// branch mutate another's state (§8 branch isolation).
func (d *Driver) newRunner(e *echo.Echo, c *Cascade) (*runner.Runner, error) {
	reg := traits.NewRegistry()
	if err := traits.RegisterBuiltins(reg, e, d.SignalStore, d.tracer()); err != nil {
		return nil, err
	}
	if err := d.registerSubCascades(reg, e, c); err != nil {
		return nil, err
	}
	if err := copyUserTraits(reg, d.UserTraits); err != nil {
		return nil, err
	}
	return &runner.Runner{
		Traits:        reg,
		Client:        d.Client,
		Tree:          d.Tree,
		Bus:           d.Bus,
		Training:      d.Training,
		Logger:        d.logger(),
		Tracer:        d.tracer(),
		Metrics:       d.metrics(),
		ImageDir:      d.Config.ImageDir,
		MaxImageBytes: d.Config.MaxImageBytes,
	}, nil
}

func (d *Driver) logger() telemetry.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return telemetry.NoopLogger{}
}

func (d *Driver) tracer() telemetry.Tracer {
	if d.Tracer != nil {
		return d.Tracer
	}
	return telemetry.NoopTracer{}
}

func (d *Driver) metrics() telemetry.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return telemetry.NoopMetrics{}
}

// registerSubCascades registers each of c's declared sub-cascades as a
// callable trait against reg (§4.5 TraitRegistry source 2: "discovered
// cascades with inputs_schema"), applying context_in/context_out merge
// against parent (§4.6 "Sub-cascades"): if context_in, parent's state is
// merged into the child's input; if context_out, the child's final state is
// merged back into parent's state (later child keys win). Child trace nodes
// link to the parent via parent_trace_id. Depth is tracked against
// LARS_MAX_SUB_CASCADE_DEPTH.
func (d *Driver) registerSubCascades(reg *traits.Registry, parent *echo.Echo, c *Cascade) error {
	for _, sub := range c.SubCascades {
		sub := sub
		err := reg.Register(sub.Cascade, "Invoke sub-cascade "+sub.Cascade, map[string]any{"type": "object"},
			func(ctx context.Context, args map[string]any) (traits.Result, error) {
				child, ok := d.Registry.Lookup(sub.Cascade)
				if !ok {
					return traits.Result{}, fmt.Errorf("cascade: sub-cascade %q is not registered", sub.Cascade)
				}
				if d.depth+1 > d.maxSubCascadeDepth() {
					return traits.Result{}, errs.CascadeTimeout(fmt.Sprintf("sub-cascade depth exceeded %d", d.maxSubCascadeDepth()))
				}

				childInput := cloneInput(args)
				if sub.ContextIn {
					for k, v := range parent.State() {
						if _, exists := childInput[k]; !exists {
							childInput[k] = v
						}
					}
				}

				childDriver := *d
				childDriver.depth = d.depth + 1

				if d.Engine != nil {
					return childDriver.runSubCascadeViaEngine(ctx, sub, child, parent, childInput)
				}

				childE := echo.New(childInput)
				node := d.Tree.Start(childE.SessionID, parent.TraceID, trace.KindSubCascade, sub.Cascade)
				childE.TraceID = node.ID

				output, status, reason, rerr := childDriver.runCells(ctx, child, childE, node, child.Cells[0].Name)
				d.Tree.End(node, envelopeTreeStatus(status))
				if rerr != nil {
					return traits.Result{}, fmt.Errorf("cascade: sub-cascade %q: %s", sub.Cascade, reason)
				}

				if sub.ContextOut {
					for k, v := range childE.State() {
						parent.SetState(parent.CurrentCell, k, v)
					}
				}

				return traits.Result{Content: fmt.Sprintf("%v", output), Extra: map[string]any{"output": output, "session_id": childE.SessionID}}, nil
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// runSubCascadeViaEngine invokes sub as a durable StartWorkflow+Wait pair
// against d.Engine instead of a direct runCells call, so a sub-cascade
// invocation inherits the engine's retry/timeout handling and shows up in
// Engine.QueryRunStatus like any other durable run. The workflow body still
// calls runCells directly (not through ExecuteActivity): encoding Echo's
// full object graph through an ActivityFunc's map[string]any boundary at
// per-cell granularity is future work, noted in DESIGN.md.
func (d *Driver) runSubCascadeViaEngine(ctx context.Context, sub SubCascadeDoc, child *Cascade, parent *echo.Echo, childInput map[string]any) (traits.Result, error) {
	name := "cascade:" + sub.Cascade
	d.ensureWorkflow(name, func(_ engine.WorkflowContext, input map[string]any) (result map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sub-cascade %q panic: %v", sub.Cascade, r)
			}
		}()
		childE := echo.New(input)
		node := d.Tree.Start(childE.SessionID, parent.TraceID, trace.KindSubCascade, sub.Cascade)
		childE.TraceID = node.ID
		output, status, reason, rerr := d.runCells(context.Background(), child, childE, node, child.Cells[0].Name)
		d.Tree.End(node, envelopeTreeStatus(status))
		result = map[string]any{"status": status, "output": output, "state": childE.State(), "session_id": childE.SessionID}
		if rerr != nil {
			return result, fmt.Errorf("%s", reason)
		}
		return result, nil
	})

	handle, err := d.Engine.StartWorkflow(ctx, name, childInput)
	if err != nil {
		return traits.Result{}, fmt.Errorf("cascade: sub-cascade %q: starting workflow: %w", sub.Cascade, err)
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return traits.Result{}, fmt.Errorf("cascade: sub-cascade %q: %w", sub.Cascade, err)
	}

	if sub.ContextOut {
		if state, ok := result["state"].(map[string]any); ok {
			for k, v := range state {
				parent.SetState(parent.CurrentCell, k, v)
			}
		}
	}

	return traits.Result{
		Content: fmt.Sprintf("%v", result["output"]),
		Extra:   map[string]any{"output": result["output"], "session_id": result["session_id"]},
	}, nil
}

// fireAsync launches cell's async_cascades declarations matching trigger as
// fire-and-forget children: a new session, parent trace linkage, and
// exceptions logged but never propagated to the parent run (§4.6 step 3).
// Fired children run against context.Background() rather than the parent
// call's context, since a fire-and-forget child must outlive the triggering
// cell's own request lifetime.
func (d *Driver) fireAsync(c *Cascade, parent *echo.Echo, cell *Cell, trigger string) {
	for _, ac := range cell.AsyncCascades {
		if ac.Trigger != trigger {
			continue
		}
		ac := ac
		child, ok := d.Registry.Lookup(ac.Cascade)
		if !ok {
			continue
		}

		if d.Engine != nil {
			d.fireAsyncViaEngine(parent, cell, child, ac)
			continue
		}

		go func() {
			defer func() {
				if r := recover(); r != nil {
					parent.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "async_cascade_panic", Msg: fmt.Sprintf("%v", r)})
				}
			}()
			e := echo.New(cloneInput(parent.Input))
			node := d.Tree.Start(e.SessionID, parent.TraceID, trace.KindSubCascade, ac.Cascade)
			e.TraceID = node.ID
			_, status, reason, err := d.runCells(context.Background(), child, e, node, child.Cells[0].Name)
			d.Tree.End(node, envelopeTreeStatus(status))
			if err != nil {
				parent.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "async_cascade_error", Msg: reason})
			}
		}()
	}
}

// fireAsyncViaEngine launches ac as a detached StartWorkflow run: no Wait,
// mirroring the goroutine path's fire-and-forget contract, but durable under
// d.Engine rather than tied to this process's lifetime. The workflow body
// keeps the same recover-and-record-on-parent safety net the goroutine path
// uses, since a panicking workflow function must not take the run down with
// it any more than a panicking goroutine should.
func (d *Driver) fireAsyncViaEngine(parent *echo.Echo, cell *Cell, child *Cascade, ac AsyncCascadeDoc) {
	name := "async_cascade:" + ac.Cascade
	d.ensureWorkflow(name, func(_ engine.WorkflowContext, input map[string]any) (result map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				parent.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "async_cascade_panic", Msg: fmt.Sprintf("%v", r)})
				err = nil
			}
		}()
		e := echo.New(input)
		node := d.Tree.Start(e.SessionID, parent.TraceID, trace.KindSubCascade, ac.Cascade)
		e.TraceID = node.ID
		_, status, reason, rerr := d.runCells(context.Background(), child, e, node, child.Cells[0].Name)
		d.Tree.End(node, envelopeTreeStatus(status))
		if rerr != nil {
			parent.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "async_cascade_error", Msg: reason})
		}
		return map[string]any{"status": status}, nil
	})

	if _, err := d.Engine.StartWorkflow(context.Background(), name, cloneInput(parent.Input)); err != nil {
		parent.RecordError(echo.ErrorEntry{Cell: cell.Name, Kind: "async_cascade_error", Msg: err.Error()})
	}
}

func (d *Driver) maxIterations() int {
	if d.Config.MaxCellIterations <= 0 {
		return 256
	}
	return d.Config.MaxCellIterations
}

func (d *Driver) maxSubCascadeDepth() int {
	if d.Config.MaxSubCascadeDepth <= 0 {
		return 8
	}
	return d.Config.MaxSubCascadeDepth
}

func (d *Driver) publish(ctx context.Context, e *echo.Echo, t trace.EventType, node *trace.Node, data map[string]any) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(ctx, trace.Event{Type: t, SessionID: e.SessionID, TraceID: e.TraceID, NodeID: node.ID, ParentID: node.ParentID, Data: data})
}

// nextAfter returns the name of the cell declared immediately after name, or
// "" if name is last (or not found), implementing the §4.1 step 7
// fallthrough when a cell produces no routing directive.
func (c *Cascade) nextAfter(name string) string {
	for i, cell := range c.Cells {
		if cell.Name == name && i+1 < len(c.Cells) {
			return c.Cells[i+1].Name
		}
	}
	return ""
}

func copyUserTraits(dst, src *traits.Registry) error {
	if src == nil {
		return nil
	}
	for _, name := range src.Names() {
		spec, ok := src.Lookup(name)
		if !ok {
			continue
		}
		if _, exists := dst.Lookup(name); exists {
			continue
		}
		if err := dst.Register(spec.Name, spec.Description, spec.RawSchema, spec.Fn); err != nil {
			return err
		}
	}
	return nil
}

func modelFor(model, override string) string {
	if override != "" {
		return override
	}
	return model
}

func maxTurns(declared, fallback int) int {
	if declared > 0 {
		return declared
	}
	if fallback > 0 {
		return fallback
	}
	return 8
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func postWardMax(posts []WardDoc) int {
	max := 0
	for _, w := range posts {
		if w.Mode == "retry" && w.MaxAttempts > max {
			max = w.MaxAttempts
		}
	}
	if max <= 0 {
		return 1
	}
	return max
}

func toWardSpecs(docs []WardDoc) []ward.Spec {
	out := make([]ward.Spec, 0, len(docs))
	for _, w := range docs {
		out = append(out, ward.Spec{
			Name:         w.Name,
			Mode:         ward.Mode(w.Mode),
			Trait:        w.Trait,
			InlinePrompt: w.InlinePrompt,
			Model:        w.Model,
			MaxRetries:   w.MaxAttempts,
		})
	}
	return out
}

// renderInputs templates each value of a deterministic cell's declared
// inputs map against e, restricted to allowed prior cells' outputs.
func renderInputs(r *template.Renderer, e *echo.Echo, inputs map[string]any, allowed []string) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		rendered, err := r.RenderFiltered(s, e, allowed)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// loopUntilFn adapts a cell's rules.loop_until Jinja predicate (evaluated
// over state/outputs) into a runner.Spec.LoopUntil closure. The predicate
// template must render to the literal string "true" to stop the loop; any
// other rendering (including a render error) is treated as false, so a
// malformed predicate never wedges the turn loop permanently — it simply
// runs to max_turns.
func loopUntilFn(r *template.Renderer, e *echo.Echo, predicate string) func(agent.Response) bool {
	return func(agent.Response) bool {
		rendered, err := r.Render(predicate, e)
		if err != nil {
			return false
		}
		return strings.TrimSpace(rendered) == "true"
	}
}

func cloneInput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func parseToolList(content string) []string {
	raw := strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var parsed struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	return parsed.Tools
}

func envelopeTreeStatus(status string) string {
	switch status {
	case "success":
		return "ok"
	case "ward_blocked":
		return "blocked"
	default:
		return "error"
	}
}

func treeStatusFor(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

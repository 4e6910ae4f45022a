// Package cascade implements the cascade document model and the top-level
// driver that executes it: cell sequencing and routing, cascade-level
// Candidates, sub-cascades, async_cascades, and the loop-bound guards from
// spec.md §4.6. A Cascade is loaded from YAML or JSON; unknown top-level and
// cell-level keys are always rejected, so a typo in a cascade file fails at
// load time rather than being silently ignored. A document has no way to
// declare extra keys of its own.
package cascade

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"lars/candidates"
	"lars/errs"
	"lars/reforge"
)

// CellKind distinguishes an LLM cell from a deterministic one.
type CellKind string

const (
	CellLLM           CellKind = "llm"
	CellDeterministic CellKind = "deterministic"
)

type (
	// WardDoc is one ward declaration as it appears in a cascade document.
	// Phase places it in the cell's pre- or post-body gate (§4.3); cells
	// declare both phases in the same `wards` list, distinguished by this
	// field, rather than two separate top-level keys.
	WardDoc struct {
		Name         string `yaml:"name" json:"name"`
		Phase        string `yaml:"phase" json:"phase"` // pre, post
		Mode         string `yaml:"mode" json:"mode"`   // blocking, retry, advisory
		Trait        string `yaml:"trait,omitempty" json:"trait,omitempty"`
		InlinePrompt string `yaml:"inline_prompt,omitempty" json:"inline_prompt,omitempty"`
		Model        string `yaml:"model,omitempty" json:"model,omitempty"`
		MaxAttempts  int    `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	}

	// ModelsDoc is the candidates `models` field: either a flat list
	// (pairwise assignment) or a map of model -> approach factor counts.
	ModelsDoc struct {
		List []string       `yaml:"list,omitempty" json:"list,omitempty"`
		Map  map[string]int `yaml:"map,omitempty" json:"map,omitempty"`
	}

	// ReforgeDoc configures depth-wise refinement after Candidates selects
	// a winner (§4.4 "Reforge").
	ReforgeDoc struct {
		Steps             int     `yaml:"steps" json:"steps"`
		HoningPrompt      string  `yaml:"honing_prompt" json:"honing_prompt"`
		FactorPerStep     int     `yaml:"factor_per_step" json:"factor_per_step"`
		Mutate            bool    `yaml:"mutate,omitempty" json:"mutate,omitempty"`
		ThresholdTrait    string  `yaml:"threshold_trait,omitempty" json:"threshold_trait,omitempty"`
		ThresholdPrompt   string  `yaml:"threshold_prompt,omitempty" json:"threshold_prompt,omitempty"`
		ThresholdScore    float64 `yaml:"threshold_score,omitempty" json:"threshold_score,omitempty"`
	}

	// CandidatesDoc is a cell's or cascade's candidates config.
	CandidatesDoc struct {
		Factor                int        `yaml:"factor" json:"factor"`
		Mode                  string     `yaml:"mode,omitempty" json:"mode,omitempty"` // evaluate (default), aggregate, all
		Mutate                bool       `yaml:"mutate,omitempty" json:"mutate,omitempty"`
		MutationMode          string     `yaml:"mutation_mode,omitempty" json:"mutation_mode,omitempty"`
		EvaluatorInstructions string     `yaml:"evaluator_instructions,omitempty" json:"evaluator_instructions,omitempty"`
		AggregatorInstructions string    `yaml:"aggregator_instructions,omitempty" json:"aggregator_instructions,omitempty"`
		Models                *ModelsDoc `yaml:"models,omitempty" json:"models,omitempty"`
		Reforge               *ReforgeDoc `yaml:"reforge,omitempty" json:"reforge,omitempty"`
		TopKMemory            int        `yaml:"top_k_memory,omitempty" json:"top_k_memory,omitempty"`
		MaxParallel           int        `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	}

	// AsyncCascadeDoc is a fire-and-forget child launch attached to a cell.
	AsyncCascadeDoc struct {
		Cascade string `yaml:"cascade" json:"cascade"`
		Trigger string `yaml:"trigger" json:"trigger"` // on_start, on_complete
	}

	// ContextDoc restricts what a cell sees from prior cells, overriding
	// the default "everything completed so far" visibility.
	ContextDoc struct {
		From []string `yaml:"from,omitempty" json:"from,omitempty"`
	}

	// RulesDoc is an LLM cell's turn-loop bounds.
	RulesDoc struct {
		MaxTurns  int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
		LoopUntil string `yaml:"loop_until,omitempty" json:"loop_until,omitempty"`
	}

	// Cell is one unit of work, LLM or deterministic (§3 "Cell").
	Cell struct {
		Name         string            `yaml:"name" json:"name"`
		Kind         CellKind          `yaml:"kind" json:"kind"`
		Instructions string            `yaml:"instructions,omitempty" json:"instructions,omitempty"`
		Model        string            `yaml:"model,omitempty" json:"model,omitempty"`
		ModelOverride string           `yaml:"model_override,omitempty" json:"model_override,omitempty"`
		Traits       []string          `yaml:"traits,omitempty" json:"traits,omitempty"`
		TraitsManifest bool            `yaml:"-" json:"-"` // derived: true when Traits == ["manifest"]
		ManifestContext string         `yaml:"manifest_context,omitempty" json:"manifest_context,omitempty"` // current, full
		Handoffs     []string          `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`
		Rules        RulesDoc          `yaml:"rules,omitempty" json:"rules,omitempty"`
		OutputSchema map[string]any    `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
		Candidates   *CandidatesDoc    `yaml:"candidates,omitempty" json:"candidates,omitempty"`
		Wards        []WardDoc         `yaml:"wards,omitempty" json:"wards,omitempty"`
		UseTraining  bool              `yaml:"use_training,omitempty" json:"use_training,omitempty"`
		TrainingLimit int              `yaml:"training_limit,omitempty" json:"training_limit,omitempty"`
		TrainingStrategy string        `yaml:"training_strategy,omitempty" json:"training_strategy,omitempty"`
		TrainingFormat string          `yaml:"training_format,omitempty" json:"training_format,omitempty"`
		MinConfidence float64          `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`

		// Tool (deterministic) fields.
		Tool    string         `yaml:"tool,omitempty" json:"tool,omitempty"`
		Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
		Routing map[string]string `yaml:"routing,omitempty" json:"routing,omitempty"`
		OnError *Cell          `yaml:"on_error,omitempty" json:"on_error,omitempty"`

		Context       ContextDoc        `yaml:"context,omitempty" json:"context,omitempty"`
		AsyncCascades []AsyncCascadeDoc `yaml:"async_cascades,omitempty" json:"async_cascades,omitempty"`
	}

	// SubCascadeDoc declares a child cascade invocable from this one.
	SubCascadeDoc struct {
		Cascade    string `yaml:"cascade" json:"cascade"`
		ContextIn  bool   `yaml:"context_in,omitempty" json:"context_in,omitempty"`
		ContextOut bool   `yaml:"context_out,omitempty" json:"context_out,omitempty"`
	}

	// TriggerDoc is an external scheduling descriptor, consumed by a
	// scheduler outside this package.
	TriggerDoc struct {
		Kind string         `yaml:"kind" json:"kind"` // cron, sensor, webhook, manual
		Spec map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
	}

	// Cascade is a loaded program (§3 "Cascade").
	Cascade struct {
		CascadeID    string            `yaml:"cascade_id" json:"cascade_id"`
		Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
		InputsSchema map[string]string `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`
		Cells        []Cell            `yaml:"cells" json:"cells"`
		Candidates   *CandidatesDoc    `yaml:"candidates,omitempty" json:"candidates,omitempty"`
		SubCascades  []SubCascadeDoc   `yaml:"sub_cascades,omitempty" json:"sub_cascades,omitempty"`
		Triggers     []TriggerDoc      `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	}
)

// Load parses a cascade document from YAML (or JSON, which is a YAML
// subset) bytes, rejecting unknown fields so a misspelled key fails loudly
// at load time rather than being silently dropped.
func Load(data []byte) (*Cascade, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, errs.Input("parsing cascade document", err)
	}

	var c Cascade
	dec := strictDecoder(&node)
	if err := dec.Decode(&c); err != nil {
		return nil, errs.Input("decoding cascade document (unknown or malformed field)", err)
	}

	for i := range c.Cells {
		normalizeCell(&c.Cells[i])
	}

	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func normalizeCell(cell *Cell) {
	if len(cell.Traits) == 1 && cell.Traits[0] == "manifest" {
		cell.TraitsManifest = true
	}
	if cell.ManifestContext == "" {
		cell.ManifestContext = "current"
	}
	if cell.Kind == "" {
		if cell.Tool != "" {
			cell.Kind = CellDeterministic
		} else {
			cell.Kind = CellLLM
		}
	}
	if cell.OnError != nil {
		normalizeCell(cell.OnError)
	}
}

// strictDecoder re-encodes node back to YAML bytes and decodes it through a
// yaml.Decoder configured with KnownFields(true), the supported way to get
// unknown-field rejection with gopkg.in/yaml.v3's node-based API.
func strictDecoder(node *yaml.Node) *yaml.Decoder {
	raw, _ := yaml.Marshal(node)
	dec := yaml.NewDecoder(newBytesReader(raw))
	dec.KnownFields(true)
	return dec
}

func validate(c *Cascade) error {
	if c.CascadeID == "" {
		return errs.Input("cascade_id is required", nil)
	}
	if len(c.Cells) == 0 {
		return errs.Input(fmt.Sprintf("cascade %q declares no cells", c.CascadeID), nil)
	}
	seen := map[string]bool{}
	for _, cell := range c.Cells {
		if cell.Name == "" {
			return errs.Input(fmt.Sprintf("cascade %q has a cell with no name", c.CascadeID), nil)
		}
		if seen[cell.Name] {
			return errs.Input(fmt.Sprintf("cascade %q declares cell %q twice", c.CascadeID, cell.Name), nil)
		}
		seen[cell.Name] = true
		if cell.Kind == CellDeterministic && cell.Tool == "" {
			return errs.Input(fmt.Sprintf("cell %q: deterministic cells require tool", cell.Name), nil)
		}
		if cell.Kind == CellLLM && cell.Instructions == "" {
			return errs.Input(fmt.Sprintf("cell %q: llm cells require instructions", cell.Name), nil)
		}
		for _, h := range cell.Handoffs {
			if !seen[h] && !willBeDeclared(c, h) {
				return errs.Input(fmt.Sprintf("cell %q: handoff %q is not a declared cell", cell.Name, h), nil)
			}
		}
		if cell.OutputSchema != nil {
			if _, err := compileJSONSchema(cell.Name, cell.OutputSchema); err != nil {
				return errs.Input(fmt.Sprintf("cell %q: invalid output_schema", cell.Name), err)
			}
		}
		if cell.Candidates != nil && cell.Candidates.Factor <= 0 {
			return errs.Input(fmt.Sprintf("cell %q: candidates.factor must be positive (0 is rejected at load time)", cell.Name), nil)
		}
		for _, w := range cell.Wards {
			switch w.Phase {
			case "pre", "post":
			default:
				return errs.Input(fmt.Sprintf("cell %q: ward %q: phase must be \"pre\" or \"post\"", cell.Name, w.Name), nil)
			}
			switch w.Mode {
			case "blocking", "retry", "advisory":
			default:
				return errs.Input(fmt.Sprintf("cell %q: ward %q: mode must be blocking, retry, or advisory", cell.Name, w.Name), nil)
			}
			if w.Trait == "" && w.InlinePrompt == "" {
				return errs.Input(fmt.Sprintf("cell %q: ward %q: neither trait nor inline_prompt declared", cell.Name, w.Name), nil)
			}
		}
	}
	if c.Candidates != nil && c.Candidates.Factor <= 0 {
		return errs.Input(fmt.Sprintf("cascade %q: candidates.factor must be positive (0 is rejected at load time)", c.CascadeID), nil)
	}
	return nil
}

// PreWards returns cell's pre-body ward declarations, in document order.
func (cell *Cell) PreWards() []WardDoc { return cell.wardsByPhase("pre") }

// PostWards returns cell's post-body ward declarations, in document order.
func (cell *Cell) PostWards() []WardDoc { return cell.wardsByPhase("post") }

func (cell *Cell) wardsByPhase(phase string) []WardDoc {
	var out []WardDoc
	for _, w := range cell.Wards {
		if w.Phase == phase {
			out = append(out, w)
		}
	}
	return out
}

func willBeDeclared(c *Cascade, name string) bool {
	for _, cell := range c.Cells {
		if cell.Name == name {
			return true
		}
	}
	return false
}

func compileJSONSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(newBytesReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://cascade/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateOutput checks value against cell's declared output_schema, when
// present. A cell with no output_schema accepts any output.
func (cell *Cell) ValidateOutput(value any) error {
	if cell.OutputSchema == nil {
		return nil
	}
	schema, err := compileJSONSchema(cell.Name, cell.OutputSchema)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(newBytesReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// ValidateInput checks input against inputs_schema's declared keys: every
// declared key must be present. inputs_schema carries only human
// descriptions (§3), not JSON Schema value constraints, so this is a
// presence check, not a type check.
func (c *Cascade) ValidateInput(input map[string]any) error {
	var missing []string
	for name := range c.InputsSchema {
		if _, ok := input[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errs.Input(fmt.Sprintf("cascade %q: missing required input(s): %v", c.CascadeID, missing), nil)
	}
	return nil
}

// Find returns the cell named name, or false.
func (c *Cascade) Find(name string) (*Cell, bool) {
	for i := range c.Cells {
		if c.Cells[i].Name == name {
			return &c.Cells[i], true
		}
	}
	return nil, false
}

// toSpec adapts a CandidatesDoc into a candidates.Spec, filling in
// the model assignment and reforge shape. evaluator/aggregator callables are
// supplied by the driver since they close over the agent client and prompt
// templates.
func (doc *CandidatesDoc) toSpec(evaluate candidates.Evaluator, aggregate candidates.Aggregator, memory candidates.WinnerMemory, speciesHash string) candidates.Spec {
	sel := candidates.SelectionEvaluate
	switch doc.Mode {
	case "aggregate":
		sel = candidates.SelectionAggregate
	case "all":
		sel = candidates.SelectionAll
	}

	mut := candidates.Mutation(doc.MutationMode)
	if !doc.Mutate {
		mut = ""
	}
	if mut == "" && doc.Mutate {
		mut = candidates.MutationRewrite
	}

	var models candidates.ModelAssignment
	var approaches []string
	if doc.Models != nil {
		models.List = doc.Models.List
		if len(doc.Models.Map) > 0 {
			models.Map = map[string]string{}
			for model, count := range doc.Models.Map {
				for i := 0; i < count; i++ {
					factor := fmt.Sprintf("%s#%d", model, i)
					models.Map[factor] = model
					approaches = append(approaches, factor)
				}
			}
		}
	}

	return candidates.Spec{
		N:           doc.Factor,
		Models:      models,
		Mutation:    mut,
		Approaches:  approaches,
		Selection:   sel,
		SpeciesHash: speciesHash,
		TopKMemory:  doc.TopKMemory,
		Evaluate:    evaluate,
		Aggregate:   aggregate,
		Memory:      memory,
		MaxParallel: doc.MaxParallel,
	}
}

func (doc *ReforgeDoc) toSpec(evaluate candidates.Evaluator, aggregate candidates.Aggregator, score reforge.ScoreFn, memory candidates.WinnerMemory, speciesHash string) reforge.Spec {
	mut := candidates.Mutation("")
	if doc.Mutate {
		mut = candidates.MutationRewrite
	}
	threshold := doc.ThresholdScore
	if threshold <= 0 {
		threshold = 1.0
	}
	return reforge.Spec{
		MaxDepth:    doc.Steps,
		Threshold:   threshold,
		Score:       score,
		StepWidth:   doc.FactorPerStep,
		Mutation:    mut,
		Selection:   candidates.SelectionEvaluate,
		Evaluate:    evaluate,
		Aggregate:   aggregate,
		SpeciesHash: speciesHash,
		Memory:      memory,
	}
}

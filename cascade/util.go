package cascade

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
)

func newBytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// speciesHash identifies a cell's "species" for winner-memory scoping
// (§4.4): two cells hash identically only if their instructions,
// candidates config, rules, output_schema, and wards all match, so a
// rewrite learned for one cell is never applied to a structurally
// different one.
func speciesHash(cell *Cell) string {
	type shape struct {
		Instructions string
		Candidates   *CandidatesDoc
		Rules        RulesDoc
		OutputSchema map[string]any
		Wards        []WardDoc
	}
	raw, _ := json.Marshal(shape{
		Instructions: cell.Instructions,
		Candidates:   cell.Candidates,
		Rules:        cell.Rules,
		OutputSchema: cell.OutputSchema,
		Wards:        cell.Wards,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// routingTargets returns a deterministic cell's declared routing map
// values, in iteration order, deduplicated. buildSpec adds these to the
// cell's `handoffs` to form the allow-list handoff.Resolve checks a
// `routing[_route]` dispatch against (§4.1 step 7).
func routingTargets(routing map[string]string) []string {
	if len(routing) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(routing))
	targets := make([]string, 0, len(routing))
	for _, target := range routing {
		if seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return targets
}

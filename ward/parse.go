package ward

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseVerdict extracts a {valid, reason} object from a model's raw text
// response, tolerating a fenced ```json block around the object since
// models frequently wrap structured replies in markdown.
func parseVerdict(content string) (Verdict, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var v struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("ward: parsing validator response as JSON: %w", err)
	}
	return Verdict{Valid: v.Valid, Reason: v.Reason}, nil
}

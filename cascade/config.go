package cascade

import (
	"os"
	"strconv"
)

// RuntimeConfig holds the environment knobs named in spec.md §6, read once
// at Driver construction rather than consulted ambiently via os.Getenv
// throughout the run, so a run's behavior is fixed for its whole lifetime
// even if the environment changes underneath it.
type RuntimeConfig struct {
	// MaxCellIterations bounds the number of cell dispatches within one
	// cascade run, guarding against infinite routing loops
	// (LARS_MAX_CELL_ITERATIONS, default 256).
	MaxCellIterations int
	// MaxSubCascadeDepth bounds nested sub-cascade invocation depth
	// (LARS_MAX_SUB_CASCADE_DEPTH, default 8).
	MaxSubCascadeDepth int
	// DefaultMaxTurns is used when a cell declares no rules.max_turns.
	DefaultMaxTurns int
	// ImageDir is the base directory tool-result images are persisted
	// under, as {ImageDir}/{session_id}/{cell_name}/.
	ImageDir string
	// MaxImageBytes bounds a single decoded image payload; a tool result
	// image larger than this is dropped rather than written, and the
	// drop is recorded as an image_truncated event plus an errors entry.
	MaxImageBytes int
	// DisableWinnerLearning turns off Candidates winner-memory retrieval
	// and recording globally, overriding any cell's mutation_mode=rewrite
	// (LARS_DISABLE_WINNER_LEARNING).
	DisableWinnerLearning bool
	// TopKWinnerMemory is the default number of prior winning rewrites
	// retrieved per species_hash when a cell does not override it.
	TopKWinnerMemory int
}

// FromEnv reads RuntimeConfig from the process environment, applying the
// specification's defaults for any unset knob.
func FromEnv() RuntimeConfig {
	return RuntimeConfig{
		MaxCellIterations:     envInt("LARS_MAX_CELL_ITERATIONS", 256),
		MaxSubCascadeDepth:    envInt("LARS_MAX_SUB_CASCADE_DEPTH", 8),
		DefaultMaxTurns:       envInt("LARS_DEFAULT_MAX_TURNS", 8),
		ImageDir:              envString("LARS_IMAGE_DIR", "./lars-images"),
		MaxImageBytes:         envInt("LARS_MAX_IMAGE_BYTES", 5*1024*1024),
		DisableWinnerLearning: envBool("LARS_DISABLE_WINNER_LEARNING", false),
		TopKWinnerMemory:      envInt("LARS_TOP_K_WINNER_MEMORY", 5),
	}
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

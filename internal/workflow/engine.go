// Package workflow coordinates hierarchical expansion and evaluation work
// against a tree owned by an external search/evaluation engine. It fans work
// out through the task scheduler, guards per-key exclusivity with a busy set,
// serializes all engine access behind a single lock, and mirrors every
// outcome to the journal on a persistence offload that never blocks or fails
// a unit of work.
package workflow

// Node is the workflow's read-only view of one engine-owned tree node. The
// workflow only ever observes copies; the engine remains the owner of the
// live tree and its counters.
type Node struct {
	Key         string
	ParentKey   string
	Meta        map[string]string
	Visits      int64
	TotalReward float64
}

// EngineConfig exposes the engine's exploration tunables.
type EngineConfig struct {
	ExplorationBias float64 `json:"exploration_bias"` // Selection-time exploration weight
	Temperature     float64 `json:"temperature"`      // Action-sampling temperature
}

// ParameterPatch updates a subset of engine tunables. Nil fields are left
// untouched.
type ParameterPatch struct {
	ExplorationBias *float64
	Temperature     *float64
}

// Engine is the external search/evaluation engine contract consumed by the
// workflow. Implementations own scoring and action selection; the workflow
// guarantees no two Engine calls interleave (single engine lock).
type Engine interface {
	// EnsureNode creates or fetches the node at key, returning a copy.
	EnsureNode(key string, meta map[string]string) (*Node, error)

	// NextAction picks the next unexpanded action under parentKey from the
	// candidate list, or returns ("", false) when none remains.
	NextAction(parentKey string, candidates []string) (string, bool)

	// RecordExpansion feeds an expansion result back into the tree.
	RecordExpansion(parentKey, action, payload string) error

	// RecordEvaluation applies a weighted reward to the node at key.
	RecordEvaluation(key string, reward, weight float64) error

	// Snapshot returns a copy of every node, keyed by node key.
	Snapshot() map[string]*Node

	// Config returns the current exploration tunables.
	Config() EngineConfig

	// UpdateParameters applies a patch and returns the resulting config.
	UpdateParameters(patch ParameterPatch) EngineConfig
}

// Package journal provides type-safe Go definitions and Redis schema patterns
// for the Warren run journal. The journal is the durable record of everything a
// workflow run does: the run itself, the tree nodes it touches, and every
// expansion and evaluation outcome, stored in Redis and mirrored to Pub/Sub for
// live observation.
//
// All Redis keys and channels are namespaced by run ID so multiple Warren runs
// can safely coexist on a single Redis server.
//
// Journal writes are best-effort durability for the workflow: the engine's
// in-memory state stays the source of truth, and callers are expected to log
// and swallow journal errors rather than fail a unit of work on them.
package journal

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Run identifies one workflow run and its root key.
type Run struct {
	ID          string `json:"id"`            // Run identifier (UUID or operator-chosen)
	RootKey     string `json:"root_key"`      // Root of the hierarchical tree, e.g. "root"
	StartedAtMs int64  `json:"started_at_ms"` // Unix timestamp in milliseconds
}

// AgentNode mirrors one node of the engine-owned tree into durable storage.
// The workflow only ever writes copies; the engine remains the owner of the
// live tree and its counters.
type AgentNode struct {
	Key         string            `json:"key"`        // Hierarchical path, e.g. "root/alpha/deep"
	ParentKey   string            `json:"parent_key"` // Empty for the root
	Meta        map[string]string `json:"meta,omitempty"`
	Visits      int64             `json:"visits"`       // Derived counter mirrored from the engine
	TotalReward float64           `json:"total_reward"` // Derived counter mirrored from the engine
	UpdatedAtMs int64             `json:"updated_at_ms"`
}

// Expansion records one expansion outcome: a new candidate child created under
// a parent key by applying an action.
type Expansion struct {
	ID          string `json:"id"` // Scheduler unit ID, stable per child key
	RunID       string `json:"run_id"`
	ParentKey   string `json:"parent_key"`
	Action      string `json:"action"`
	ChildKey    string `json:"child_key"`
	Payload     string `json:"payload"`         // Opaque result content (JSON, git hash, text)
	Error       string `json:"error,omitempty"` // Set when the unit terminal-failed
	Attempts    int    `json:"attempts"`        // Scheduler attempt count at resolution
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Evaluation records one evaluation outcome: a reward applied to an existing
// node with a propagation weight.
type Evaluation struct {
	ID          string  `json:"id"` // Scheduler unit ID, unique per evaluation
	RunID       string  `json:"run_id"`
	NodeKey     string  `json:"node_key"`
	Reward      float64 `json:"reward"`
	Weight      float64 `json:"weight"`
	Error       string  `json:"error,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms"`
}

// EventKind discriminates the payload carried by a workflow Event.
type EventKind string

const (
	// EventExpansion announces a persisted expansion record.
	EventExpansion EventKind = "expansion"

	// EventEvaluation announces a persisted evaluation record.
	EventEvaluation EventKind = "evaluation"
)

// Event is the envelope published on the workflow events channel for every
// journal write, consumed by `warren watch` and other observers.
type Event struct {
	Kind       EventKind   `json:"kind"`
	RunID      string      `json:"run_id"`
	Expansion  *Expansion  `json:"expansion,omitempty"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// Validate checks the AgentNode has usable field values.
func (n *AgentNode) Validate() error {
	if n.Key == "" {
		return fmt.Errorf("node key cannot be empty")
	}
	if n.Visits < 0 {
		return fmt.Errorf("invalid visits: must be >= 0, got %d", n.Visits)
	}
	return nil
}

// Validate checks the Expansion has usable field values.
func (e *Expansion) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("expansion ID cannot be empty")
	}
	if e.ParentKey == "" {
		return fmt.Errorf("parent key cannot be empty")
	}
	if e.Action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if e.ChildKey == "" {
		return fmt.Errorf("child key cannot be empty")
	}
	return nil
}

// Validate checks the Evaluation has usable field values.
func (e *Evaluation) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("evaluation ID cannot be empty")
	}
	if e.NodeKey == "" {
		return fmt.Errorf("node key cannot be empty")
	}
	if e.Weight < 0 {
		return fmt.Errorf("invalid weight: must be >= 0, got %v", e.Weight)
	}
	return nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to distinguish missing records from real failures.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

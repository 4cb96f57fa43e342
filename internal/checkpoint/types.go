// Package checkpoint provides crash-safe, integrity-verified snapshots of all
// mutable orchestrator state: jobs, shards, node assignments, governance
// settings, and the scoreboard. Snapshots carry a strictly increasing sequence
// number and a canonical-form digest that is recomputed and compared on every
// load; a mismatch is fatal to the restore, never silently downgraded.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the checkpoint document version written by this package.
const Version = "1"

// Checkpoint is one serialized snapshot of all mutable orchestrator state.
type Checkpoint struct {
	Version    string                    `json:"version"`
	Sequence   uint64                    `json:"sequence"`
	CreatedAt  time.Time                 `json:"created_at"`
	Jobs       map[string]JobCheckpoint  `json:"jobs"`
	Shards     map[string]ShardState     `json:"shards"`
	Nodes      map[string]NodeAssignment `json:"nodes"`
	Governance GovernanceSettings        `json:"governance"`
	Scoreboard map[string]float64        `json:"scoreboard,omitempty"`
	Integrity  string                    `json:"integrity"` // Hex sha256 of the canonical form minus this field
}

// JobRun is the caller-supplied live view of one job at snapshot time.
type JobRun struct {
	Status string `json:"status"`
}

// JobCheckpoint is the persisted form of one job: its run status, an immutable
// plan snapshot, and the shard/node resolution found by cross-referencing the
// owned collections at snapshot time.
type JobCheckpoint struct {
	Status     string          `json:"status"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	ShardID    string          `json:"shard_id,omitempty"`
	NodeIDs    []string        `json:"node_ids,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// ShardState tracks one shard's capacity, health, and job membership.
type ShardState struct {
	ID         string            `json:"id"`
	Capacity   int               `json:"capacity"`
	Health     string            `json:"health"`
	ActiveJobs []string          `json:"active_jobs,omitempty"`
	QueuedJobs []string          `json:"queued_jobs,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// NodeAssignment tracks one node's shard membership, status, and active jobs.
type NodeAssignment struct {
	ID            string            `json:"id"`
	ShardID       string            `json:"shard_id"`
	Status        string            `json:"status"`
	ActiveJobs    []string          `json:"active_jobs,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// GovernanceSettings is derived deterministically from an external policy
// document: two processes loading the same document converge on the same
// PolicyHash.
type GovernanceSettings struct {
	ApprovalsRequired int               `json:"approvals_required"`
	Guardians         []string          `json:"guardians,omitempty"`
	PolicyHash        string            `json:"policy_hash,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
	Source            string            `json:"source,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ErrNoCheckpoint is returned by LoadLatest when the store holds nothing yet.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint available")

// IntegrityError reports a digest mismatch on load. It is always fatal to the
// restore call: continuing on an unverified snapshot would corrupt all
// downstream state.
type IntegrityError struct {
	Sequence uint64
	Want     string // Digest recorded in the document
	Got      string // Digest recomputed from the document
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint: integrity digest mismatch at sequence %d (recorded %s, computed %s)",
		e.Sequence, e.Want, e.Got)
}

// StoreError wraps a store I/O failure so callers can tell "durability is
// uncertain" apart from business-logic errors. Store failures are never
// retried internally.
type StoreError struct {
	Op  string // "save" or "load"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("checkpoint store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Digest computes the canonical integrity digest of a checkpoint: hex sha256
// over the JSON encoding of the document with the Integrity field cleared.
func Digest(cp *Checkpoint) (string, error) {
	clean := *cp
	clean.Integrity = ""

	data, err := json.Marshal(&clean)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint for digest: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest and returns an *IntegrityError on mismatch.
func Verify(cp *Checkpoint) error {
	got, err := Digest(cp)
	if err != nil {
		return err
	}
	if got != cp.Integrity {
		return &IntegrityError{Sequence: cp.Sequence, Want: cp.Integrity, Got: got}
	}
	return nil
}

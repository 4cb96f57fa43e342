package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Manager exclusively owns shard, node, and governance state plus the
// monotonically increasing checkpoint sequence. It is a synchronous component
// guarded by an OS-level mutex: it is reachable from the cooperative world via
// thread offload and from ordinary request threads.
type Manager struct {
	mu    sync.Mutex
	store Store

	// snapMu serializes whole snapshot builds, including the store write,
	// without holding mu across I/O. A sequence number is committed only
	// after its snapshot saved; a failed save does not consume one.
	snapMu sync.Mutex

	seq        uint64
	shards     map[string]ShardState
	nodes      map[string]NodeAssignment
	governance GovernanceSettings
}

// NewManager creates a checkpoint manager writing to the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		shards: make(map[string]ShardState),
		nodes:  make(map[string]NodeAssignment),
	}
}

// Sequence returns the sequence number of the most recent snapshot (0 before
// the first one).
func (m *Manager) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// UpsertShard records or replaces a shard's state.
func (m *Manager) UpsertShard(s ShardState) error {
	if s.ID == "" {
		return fmt.Errorf("shard ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[s.ID] = s
	return nil
}

// RemoveShard drops a shard from tracked state.
func (m *Manager) RemoveShard(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, id)
}

// Shards returns a copy of the tracked shard map.
func (m *Manager) Shards() map[string]ShardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyShards(m.shards)
}

// UpsertNode records or replaces a node assignment.
func (m *Manager) UpsertNode(n NodeAssignment) error {
	if n.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
	return nil
}

// RemoveNode drops a node assignment from tracked state.
func (m *Manager) RemoveNode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

// Nodes returns a copy of the tracked node-assignment map.
func (m *Manager) Nodes() map[string]NodeAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNodes(m.nodes)
}

// Governance returns the current governance settings.
func (m *Manager) Governance() GovernanceSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.governance
}

// ApplyGovernancePolicy derives governance settings from an arbitrary external
// JSON policy document. Only the guardian list and the approvals/quorum count
// are consumed; the whole document's canonical form is hashed so two processes
// loading the same document converge on the same PolicyHash.
func (m *Manager) ApplyGovernancePolicy(doc []byte, source string) (GovernanceSettings, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return GovernanceSettings{}, fmt.Errorf("failed to parse governance policy document: %w", err)
	}

	// Re-marshal the parsed value: encoding/json sorts map keys, giving a
	// canonical form independent of the source document's formatting.
	canonical, err := json.Marshal(parsed)
	if err != nil {
		return GovernanceSettings{}, fmt.Errorf("failed to canonicalize governance policy: %w", err)
	}
	sum := sha256.Sum256(canonical)

	settings := GovernanceSettings{
		ApprovalsRequired: extractApprovals(parsed),
		Guardians:         extractGuardians(parsed),
		PolicyHash:        hex.EncodeToString(sum[:]),
		Source:            source,
		UpdatedAt:         time.Now().UTC(),
	}

	m.mu.Lock()
	m.governance = settings
	m.mu.Unlock()

	log.Printf("[Checkpoint] Governance policy applied (source: %s, guardians: %d, approvals: %d)",
		source, len(settings.Guardians), settings.ApprovalsRequired)

	return settings, nil
}

// SnapshotRuntime builds one checkpoint from the caller's current job state
// plus the separately tracked shard/node/governance state, persists it, and
// returns it. The sequence increments by exactly 1 per successful snapshot and
// is untouched by a failed save; the digest is computed immediately before
// persisting.
func (m *Manager) SnapshotRuntime(ctx context.Context, jobs map[string]JobRun, plans map[string]json.RawMessage, scoreboard map[string]float64) (*Checkpoint, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	m.mu.Lock()

	seq := m.seq + 1
	now := time.Now().UTC()

	cp := &Checkpoint{
		Version:    Version,
		Sequence:   seq,
		CreatedAt:  now,
		Jobs:       make(map[string]JobCheckpoint, len(jobs)),
		Shards:     copyShards(m.shards),
		Nodes:      copyNodes(m.nodes),
		Governance: m.governance,
		Scoreboard: scoreboard,
	}

	for jobID, run := range jobs {
		jc := JobCheckpoint{
			Status:     run.Status,
			CapturedAt: now,
		}
		if plan, ok := plans[jobID]; ok {
			jc.Plan = append(json.RawMessage(nil), plan...)
		}

		// Cross-reference by linear scan over the owned collections: no
		// back-pointers, no ownership cycles.
		jc.ShardID = m.shardForJobLocked(jobID)
		jc.NodeIDs = m.nodesForJobLocked(jobID)

		cp.Jobs[jobID] = jc
	}

	m.mu.Unlock()

	digest, err := Digest(cp)
	if err != nil {
		return nil, err
	}
	cp.Integrity = digest

	if err := m.store.Save(ctx, cp); err != nil {
		return nil, &StoreError{Op: "save", Err: err}
	}

	m.mu.Lock()
	m.seq = seq
	m.mu.Unlock()

	log.Printf("[Checkpoint] Snapshot %d persisted (%d jobs, %d shards, %d nodes)",
		cp.Sequence, len(cp.Jobs), len(cp.Shards), len(cp.Nodes))

	return cp, nil
}

// RestoreRuntime loads the latest checkpoint from the store, verifies its
// integrity digest, and replaces the in-memory shard/node/governance/sequence
// state. Returns the verified checkpoint so the caller can rebuild its own job
// state. An integrity mismatch is fatal to the call.
func (m *Manager) RestoreRuntime(ctx context.Context) (*Checkpoint, error) {
	cp, err := m.store.LoadLatest(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			return nil, err
		}
		return nil, &StoreError{Op: "load", Err: err}
	}

	if err := Verify(cp); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.seq = cp.Sequence
	m.shards = copyShards(cp.Shards)
	m.nodes = copyNodes(cp.Nodes)
	m.governance = cp.Governance
	m.mu.Unlock()

	log.Printf("[Checkpoint] Restored snapshot %d (%d jobs, %d shards, %d nodes)",
		cp.Sequence, len(cp.Jobs), len(cp.Shards), len(cp.Nodes))

	return cp, nil
}

// shardForJobLocked finds the shard whose active or queued jobs include jobID.
func (m *Manager) shardForJobLocked(jobID string) string {
	for _, s := range m.shards {
		for _, id := range s.ActiveJobs {
			if id == jobID {
				return s.ID
			}
		}
		for _, id := range s.QueuedJobs {
			if id == jobID {
				return s.ID
			}
		}
	}
	return ""
}

// nodesForJobLocked finds every node whose active jobs include jobID, in
// stable order.
func (m *Manager) nodesForJobLocked(jobID string) []string {
	var out []string
	for _, n := range m.nodes {
		for _, id := range n.ActiveJobs {
			if id == jobID {
				out = append(out, n.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func copyShards(in map[string]ShardState) map[string]ShardState {
	out := make(map[string]ShardState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyNodes(in map[string]NodeAssignment) map[string]NodeAssignment {
	out := make(map[string]NodeAssignment, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// extractApprovals pulls the approvals/quorum count out of a parsed policy
// document, accepting the field spellings seen upstream.
func extractApprovals(parsed map[string]interface{}) int {
	for _, field := range []string{"approvals_required", "approvals", "quorum"} {
		if v, ok := parsed[field]; ok {
			if f, ok := v.(float64); ok && f >= 0 {
				return int(f)
			}
		}
	}
	return 0
}

// extractGuardians pulls the guardian list out of a parsed policy document.
func extractGuardians(parsed map[string]interface{}) []string {
	for _, field := range []string{"guardians", "guardian_list"} {
		raw, ok := parsed[field].([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

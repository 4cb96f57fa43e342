package registry

import (
	"fmt"
	"log"
	"sort"
)

// PrepareStep resolves the step's candidate agents against current liveness.
// Each candidate is kept if it is available (not suspended or offline, lag
// under the timeout); otherwise a replacement is selected by:
//
//  1. capability match (covers step.Capabilities), preferring one that also
//     matches the step's region hint,
//  2. else region match,
//  3. else highest stake,
//
// with ties broken by stake descending, then ID for determinism. When a
// candidate is replaced, every recognized agent-reference parameter on the
// step (see AgentRefParams) whose value is the old ID is rewritten to the new
// one. Returns the resolved ID list, or an *AssignmentError when some
// candidate has no eligible replacement.
func (r *Registry) PrepareStep(step *Step, candidateIDs []string) ([]string, error) {
	if step == nil {
		return nil, fmt.Errorf("step cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := make([]string, 0, len(candidateIDs))
	taken := make(map[string]bool, len(candidateIDs))

	for _, id := range candidateIDs {
		if a, exists := r.agents[id]; exists && r.availableLocked(a) && !taken[id] {
			resolved = append(resolved, id)
			taken[id] = true
			continue
		}

		repl := r.selectReplacementLocked(step, taken)
		if repl == nil {
			return nil, &AssignmentError{Step: step.Name, AgentID: id}
		}

		log.Printf("[Registry] Step %q: replacing unavailable agent %s with %s", step.Name, id, repl.ID)

		resolved = append(resolved, repl.ID)
		taken[repl.ID] = true
		rewriteAgentRefs(step, id, repl.ID)
	}

	return resolved, nil
}

// selectReplacementLocked picks the best available agent not already taken by
// this step, per the tiered preference order documented on PrepareStep.
func (r *Registry) selectReplacementLocked(step *Step, taken map[string]bool) *AgentStatus {
	var pool []*AgentStatus
	for _, a := range r.agents {
		if taken[a.ID] || !r.availableLocked(a) {
			continue
		}
		pool = append(pool, a)
	}
	if len(pool) == 0 {
		return nil
	}

	// Deterministic base order: stake descending, then ID.
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Stake.Amount != pool[j].Stake.Amount {
			return pool[i].Stake.Amount > pool[j].Stake.Amount
		}
		return pool[i].ID < pool[j].ID
	})

	// Tier 1: capability match, preferring a region-hint match.
	var capMatch, capAndRegion []*AgentStatus
	for _, a := range pool {
		if len(step.Capabilities) > 0 && a.HasCapabilities(step.Capabilities) {
			capMatch = append(capMatch, a)
			if step.RegionHint != "" && a.Region == step.RegionHint {
				capAndRegion = append(capAndRegion, a)
			}
		}
	}
	if len(capAndRegion) > 0 {
		return capAndRegion[0]
	}
	if len(capMatch) > 0 {
		return capMatch[0]
	}

	// Tier 2: region match.
	if step.RegionHint != "" {
		for _, a := range pool {
			if a.Region == step.RegionHint {
				return a
			}
		}
	}

	// Tier 3: highest stake (pool is already ordered).
	return pool[0]
}

// rewriteAgentRefs rewrites every recognized agent-reference parameter whose
// value is oldID to newID.
func rewriteAgentRefs(step *Step, oldID, newID string) {
	if step.Params == nil {
		return
	}
	for _, field := range AgentRefParams {
		if step.Params[field] == oldID {
			step.Params[field] = newID
		}
	}
}

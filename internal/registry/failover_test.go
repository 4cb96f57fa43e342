package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAgent(t *testing.T, r *Registry, a AgentStatus) {
	t.Helper()
	require.NoError(t, r.Register(a, ""))
}

func markOffline(t *testing.T, r *Registry, id string) {
	t.Helper()
	got, err := r.Get(id)
	require.NoError(t, err)
	got.Status = StatusOffline
	require.NoError(t, r.Update(*got))
}

func TestPrepareStepKeepsAvailableCandidates(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "a1", Capabilities: []string{"expand"}})
	seedAgent(t, r, AgentStatus{ID: "a2", Capabilities: []string{"expand"}})

	step := &Step{Name: "expand-root", Capabilities: []string{"expand"}}
	resolved, err := r.PrepareStep(step, []string{"a1", "a2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, resolved)
}

func TestPrepareStepCapabilityMatchPrefersRegionHint(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "gone", Capabilities: []string{"expand"}})
	markOffline(t, r, "gone")

	// Both can do the work; the one in the hinted region wins even at lower stake.
	seedAgent(t, r, AgentStatus{ID: "rich-far", Region: "us-east", Capabilities: []string{"expand"}, Stake: Stake{Amount: 500}})
	seedAgent(t, r, AgentStatus{ID: "near", Region: "eu-west", Capabilities: []string{"expand"}, Stake: Stake{Amount: 5}})

	step := &Step{
		Name:         "expand-root",
		Capabilities: []string{"expand"},
		RegionHint:   "eu-west",
		Params:       map[string]string{"agent_id": "gone", "note": "gone"},
	}
	resolved, err := r.PrepareStep(step, []string{"gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, resolved)

	// Recognized reference fields are rewritten; others are untouched.
	assert.Equal(t, "near", step.Params["agent_id"])
	assert.Equal(t, "gone", step.Params["note"])
}

func TestPrepareStepFallsBackToRegionThenStake(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "gone"})
	markOffline(t, r, "gone")

	t.Run("region match when no capability match", func(t *testing.T) {
		seedAgent(t, r, AgentStatus{ID: "regional", Region: "eu-west", Stake: Stake{Amount: 1}})
		seedAgent(t, r, AgentStatus{ID: "rich", Region: "us-east", Stake: Stake{Amount: 900}})

		step := &Step{Name: "s", Capabilities: []string{"quantum"}, RegionHint: "eu-west"}
		resolved, err := r.PrepareStep(step, []string{"gone"})
		require.NoError(t, err)
		assert.Equal(t, []string{"regional"}, resolved)
	})

	t.Run("highest stake when nothing else matches", func(t *testing.T) {
		step := &Step{Name: "s", Capabilities: []string{"quantum"}, RegionHint: "ap-south"}
		resolved, err := r.PrepareStep(step, []string{"gone"})
		require.NoError(t, err)
		assert.Equal(t, []string{"rich"}, resolved)
	})
}

func TestPrepareStepStakeTieBreaksByID(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "gone"})
	markOffline(t, r, "gone")

	seedAgent(t, r, AgentStatus{ID: "bravo", Stake: Stake{Amount: 10}})
	seedAgent(t, r, AgentStatus{ID: "alpha", Stake: Stake{Amount: 10}})

	resolved, err := r.PrepareStep(&Step{Name: "s"}, []string{"gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, resolved)
}

func TestPrepareStepNeverReturnsUnavailable(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "offline-1"})
	markOffline(t, r, "offline-1")
	seedAgent(t, r, AgentStatus{ID: "suspended-1"})
	require.NoError(t, r.Update(AgentStatus{ID: "suspended-1", Status: StatusSuspended}))
	seedAgent(t, r, AgentStatus{ID: "healthy"})

	_, err := r.PrepareStep(&Step{Name: "s"}, []string{"offline-1", "suspended-1"})
	// Only one healthy agent exists and a step cannot use it twice.
	require.Error(t, err)

	var aerr *AssignmentError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "suspended-1", aerr.AgentID)

	// A single unavailable candidate does resolve to the healthy agent.
	resolved, err := r.PrepareStep(&Step{Name: "s"}, []string{"offline-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, resolved)
}

func TestPrepareStepAssignmentError(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "only"})
	markOffline(t, r, "only")

	_, err := r.PrepareStep(&Step{Name: "lonely-step"}, []string{"only"})
	var aerr *AssignmentError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "lonely-step", aerr.Step)
	assert.Equal(t, "only", aerr.AgentID)
}

// TestPrepareStepRewritesEveryRecognizedField verifies all recognized
// agent-reference fields pointing at a replaced agent are rewritten.
func TestPrepareStepRewritesEveryRecognizedField(t *testing.T) {
	r, _ := openTestRegistry(t, time.Minute)
	seedAgent(t, r, AgentStatus{ID: "old"})
	markOffline(t, r, "old")
	seedAgent(t, r, AgentStatus{ID: "new"})

	step := &Step{
		Name: "s",
		Params: map[string]string{
			"agent_id":     "old",
			"agent":        "old",
			"assignee":     "old",
			"worker_id":    "old",
			"target_agent": "old",
			"unrelated":    "old",
		},
	}

	_, err := r.PrepareStep(step, []string{"old"})
	require.NoError(t, err)

	for _, field := range AgentRefParams {
		assert.Equal(t, "new", step.Params[field], "field %s", field)
	}
	assert.Equal(t, "old", step.Params["unrelated"], "unrecognized fields must not be rewritten")
}

package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// metadata maps are JSON-encoded into single hash fields. This keeps
// individual fields queryable while allowing structured content.

// NodeToHash converts an AgentNode to a Redis hash format.
// The meta map is JSON-encoded.
func NodeToHash(n *AgentNode) (map[string]interface{}, error) {
	metaJSON, err := json.Marshal(n.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node meta: %w", err)
	}

	return map[string]interface{}{
		"key":           n.Key,
		"parent_key":    n.ParentKey,
		"meta":          string(metaJSON),
		"visits":        n.Visits,
		"total_reward":  formatFloat(n.TotalReward),
		"updated_at_ms": n.UpdatedAtMs,
	}, nil
}

// HashToNode converts a Redis hash to an AgentNode.
func HashToNode(hash map[string]string) (*AgentNode, error) {
	var meta map[string]string
	if metaJSON := hash["meta"]; metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node meta: %w", err)
		}
	}

	visits, err := strconv.ParseInt(zeroDefault(hash["visits"]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid visits field: %w", err)
	}

	totalReward, err := strconv.ParseFloat(zeroDefault(hash["total_reward"]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid total_reward field: %w", err)
	}

	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &AgentNode{
		Key:         hash["key"],
		ParentKey:   hash["parent_key"],
		Meta:        meta,
		Visits:      visits,
		TotalReward: totalReward,
		UpdatedAtMs: updatedAtMs,
	}, nil
}

// ExpansionToHash converts an Expansion to a Redis hash format.
func ExpansionToHash(e *Expansion) map[string]interface{} {
	return map[string]interface{}{
		"id":            e.ID,
		"run_id":        e.RunID,
		"parent_key":    e.ParentKey,
		"action":        e.Action,
		"child_key":     e.ChildKey,
		"payload":       e.Payload,
		"error":         e.Error,
		"attempts":      e.Attempts,
		"created_at_ms": e.CreatedAtMs,
	}
}

// HashToExpansion converts a Redis hash to an Expansion.
func HashToExpansion(hash map[string]string) (*Expansion, error) {
	attempts, err := strconv.Atoi(zeroDefault(hash["attempts"]))
	if err != nil {
		return nil, fmt.Errorf("invalid attempts field: %w", err)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	return &Expansion{
		ID:          hash["id"],
		RunID:       hash["run_id"],
		ParentKey:   hash["parent_key"],
		Action:      hash["action"],
		ChildKey:    hash["child_key"],
		Payload:     hash["payload"],
		Error:       hash["error"],
		Attempts:    attempts,
		CreatedAtMs: createdAtMs,
	}, nil
}

// EvaluationToHash converts an Evaluation to a Redis hash format.
func EvaluationToHash(e *Evaluation) map[string]interface{} {
	return map[string]interface{}{
		"id":            e.ID,
		"run_id":        e.RunID,
		"node_key":      e.NodeKey,
		"reward":        formatFloat(e.Reward),
		"weight":        formatFloat(e.Weight),
		"error":         e.Error,
		"created_at_ms": e.CreatedAtMs,
	}
}

// HashToEvaluation converts a Redis hash to an Evaluation.
func HashToEvaluation(hash map[string]string) (*Evaluation, error) {
	reward, err := strconv.ParseFloat(zeroDefault(hash["reward"]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid reward field: %w", err)
	}

	weight, err := strconv.ParseFloat(zeroDefault(hash["weight"]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid weight field: %w", err)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	return &Evaluation{
		ID:          hash["id"],
		RunID:       hash["run_id"],
		NodeKey:     hash["node_key"],
		Reward:      reward,
		Weight:      weight,
		Error:       hash["error"],
		CreatedAtMs: createdAtMs,
	}, nil
}

// formatFloat renders a float for Redis hash storage without exponent
// surprises on round-trip.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// zeroDefault substitutes "0" for missing numeric hash fields.
func zeroDefault(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

package journal

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by run ID so multiple
// Warren runs can safely coexist on a single Redis server.
//
// Key pattern: warren:{run_id}:{entity}[:{id}]
// Channel pattern: warren:{run_id}:{event_type}_events

// RunKey returns the Redis key for a run record.
// Pattern: warren:{run_id}:run
func RunKey(runID string) string {
	return fmt.Sprintf("warren:%s:run", runID)
}

// NodeKey returns the Redis key for a mirrored agent node.
// Pattern: warren:{run_id}:node:{node_key}
func NodeKey(runID, nodeKey string) string {
	return fmt.Sprintf("warren:%s:node:%s", runID, nodeKey)
}

// ExpansionKey returns the Redis key for an expansion record.
// Pattern: warren:{run_id}:expansion:{expansion_id}
func ExpansionKey(runID, expansionID string) string {
	return fmt.Sprintf("warren:%s:expansion:%s", runID, expansionID)
}

// ExpansionsIndexKey returns the Redis key for the run's expansion ZSET,
// scored by creation time so range reads come back in order.
// Pattern: warren:{run_id}:expansions
func ExpansionsIndexKey(runID string) string {
	return fmt.Sprintf("warren:%s:expansions", runID)
}

// EvaluationKey returns the Redis key for an evaluation record.
// Pattern: warren:{run_id}:evaluation:{evaluation_id}
func EvaluationKey(runID, evaluationID string) string {
	return fmt.Sprintf("warren:%s:evaluation:%s", runID, evaluationID)
}

// EvaluationsIndexKey returns the Redis key for the run's evaluation ZSET.
// Pattern: warren:{run_id}:evaluations
func EvaluationsIndexKey(runID string) string {
	return fmt.Sprintf("warren:%s:evaluations", runID)
}

// WorkflowEventsChannel returns the Pub/Sub channel name for workflow events.
// Every persisted expansion and evaluation is announced here for real-time
// monitoring (`warren watch`).
// Pattern: warren:{run_id}:workflow_events
func WorkflowEventsChannel(runID string) string {
	return fmt.Sprintf("warren:%s:workflow_events", runID)
}

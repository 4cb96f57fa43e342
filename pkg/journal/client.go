package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides run-scoped Redis operations for the journal.
// All keys and channels are automatically namespaced with the run ID.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb   *redis.Client
	runID string
}

// NewClient creates a new journal client for the specified run.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - runID: run identifier (must not be empty)
//
// Returns an error if runID is empty.
func NewClient(redisOpts *redis.Options, runID string) (*Client, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}

	return &Client{
		rdb:   redis.NewClient(redisOpts),
		runID: runID,
	}, nil
}

// RunID returns the run this client is scoped to.
func (c *Client) RunID() string {
	return c.runID
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// EnsureRun writes the run record if it does not already exist.
// Idempotent: calling it again for the same run is a no-op and the original
// StartedAtMs is preserved.
func (c *Client) EnsureRun(ctx context.Context, rootKey string) error {
	if rootKey == "" {
		return fmt.Errorf("root key cannot be empty")
	}

	run := Run{
		ID:          c.runID,
		RootKey:     rootKey,
		StartedAtMs: time.Now().UnixMilli(),
	}

	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	// SetNX keeps the first writer's record.
	if err := c.rdb.SetNX(ctx, RunKey(c.runID), runJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return nil
}

// GetRun retrieves the run record.
// Returns (nil, redis.Nil) if it does not exist; use IsNotFound() to check.
func (c *Client) GetRun(ctx context.Context) (*Run, error) {
	runJSON, err := c.rdb.Get(ctx, RunKey(c.runID)).Result()
	if err != nil {
		return nil, err
	}

	var run Run
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}

	return &run, nil
}

// EnsureAgentNode upserts a mirrored node record.
// The workflow calls this with copies of engine-owned nodes; the write is a
// full overwrite of the derived fields.
func (c *Client) EnsureAgentNode(ctx context.Context, n *AgentNode) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}

	if n.UpdatedAtMs == 0 {
		n.UpdatedAtMs = time.Now().UnixMilli()
	}

	hash, err := NodeToHash(n)
	if err != nil {
		return fmt.Errorf("failed to serialize node: %w", err)
	}

	key := NodeKey(c.runID, n.Key)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write node to Redis: %w", err)
	}

	return nil
}

// GetAgentNode retrieves a mirrored node by key.
// Returns (nil, redis.Nil) if the node doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetAgentNode(ctx context.Context, nodeKey string) (*AgentNode, error) {
	key := NodeKey(c.runID, nodeKey)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	node, err := HashToNode(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize node: %w", err)
	}

	return node, nil
}

// RecordExpansion writes an expansion record, indexes it by creation time, and
// publishes a workflow event. Idempotent for a given expansion ID.
func (c *Client) RecordExpansion(ctx context.Context, e *Expansion) error {
	if e.RunID == "" {
		e.RunID = c.runID
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}

	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid expansion: %w", err)
	}

	key := ExpansionKey(c.runID, e.ID)
	if err := c.rdb.HSet(ctx, key, ExpansionToHash(e)).Err(); err != nil {
		return fmt.Errorf("failed to write expansion to Redis: %w", err)
	}

	index := ExpansionsIndexKey(c.runID)
	if err := c.rdb.ZAdd(ctx, index, redis.Z{
		Score:  float64(e.CreatedAtMs),
		Member: e.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index expansion: %w", err)
	}

	return c.publishEvent(ctx, &Event{Kind: EventExpansion, RunID: c.runID, Expansion: e})
}

// RecordEvaluation writes an evaluation record, indexes it by creation time,
// and publishes a workflow event. Idempotent for a given evaluation ID.
func (c *Client) RecordEvaluation(ctx context.Context, e *Evaluation) error {
	if e.RunID == "" {
		e.RunID = c.runID
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}

	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid evaluation: %w", err)
	}

	key := EvaluationKey(c.runID, e.ID)
	if err := c.rdb.HSet(ctx, key, EvaluationToHash(e)).Err(); err != nil {
		return fmt.Errorf("failed to write evaluation to Redis: %w", err)
	}

	index := EvaluationsIndexKey(c.runID)
	if err := c.rdb.ZAdd(ctx, index, redis.Z{
		Score:  float64(e.CreatedAtMs),
		Member: e.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index evaluation: %w", err)
	}

	return c.publishEvent(ctx, &Event{Kind: EventEvaluation, RunID: c.runID, Evaluation: e})
}

// ListExpansions returns the run's expansion records in creation order.
// limit <= 0 returns all of them.
func (c *Client) ListExpansions(ctx context.Context, limit int) ([]*Expansion, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := c.rdb.ZRange(ctx, ExpansionsIndexKey(c.runID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read expansion index: %w", err)
	}

	expansions := make([]*Expansion, 0, len(ids))
	for _, id := range ids {
		hashData, err := c.rdb.HGetAll(ctx, ExpansionKey(c.runID, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read expansion %s: %w", id, err)
		}
		if len(hashData) == 0 {
			// Index entry without a record; skip rather than fail the listing.
			continue
		}

		e, err := HashToExpansion(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize expansion %s: %w", id, err)
		}
		expansions = append(expansions, e)
	}

	return expansions, nil
}

// ListEvaluations returns the run's evaluation records in creation order.
// limit <= 0 returns all of them.
func (c *Client) ListEvaluations(ctx context.Context, limit int) ([]*Evaluation, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := c.rdb.ZRange(ctx, EvaluationsIndexKey(c.runID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation index: %w", err)
	}

	evaluations := make([]*Evaluation, 0, len(ids))
	for _, id := range ids {
		hashData, err := c.rdb.HGetAll(ctx, EvaluationKey(c.runID, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read evaluation %s: %w", id, err)
		}
		if len(hashData) == 0 {
			continue
		}

		e, err := HashToEvaluation(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize evaluation %s: %w", id, err)
		}
		evaluations = append(evaluations, e)
	}

	return evaluations, nil
}

// publishEvent announces a journal write on the workflow events channel.
func (c *Client) publishEvent(ctx context.Context, event *Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow event: %w", err)
	}

	channel := WorkflowEventsChannel(c.runID)
	if err := c.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish workflow event: %w", err)
	}

	return nil
}

// Subscription represents an active Pub/Sub subscription to workflow events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of workflow events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeWorkflowEvents subscribes to workflow events for this run.
// Returns a Subscription that delivers full event envelopes.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeWorkflowEvents(ctx context.Context) (*Subscription, error) {
	channel := WorkflowEventsChannel(c.runID)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal workflow event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

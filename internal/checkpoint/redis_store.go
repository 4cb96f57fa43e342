package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every checkpoint under an instance-namespaced key per
// sequence number. Keys zero-pad the sequence so lexicographic and numeric
// order agree; LoadLatest is simply the highest key.
//
// Key pattern: warren:{instance}:checkpoint:{sequence %020d}
type RedisStore struct {
	rdb      *redis.Client
	instance string
}

// NewRedisStore creates an ordered checkpoint store on the given Redis client.
func NewRedisStore(rdb *redis.Client, instance string) (*RedisStore, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisStore{rdb: rdb, instance: instance}, nil
}

// key renders the ordered key for a sequence number.
func (s *RedisStore) key(sequence uint64) string {
	return fmt.Sprintf("warren:%s:checkpoint:%020d", s.instance, sequence)
}

// pattern matches every checkpoint key for this instance.
func (s *RedisStore) pattern() string {
	return fmt.Sprintf("warren:%s:checkpoint:*", s.instance)
}

// Save writes the checkpoint under its sequence key.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.rdb.Set(ctx, s.key(cp.Sequence), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint to Redis: %w", err)
	}

	return nil
}

// LoadLatest finds the highest checkpoint key and reads it.
func (s *RedisStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	keys, err := s.rdb.Keys(ctx, s.pattern()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoCheckpoint
	}

	// Zero-padded sequences make the lexicographic maximum the newest.
	latest := keys[0]
	for _, k := range keys[1:] {
		if k > latest {
			latest = k
		}
	}

	data, err := s.rdb.Get(ctx, latest).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", latest, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", latest, err)
	}

	return &cp, nil
}

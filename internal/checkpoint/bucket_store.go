package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound is returned by Bucket.Get for missing keys.
var ErrObjectNotFound = errors.New("checkpoint: object not found")

// Bucket is the minimal object-store surface the BucketStore needs. An S3 or
// GCS adapter only has to implement these two calls.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// latestPointerKey names the small pointer object that records the newest
// checkpoint object key.
const latestPointerKey = "latest"

// latestPointer is the pointer object's JSON payload.
type latestPointer struct {
	Key      string `json:"key"`
	Sequence uint64 `json:"sequence"`
}

// BucketStore is the object-store checkpoint flavor: one object per
// checkpoint, keyed by zero-padded sequence, plus a pointer object naming the
// latest key so LoadLatest needs no listing support.
type BucketStore struct {
	bucket Bucket
	prefix string
}

// NewBucketStore creates a bucket store. prefix may be empty; when set it is
// prepended to every object key ("prefix/0000...json").
func NewBucketStore(bucket Bucket, prefix string) *BucketStore {
	return &BucketStore{bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *BucketStore) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Save writes the checkpoint object, then updates the latest pointer.
func (s *BucketStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := s.objectKey(fmt.Sprintf("%020d.json", cp.Sequence))
	if err := s.bucket.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write checkpoint object %s: %w", key, err)
	}

	pointer, err := json.Marshal(latestPointer{Key: key, Sequence: cp.Sequence})
	if err != nil {
		return fmt.Errorf("failed to marshal latest pointer: %w", err)
	}
	if err := s.bucket.Put(ctx, s.objectKey(latestPointerKey), pointer); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}

	return nil
}

// LoadLatest follows the pointer object to the newest checkpoint.
func (s *BucketStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	pointerData, err := s.bucket.Get(ctx, s.objectKey(latestPointerKey))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest pointer: %w", err)
	}

	var pointer latestPointer
	if err := json.Unmarshal(pointerData, &pointer); err != nil {
		return nil, fmt.Errorf("failed to parse latest pointer: %w", err)
	}

	data, err := s.bucket.Get(ctx, pointer.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint object %s: %w", pointer.Key, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint object %s: %w", pointer.Key, err)
	}

	return &cp, nil
}

// DirBucket is a filesystem-backed Bucket, useful for local deployments and
// tests. Object keys map to files under the root directory.
type DirBucket struct {
	root string
}

// NewDirBucket creates a DirBucket rooted at dir, creating it if needed.
func NewDirBucket(dir string) (*DirBucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return &DirBucket{root: dir}, nil
}

// Put writes an object atomically (temp file + rename).
func (b *DirBucket) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".warren-object-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp object file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp object file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to place object file: %w", err)
	}

	return nil
}

// Get reads an object, returning ErrObjectNotFound for missing keys.
func (b *DirBucket) Get(ctx context.Context, key string) ([]byte, error) {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object file: %w", err)
	}
	return data, nil
}

package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// document is the on-disk layout: one JSON file holding every agent record
// plus the one-way secret hashes, rewritten wholesale and atomically on every
// mutation.
type document struct {
	Agents  map[string]*AgentStatus `json:"agents"`
	Secrets map[string]string       `json:"secrets"` // agent ID -> hex sha256 of heartbeat secret
}

// Registry is the durable agent directory. It is a synchronous component
// guarded by an OS-level mutex: it is reached both from request threads and
// from the workflow's persistence offload, and additionally runs a dedicated
// watchdog goroutine.
type Registry struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration

	agents  map[string]*AgentStatus
	secrets map[string]string

	watchStop chan struct{}
	watchDone chan struct{}
}

// Open loads (or initializes) the registry file at path. heartbeatTimeout is
// the lag beyond which an agent is considered unavailable and the watchdog
// demotes it to offline.
func Open(path string, heartbeatTimeout time.Duration) (*Registry, error) {
	if heartbeatTimeout <= 0 {
		return nil, fmt.Errorf("heartbeat timeout must be positive, got %v", heartbeatTimeout)
	}

	r := &Registry{
		path:    path,
		timeout: heartbeatTimeout,
		agents:  make(map[string]*AgentStatus),
		secrets: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	if doc.Agents != nil {
		r.agents = doc.Agents
	}
	if doc.Secrets != nil {
		r.secrets = doc.Secrets
	}

	return r, nil
}

// HeartbeatTimeout returns the configured liveness timeout.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.timeout
}

// Register creates a durable record for a new agent. The optional secret is
// stored only as a one-way hash. Returns ErrAlreadyRegistered for known IDs.
func (r *Registry) Register(a AgentStatus, secret string) error {
	if a.ID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if err := a.Status.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.ID)
	}

	now := time.Now().UTC()
	a.RegisteredAt = now
	a.UpdatedAt = now
	a.LastHeartbeat = now
	a.HeartbeatLagMs = 0

	r.agents[a.ID] = &a
	if secret != "" {
		r.secrets[a.ID] = hashSecret(secret)
	}

	return r.persistLocked()
}

// Update replaces the mutable fields of an existing record. A write is a
// no-op when nothing actually changed. Returns ErrNotFound for unknown IDs.
func (r *Registry) Update(a AgentStatus) error {
	if a.ID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if a.Status != "" {
		if err := a.Status.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.agents[a.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}

	next := *cur
	next.Owner = a.Owner
	next.Region = a.Region
	next.Capabilities = a.Capabilities
	next.Stake = a.Stake
	next.Security = a.Security
	next.Router = a.Router
	if a.Status != "" {
		next.Status = a.Status
	}

	// Compare before stamping UpdatedAt so an identical update skips the write.
	if reflect.DeepEqual(*cur, next) {
		return nil
	}

	next.UpdatedAt = time.Now().UTC()
	r.agents[a.ID] = &next

	return r.persistLocked()
}

// Deregister removes an agent record and its secret hash.
// Returns ErrNotFound for unknown IDs.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(r.agents, id)
	delete(r.secrets, id)

	return r.persistLocked()
}

// RecordHeartbeat refreshes an agent's liveness. Fails with ErrUnauthorized on
// secret mismatch. A successful heartbeat flips the agent to active unless it
// was explicitly suspended, and may refresh the router hint and capability set.
func (r *Registry) RecordHeartbeat(id, secret string, opts *HeartbeatOpts) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if stored, hasSecret := r.secrets[id]; hasSecret {
		if !secretMatches(stored, secret) {
			return fmt.Errorf("%w: heartbeat secret mismatch for %s", ErrUnauthorized, id)
		}
	}

	now := time.Now().UTC()
	next := *a
	next.LastHeartbeat = now
	next.UpdatedAt = now
	if next.Status != StatusSuspended {
		next.Status = StatusActive
	}
	if opts != nil {
		if opts.Router != "" {
			next.Router = opts.Router
		}
		if opts.Capabilities != nil {
			next.Capabilities = opts.Capabilities
		}
	}
	r.agents[id] = &next

	return r.persistLocked()
}

// Get returns a copy of one record annotated with its heartbeat lag.
// Returns ErrNotFound for unknown IDs.
func (r *Registry) Get(id string) (*AgentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return r.annotatedCopyLocked(a), nil
}

// List returns copies of every record annotated with heartbeat lag.
func (r *Registry) List() []*AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*AgentStatus, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, r.annotatedCopyLocked(a))
	}
	return out
}

// StartWatchdog launches the background poller. It runs at half the heartbeat
// timeout, demoting any non-suspended agent whose lag exceeds the timeout to
// offline, independently of request handling. Call Close to stop it.
func (r *Registry) StartWatchdog() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watchStop != nil {
		return // already running
	}
	r.watchStop = make(chan struct{})
	r.watchDone = make(chan struct{})

	go r.watch(r.watchStop, r.watchDone)
}

// Close stops the watchdog, if running.
func (r *Registry) Close() error {
	r.mu.Lock()
	stop := r.watchStop
	done := r.watchDone
	r.watchStop = nil
	r.watchDone = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// watch is the watchdog loop.
func (r *Registry) watch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.timeout / 2)
	defer ticker.Stop()

	log.Printf("[Registry] Watchdog started (interval: %v, timeout: %v)", r.timeout/2, r.timeout)

	for {
		select {
		case <-stop:
			log.Printf("[Registry] Watchdog stopped")
			return
		case <-ticker.C:
			r.demoteStale()
		}
	}
}

// demoteStale flips non-suspended agents whose lag exceeds the timeout to
// offline, persisting once when anything changed.
func (r *Registry) demoteStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	changed := 0
	for id, a := range r.agents {
		if a.Status == StatusSuspended || a.Status == StatusOffline {
			continue
		}
		if now.Sub(a.LastHeartbeat) <= r.timeout {
			continue
		}

		next := *a
		next.Status = StatusOffline
		next.UpdatedAt = now
		r.agents[id] = &next
		changed++

		log.Printf("[Registry] Agent %s demoted to offline (lag: %v)", id, now.Sub(a.LastHeartbeat).Round(time.Millisecond))
	}

	if changed > 0 {
		if err := r.persistLocked(); err != nil {
			log.Printf("[Registry] Warning: failed to persist watchdog demotions: %v", err)
		}
	}
}

// availableLocked reports whether an agent may receive work right now:
// not suspended or offline, and heartbeating within the timeout.
func (r *Registry) availableLocked(a *AgentStatus) bool {
	if a.Status == StatusSuspended || a.Status == StatusOffline {
		return false
	}
	return time.Since(a.LastHeartbeat) < r.timeout
}

// annotatedCopyLocked copies a record and computes its heartbeat lag.
func (r *Registry) annotatedCopyLocked(a *AgentStatus) *AgentStatus {
	out := *a
	out.HeartbeatLagMs = time.Since(a.LastHeartbeat).Milliseconds()
	return &out
}

// persistLocked atomically rewrites the full record set: temp file in the
// same directory, then rename.
func (r *Registry) persistLocked() error {
	doc := document{
		Agents:  make(map[string]*AgentStatus, len(r.agents)),
		Secrets: r.secrets,
	}
	for id, a := range r.agents {
		// The derived lag never reaches disk.
		clean := *a
		clean.HeartbeatLagMs = 0
		doc.Agents[id] = &clean
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry document: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".warren-registry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}

	return nil
}

// hashSecret returns the hex sha256 of a heartbeat secret. Secrets are never
// stored in the clear.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares a presented secret against a stored hash in constant
// time.
func secretMatches(storedHex, presented string) bool {
	presentedHex := hashSecret(presented)
	return subtle.ConstantTimeCompare([]byte(storedHex), []byte(presentedHex)) == 1
}

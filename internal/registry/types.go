// Package registry maintains the durable directory of remote worker agents:
// registration, liveness tracking via authenticated heartbeats, a background
// watchdog demoting silent agents, and failover selection when a workflow step
// references an agent that is no longer available.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	// StatusActive means the agent is heartbeating within the timeout.
	StatusActive Status = "active"

	// StatusSuspended means an operator has taken the agent out of rotation.
	// Heartbeats refresh liveness but do not reactivate a suspended agent.
	StatusSuspended Status = "suspended"

	// StatusOffline means the watchdog demoted the agent after its heartbeat
	// lag exceeded the timeout.
	StatusOffline Status = "offline"
)

// Validate checks the Status is a known enum value.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusSuspended, StatusOffline:
		return nil
	default:
		return fmt.Errorf("unknown agent status: %q", s)
	}
}

// Stake describes the economic weight backing an agent. Higher stake wins
// failover ties.
type Stake struct {
	Amount float64 `json:"amount"`
	Symbol string  `json:"symbol,omitempty"`
}

// AgentStatus is one durable agent record.
//
// HeartbeatLagMs is derived at read time from LastHeartbeat and is never
// persisted; the registry zeroes it before every file write.
type AgentStatus struct {
	ID            string            `json:"id"`
	Owner         string            `json:"owner,omitempty"`
	Region        string            `json:"region,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Stake         Stake             `json:"stake"`
	Security      map[string]string `json:"security,omitempty"` // Security descriptor (attestation, key refs)
	Router        string            `json:"router,omitempty"`   // Router hint for dispatch
	Status        Status            `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`

	HeartbeatLagMs int64 `json:"heartbeat_lag_ms,omitempty"` // Derived, read-time only
}

// HasCapability reports whether the agent advertises the given capability.
func (a *AgentStatus) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the agent advertises every listed capability.
func (a *AgentStatus) HasCapabilities(caps []string) bool {
	for _, c := range caps {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// HeartbeatOpts carries the optional fields a heartbeat may refresh alongside
// liveness.
type HeartbeatOpts struct {
	Router       string   // New router hint; empty leaves the current one
	Capabilities []string // Replacement capability set; nil leaves the current one
}

// Step is the unit a workflow hands to PrepareStep: the agents it wants to
// use, the capabilities the work requires, and its own parameter map, which
// may reference agent IDs by recognized field names.
type Step struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"` // Required of any replacement
	RegionHint   string            `json:"region_hint,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// AgentRefParams lists the step parameter field names recognized as agent
// references. When a candidate is replaced during failover, every one of
// these fields whose value is the replaced ID is rewritten to the new ID.
var AgentRefParams = []string{"agent_id", "agent", "assignee", "worker_id", "target_agent"}

// Sentinel errors surfaced immediately, never retried.
var (
	// ErrNotFound means no agent record exists for the ID.
	ErrNotFound = errors.New("registry: agent not found")

	// ErrUnauthorized means a heartbeat secret did not match the stored hash.
	ErrUnauthorized = errors.New("registry: unauthorized")

	// ErrAlreadyRegistered means Register was called for an existing ID.
	ErrAlreadyRegistered = errors.New("registry: agent already registered")
)

// AssignmentError reports that no eligible replacement exists for an
// unavailable step candidate. It is a distinct kind so callers can escalate
// to an operator rather than retry.
type AssignmentError struct {
	Step    string // Step name
	AgentID string // The unavailable candidate that could not be replaced
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("registry: no eligible replacement for agent %q in step %q", e.AgentID, e.Step)
}

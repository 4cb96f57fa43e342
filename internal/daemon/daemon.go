// Package daemon wires the orchestration core into the long-running warrend
// process: registry watchdog, periodic checkpoint snapshots, and the health
// endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kestrelhq/warren/internal/checkpoint"
	"github.com/kestrelhq/warren/internal/registry"
	"github.com/kestrelhq/warren/internal/thermostat"
	"github.com/kestrelhq/warren/internal/workflow"
)

// Options configures a Daemon.
type Options struct {
	Instance   string
	Registry   *registry.Registry
	Checkpoint *checkpoint.Manager
	Journal    Pinger

	// Workflow, when set, is the coordinator whose tree is folded into every
	// snapshot. The daemon does not own its lifecycle; the embedding process
	// closes it.
	Workflow *workflow.Workflow

	// Thermostat, when set alongside Workflow, is fed each completed
	// evaluation's reward on every snapshot tick.
	Thermostat *thermostat.Controller

	// SnapshotInterval controls the checkpoint ticker; 0 disables it.
	SnapshotInterval time.Duration

	// HealthAddr is the listen address of the /healthz server.
	HealthAddr string
}

// Daemon runs warren's background loops until its context is cancelled.
type Daemon struct {
	opts       Options
	health     *HealthServer
	evalCursor int
}

// New validates opts and builds a daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Instance == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal client is required")
	}
	if opts.Thermostat != nil && opts.Workflow == nil {
		return nil, fmt.Errorf("thermostat requires a workflow")
	}
	return &Daemon{opts: opts}, nil
}

// Run starts the watchdog, health server, and snapshot ticker, then blocks
// until ctx is cancelled. State from the most recent checkpoint is restored
// first; starting fresh is fine when none exists.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.opts.Checkpoint.RestoreRuntime(ctx); err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
		log.Printf("[Daemon] No checkpoint found, starting fresh")
	} else {
		log.Printf("[Daemon] Restored checkpoint sequence %d", d.opts.Checkpoint.Sequence())
	}

	d.opts.Registry.StartWatchdog()

	d.health = NewHealthServer(d.opts.Journal, d.opts.HealthAddr)
	if err := d.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	log.Printf("[Daemon] Instance '%s' running", d.opts.Instance)

	if d.opts.SnapshotInterval > 0 {
		ticker := time.NewTicker(d.opts.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return d.shutdown()
			case <-ticker.C:
				if err := d.Snapshot(ctx); err != nil {
					log.Printf("[Daemon] Snapshot failed: %v", err)
				}
			}
		}
	}

	<-ctx.Done()
	return d.shutdown()
}

// Snapshot folds the registry's current agent records, and the workflow tree
// when one is attached, into the checkpoint manager and persists one
// checkpoint. The scoreboard carries per-status agent counts and the current
// engine tunables for quick operator inspection.
func (d *Daemon) Snapshot(ctx context.Context) error {
	agents := d.opts.Registry.List()
	scoreboard := make(map[string]float64)
	for _, a := range agents {
		if err := d.opts.Checkpoint.UpsertNode(checkpoint.NodeAssignment{
			ID:            a.ID,
			Status:        string(a.Status),
			LastHeartbeat: a.LastHeartbeat,
			Meta: map[string]string{
				"owner":  a.Owner,
				"region": a.Region,
			},
		}); err != nil {
			return err
		}
		scoreboard["agents_"+string(a.Status)]++
	}
	scoreboard["agents_total"] = float64(len(agents))

	var jobs map[string]checkpoint.JobRun
	var plans map[string]json.RawMessage
	if d.opts.Workflow != nil {
		d.feedThermostat()

		nodes := d.opts.Workflow.Snapshot()
		jobs = make(map[string]checkpoint.JobRun, len(nodes))
		plans = make(map[string]json.RawMessage, len(nodes))
		for key, node := range nodes {
			status := "expanded"
			if node.Visits > 0 {
				status = "evaluated"
			}
			jobs[key] = checkpoint.JobRun{Status: status}
			data, err := json.Marshal(node)
			if err != nil {
				return fmt.Errorf("failed to encode workflow node '%s': %w", key, err)
			}
			plans[key] = data
		}

		cfg := d.opts.Workflow.EngineConfig()
		scoreboard["workflow_nodes"] = float64(len(nodes))
		scoreboard["exploration_bias"] = cfg.ExplorationBias
		scoreboard["temperature"] = cfg.Temperature
	}

	cp, err := d.opts.Checkpoint.SnapshotRuntime(ctx, jobs, plans, scoreboard)
	if err != nil {
		return err
	}
	log.Printf("[Daemon] Checkpoint sequence %d persisted (%d agents)", cp.Sequence, len(agents))
	return nil
}

// feedThermostat pushes evaluation rewards recorded since the previous call
// into the controller. Failed evaluations carry no reward and are skipped.
func (d *Daemon) feedThermostat() {
	if d.opts.Thermostat == nil {
		return
	}
	evals := d.opts.Workflow.Evaluations()
	for ; d.evalCursor < len(evals); d.evalCursor++ {
		e := evals[d.evalCursor]
		if e.Error != "" {
			continue
		}
		adj := d.opts.Thermostat.Ingest(thermostat.Sample{
			Timestamp: time.UnixMilli(e.CreatedAtMs),
			Return:    e.Reward,
		})
		if adj != nil {
			log.Printf("[Daemon] Thermostat %s: mean=%.3f bias %.3f->%.3f temp %.3f->%.3f applied=%t",
				adj.Direction, adj.MeanReturn,
				adj.Before.ExplorationBias, adj.After.ExplorationBias,
				adj.Before.Temperature, adj.After.Temperature, adj.Applied)
		}
	}
}

func (d *Daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Let in-flight workflow units settle, then one final snapshot before
	// going down, so a restart resumes from the freshest state available.
	if d.opts.Workflow != nil {
		d.opts.Workflow.Drain()
	}
	if err := d.Snapshot(shutdownCtx); err != nil {
		log.Printf("[Daemon] Final snapshot failed: %v", err)
	}

	if err := d.health.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Daemon] Health server shutdown error: %v", err)
	}
	return d.opts.Registry.Close()
}

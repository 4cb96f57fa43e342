package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/warren/internal/scheduler"
	"github.com/kestrelhq/warren/pkg/journal"
)

// Recorder is the slice of the journal client the workflow persists through.
type Recorder interface {
	EnsureRun(ctx context.Context, rootKey string) error
	EnsureAgentNode(ctx context.Context, n *journal.AgentNode) error
	RecordExpansion(ctx context.Context, e *journal.Expansion) error
	RecordEvaluation(ctx context.Context, e *journal.Evaluation) error
}

// ExpansionWork produces the payload for one expansion of action under a
// parent node. It runs outside the engine lock.
type ExpansionWork func(ctx context.Context, action string) (payload string, err error)

// EvaluationWork produces a weighted reward for one node. It runs outside
// the engine lock.
type EvaluationWork func(ctx context.Context) (reward, weight float64, err error)

// Workflow drives expansion and evaluation of an engine-owned tree through
// the task scheduler. All engine access is serialized behind engineMu; the
// busy set keeps at most one in-flight unit per tree key.
type Workflow struct {
	runID   string
	rootKey string

	engineMu sync.Mutex
	engine   Engine

	mu          sync.Mutex
	busy        map[string]struct{}
	expansions  []journal.Expansion
	evaluations []journal.Evaluation

	sched     *scheduler.Scheduler
	recorder  Recorder
	persister *persister
}

// New wires a workflow over engine, registers the run with the recorder, and
// ensures the root node exists on both sides.
func New(runID, rootKey string, engine Engine, sched *scheduler.Scheduler, recorder Recorder) (*Workflow, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if rootKey == "" {
		return nil, fmt.Errorf("root key is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}

	w := &Workflow{
		runID:     runID,
		rootKey:   rootKey,
		engine:    engine,
		busy:      make(map[string]struct{}),
		sched:     sched,
		recorder:  recorder,
		persister: newPersister(64),
	}

	if _, err := w.EnsureNode(context.Background(), rootKey, nil); err != nil {
		w.persister.close()
		return nil, fmt.Errorf("failed to ensure root node %q: %w", rootKey, err)
	}
	w.persister.enqueue(func(ctx context.Context) {
		if err := recorder.EnsureRun(ctx, rootKey); err != nil {
			logEvent("persist_failed", map[string]interface{}{
				"op":     "ensure_run",
				"run_id": runID,
				"error":  err.Error(),
			})
		}
	})
	return w, nil
}

// RunID returns the run this workflow is driving.
func (w *Workflow) RunID() string {
	return w.runID
}

// RootKey returns the key of the tree root.
func (w *Workflow) RootKey() string {
	return w.rootKey
}

// ChildKey derives the tree key of action's child under parentKey.
func ChildKey(parentKey, action string) string {
	return parentKey + "/" + action
}

// EnsureNode creates or fetches the node at key under the engine lock and
// mirrors it to the journal asynchronously.
func (w *Workflow) EnsureNode(ctx context.Context, key string, meta map[string]string) (*Node, error) {
	w.engineMu.Lock()
	node, err := w.engine.EnsureNode(key, meta)
	w.engineMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure node %q: %w", key, err)
	}
	w.persistNode(node)
	return node, nil
}

// ScheduleExpansion asks the engine for the next unexpanded action under
// parentKey and schedules work(action) for it. It returns false when the
// engine has no action left, the child key is already busy, or the scheduler
// declines the unit.
func (w *Workflow) ScheduleExpansion(ctx context.Context, parentKey string, candidates []string, work ExpansionWork) bool {
	w.engineMu.Lock()
	action, ok := w.engine.NextAction(parentKey, candidates)
	w.engineMu.Unlock()
	if !ok {
		return false
	}

	childKey := ChildKey(parentKey, action)
	if !w.markBusy(childKey) {
		return false
	}

	unitID := "expand:" + childKey
	var payload string
	run := func(ctx context.Context) error {
		out, err := work(ctx, action)
		if err != nil {
			return err
		}
		w.engineMu.Lock()
		err = w.engine.RecordExpansion(parentKey, action, out)
		w.engineMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to record expansion of %q: %w", childKey, err)
		}
		payload = out
		return nil
	}
	hook := func(success bool, err error) {
		w.releaseBusy(childKey)
		exp := journal.Expansion{
			ID:          unitID,
			RunID:       w.runID,
			ParentKey:   parentKey,
			Action:      action,
			ChildKey:    childKey,
			Payload:     payload,
			Attempts:    w.sched.Attempts(unitID),
			CreatedAtMs: time.Now().UnixMilli(),
		}
		if err != nil {
			exp.Error = err.Error()
		}
		w.mu.Lock()
		w.expansions = append(w.expansions, exp)
		w.mu.Unlock()
		w.persister.enqueue(func(ctx context.Context) {
			if perr := w.recorder.RecordExpansion(ctx, &exp); perr != nil {
				logEvent("persist_failed", map[string]interface{}{
					"op":        "record_expansion",
					"child_key": childKey,
					"error":     perr.Error(),
				})
			}
		})
		if success {
			w.persistEngineNode(childKey)
			w.persistEngineNode(parentKey)
		}
	}

	if !w.sched.Schedule(ctx, unitID, run, hook) {
		w.releaseBusy(childKey)
		return false
	}
	return true
}

// ScheduleEvaluation schedules work() for the node at nodeKey and feeds the
// resulting weighted reward back into the engine. Unlike expansions, a node
// may be evaluated any number of times, so every unit gets a fresh scheduler
// ID; the busy set still keeps concurrent evaluations of one key apart. It
// returns false when the key is busy or the scheduler declines the unit.
func (w *Workflow) ScheduleEvaluation(ctx context.Context, nodeKey string, work EvaluationWork) (bool, error) {
	if _, err := w.EnsureNode(ctx, nodeKey, nil); err != nil {
		return false, err
	}
	if !w.markBusy(nodeKey) {
		return false, nil
	}

	unitID := "eval:" + nodeKey + ":" + uuid.New().String()
	var reward, weight float64
	run := func(ctx context.Context) error {
		r, wt, err := work(ctx)
		if err != nil {
			return err
		}
		w.engineMu.Lock()
		err = w.engine.RecordEvaluation(nodeKey, r, wt)
		w.engineMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to record evaluation of %q: %w", nodeKey, err)
		}
		reward, weight = r, wt
		return nil
	}
	hook := func(success bool, err error) {
		w.releaseBusy(nodeKey)
		ev := journal.Evaluation{
			ID:          unitID,
			RunID:       w.runID,
			NodeKey:     nodeKey,
			Reward:      reward,
			Weight:      weight,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		w.mu.Lock()
		w.evaluations = append(w.evaluations, ev)
		w.mu.Unlock()
		w.persister.enqueue(func(ctx context.Context) {
			if perr := w.recorder.RecordEvaluation(ctx, &ev); perr != nil {
				logEvent("persist_failed", map[string]interface{}{
					"op":       "record_evaluation",
					"node_key": nodeKey,
					"error":    perr.Error(),
				})
			}
		})
		if success {
			w.persistEngineNode(nodeKey)
		}
	}

	if !w.sched.Schedule(ctx, unitID, run, hook) {
		w.releaseBusy(nodeKey)
		return false, nil
	}
	return true, nil
}

// Drain blocks until every scheduled unit has finished, then flushes the
// persistence queue.
func (w *Workflow) Drain() {
	w.sched.WaitForAll()
}

// Close drains outstanding work and stops the persister goroutine.
func (w *Workflow) Close() {
	w.Drain()
	w.persister.close()
}

// Snapshot returns a copy of the engine's tree taken under the engine lock.
func (w *Workflow) Snapshot() map[string]*Node {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()
	return w.engine.Snapshot()
}

// EngineConfig reads the engine's tunables under the engine lock.
func (w *Workflow) EngineConfig() EngineConfig {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()
	return w.engine.Config()
}

// UpdateEngineParameters applies patch under the engine lock and returns the
// resulting config.
func (w *Workflow) UpdateEngineParameters(patch ParameterPatch) EngineConfig {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()
	return w.engine.UpdateParameters(patch)
}

// Busy reports whether key currently has an in-flight unit.
func (w *Workflow) Busy(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.busy[key]
	return ok
}

// Expansions returns a copy of the mirrored expansion event log.
func (w *Workflow) Expansions() []journal.Expansion {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]journal.Expansion, len(w.expansions))
	copy(out, w.expansions)
	return out
}

// Evaluations returns a copy of the mirrored evaluation event log.
func (w *Workflow) Evaluations() []journal.Evaluation {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]journal.Evaluation, len(w.evaluations))
	copy(out, w.evaluations)
	return out
}

func (w *Workflow) markBusy(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.busy[key]; ok {
		return false
	}
	w.busy[key] = struct{}{}
	return true
}

func (w *Workflow) releaseBusy(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.busy, key)
}

// persistEngineNode snapshots one node under the engine lock and mirrors it
// to the journal. Missing keys are ignored; the engine may not have created
// the node when the unit failed early.
func (w *Workflow) persistEngineNode(key string) {
	w.engineMu.Lock()
	node, ok := w.engine.Snapshot()[key]
	w.engineMu.Unlock()
	if !ok {
		return
	}
	w.persistNode(node)
}

func (w *Workflow) persistNode(node *Node) {
	record := &journal.AgentNode{
		Key:         node.Key,
		ParentKey:   node.ParentKey,
		Meta:        node.Meta,
		Visits:      node.Visits,
		TotalReward: node.TotalReward,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	w.persister.enqueue(func(ctx context.Context) {
		if err := w.recorder.EnsureAgentNode(ctx, record); err != nil {
			logEvent("persist_failed", map[string]interface{}{
				"op":       "ensure_node",
				"node_key": record.Key,
				"error":    err.Error(),
			})
		}
	})
}

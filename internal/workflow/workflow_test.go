package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/warren/internal/scheduler"
	"github.com/kestrelhq/warren/pkg/journal"
)

// fakeEngine is a minimal in-memory Engine for exercising the workflow. It
// hands out actions in order and tracks what was recorded.
type fakeEngine struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	pending map[string][]string
	repeat  bool // re-yield expanded actions instead of consuming them
	config  EngineConfig

	ensureErr error
	recordErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		nodes:   make(map[string]*Node),
		pending: make(map[string][]string),
		config:  EngineConfig{ExplorationBias: 1.4, Temperature: 1.0},
	}
}

func (e *fakeEngine) EnsureNode(key string, meta map[string]string) (*Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensureErr != nil {
		return nil, e.ensureErr
	}
	n, ok := e.nodes[key]
	if !ok {
		n = &Node{Key: key, Meta: meta}
		e.nodes[key] = n
	}
	cp := *n
	return &cp, nil
}

func (e *fakeEngine) NextAction(parentKey string, candidates []string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	queued, ok := e.pending[parentKey]
	if !ok {
		queued = append([]string(nil), candidates...)
		e.pending[parentKey] = queued
	}
	if len(queued) == 0 {
		return "", false
	}
	action := queued[0]
	if !e.repeat {
		e.pending[parentKey] = queued[1:]
	}
	return action, true
}

func (e *fakeEngine) RecordExpansion(parentKey, action, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recordErr != nil {
		return e.recordErr
	}
	child := parentKey + "/" + action
	e.nodes[child] = &Node{Key: child, ParentKey: parentKey, Meta: map[string]string{"payload": payload}}
	return nil
}

func (e *fakeEngine) RecordEvaluation(key string, reward, weight float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[key]
	if !ok {
		return fmt.Errorf("no node %q", key)
	}
	n.Visits++
	n.TotalReward += reward * weight
	return nil
}

func (e *fakeEngine) Snapshot() map[string]*Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Node, len(e.nodes))
	for k, n := range e.nodes {
		cp := *n
		out[k] = &cp
	}
	return out
}

func (e *fakeEngine) Config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *fakeEngine) UpdateParameters(patch ParameterPatch) EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if patch.ExplorationBias != nil {
		e.config.ExplorationBias = *patch.ExplorationBias
	}
	if patch.Temperature != nil {
		e.config.Temperature = *patch.Temperature
	}
	return e.config
}

// fakeRecorder captures journal writes in memory.
type fakeRecorder struct {
	mu          sync.Mutex
	runs        []string
	nodes       []*journal.AgentNode
	expansions  []*journal.Expansion
	evaluations []*journal.Evaluation
}

func (r *fakeRecorder) EnsureRun(ctx context.Context, rootKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rootKey)
	return nil
}

func (r *fakeRecorder) EnsureAgentNode(ctx context.Context, n *journal.AgentNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, n)
	return nil
}

func (r *fakeRecorder) RecordExpansion(ctx context.Context, e *journal.Expansion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expansions = append(r.expansions, e)
	return nil
}

func (r *fakeRecorder) RecordEvaluation(ctx context.Context, e *journal.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations = append(r.evaluations, e)
	return nil
}

func newTestWorkflow(t *testing.T, engine Engine, limit int, policy scheduler.RetryPolicy) (*Workflow, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	sched := scheduler.New(limit, policy)
	w, err := New("run-1", "root", engine, sched, rec)
	require.NoError(t, err)
	return w, rec
}

func TestNewValidation(t *testing.T) {
	engine := newFakeEngine()
	sched := scheduler.New(1, scheduler.RetryPolicy{Attempts: 1})
	rec := &fakeRecorder{}

	_, err := New("", "root", engine, sched, rec)
	assert.Error(t, err)
	_, err = New("run-1", "", engine, sched, rec)
	assert.Error(t, err)
	_, err = New("run-1", "root", nil, sched, rec)
	assert.Error(t, err)
	_, err = New("run-1", "root", engine, nil, rec)
	assert.Error(t, err)
	_, err = New("run-1", "root", engine, sched, nil)
	assert.Error(t, err)
}

func TestNewEnsuresRootAndRun(t *testing.T) {
	engine := newFakeEngine()
	w, rec := newTestWorkflow(t, engine, 2, scheduler.RetryPolicy{Attempts: 1})
	w.Close()

	_, ok := engine.Snapshot()["root"]
	assert.True(t, ok, "root node should exist in the engine")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"root"}, rec.runs)
	require.NotEmpty(t, rec.nodes)
	assert.Equal(t, "root", rec.nodes[0].Key)
}

func TestScheduleExpansionRunsAllActions(t *testing.T) {
	engine := newFakeEngine()
	w, rec := newTestWorkflow(t, engine, 3, scheduler.RetryPolicy{Attempts: 1})

	actions := []string{"a", "b", "c", "d", "e"}
	var peak, inFlight int64
	work := func(ctx context.Context, action string) (string, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "out-" + action, nil
	}

	scheduled := 0
	for w.ScheduleExpansion(context.Background(), "root", actions, work) {
		scheduled++
	}
	assert.Equal(t, 5, scheduled)
	w.Close()

	assert.LessOrEqual(t, peak, int64(3), "concurrency ceiling breached")

	snap := w.Snapshot()
	for _, action := range actions {
		child, ok := snap["root/"+action]
		require.True(t, ok, "child root/%s missing", action)
		assert.Equal(t, "root", child.ParentKey)
		assert.Equal(t, "out-"+action, child.Meta["payload"])
	}

	mirrored := w.Expansions()
	require.Len(t, mirrored, 5)
	for _, exp := range mirrored {
		assert.Empty(t, exp.Error)
		assert.Equal(t, "run-1", exp.RunID)
		assert.Equal(t, 1, exp.Attempts)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.expansions, 5)
}

func TestScheduleExpansionTransientFailuresRecover(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 3, scheduler.RetryPolicy{Attempts: 2, Backoff: time.Millisecond})

	actions := []string{"a", "b", "c", "d", "e"}
	flaky := map[string]bool{"b": true, "d": true}
	var mu sync.Mutex
	failed := make(map[string]bool)
	work := func(ctx context.Context, action string) (string, error) {
		mu.Lock()
		shouldFail := flaky[action] && !failed[action]
		if shouldFail {
			failed[action] = true
		}
		mu.Unlock()
		if shouldFail {
			return "", errors.New("transient")
		}
		return "out-" + action, nil
	}

	for w.ScheduleExpansion(context.Background(), "root", actions, work) {
	}
	w.Close()

	snap := w.Snapshot()
	for _, action := range actions {
		_, ok := snap["root/"+action]
		assert.True(t, ok, "child root/%s should be completed", action)
	}
	for _, exp := range w.Expansions() {
		assert.Empty(t, exp.Error)
		if flaky[exp.Action] {
			assert.Equal(t, 2, exp.Attempts)
		} else {
			assert.Equal(t, 1, exp.Attempts)
		}
	}
}

func TestScheduleExpansionNoActionsLeft(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 1})
	defer w.Close()

	ok := w.ScheduleExpansion(context.Background(), "root", nil, func(ctx context.Context, action string) (string, error) {
		return "", nil
	})
	assert.False(t, ok)
}

func TestScheduleExpansionDedupAcrossReschedule(t *testing.T) {
	engine := newFakeEngine()
	engine.repeat = true // keep yielding the same action
	w, _ := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 1})
	defer w.Close()

	work := func(ctx context.Context, action string) (string, error) { return "out", nil }

	ok := w.ScheduleExpansion(context.Background(), "root", []string{"a"}, work)
	assert.True(t, ok)
	w.Drain()

	// Same child key maps to the same unit ID; the scheduler refuses the
	// repeat and the busy mark is released again.
	ok = w.ScheduleExpansion(context.Background(), "root", []string{"a"}, work)
	assert.False(t, ok)
	assert.False(t, w.Busy("root/a"))
	assert.Len(t, w.Expansions(), 1)
}

// TestDrainWaitsForCompletionSideEffects verifies Drain does not return until
// completion side effects have landed: the busy key is released and the
// mirrored record is visible, so the caller can immediately reason about the
// key's idleness.
func TestDrainWaitsForCompletionSideEffects(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 1})
	defer w.Close()

	ok := w.ScheduleExpansion(context.Background(), "root", []string{"a"}, func(ctx context.Context, action string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "out", nil
	})
	require.True(t, ok)

	w.Drain()

	assert.False(t, w.Busy("root/a"), "busy key must be released once Drain returns")
	mirrored := w.Expansions()
	require.Len(t, mirrored, 1)
	assert.Empty(t, mirrored[0].Error)
}

func TestScheduleExpansionRetriesThenRecordsFailure(t *testing.T) {
	engine := newFakeEngine()
	w, rec := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 2, Backoff: time.Millisecond})

	boom := errors.New("tool exploded")
	var calls int64
	ok := w.ScheduleExpansion(context.Background(), "root", []string{"a"}, func(ctx context.Context, action string) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", boom
	})
	require.True(t, ok)
	w.Close()

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	mirrored := w.Expansions()
	require.Len(t, mirrored, 1)
	assert.Equal(t, boom.Error(), mirrored[0].Error)
	assert.Equal(t, 2, mirrored[0].Attempts)
	assert.False(t, w.Busy("root/a"))

	_, created := engine.Snapshot()["root/a"]
	assert.False(t, created, "failed expansion must not create the child node")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.expansions, 1)
	assert.Equal(t, boom.Error(), rec.expansions[0].Error)
}

func TestScheduleEvaluationAppliesWeightedReward(t *testing.T) {
	engine := newFakeEngine()
	w, rec := newTestWorkflow(t, engine, 2, scheduler.RetryPolicy{Attempts: 1})

	ok, err := w.ScheduleEvaluation(context.Background(), "root", func(ctx context.Context) (float64, float64, error) {
		return 0.8, 2.0, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	w.Drain()

	// Evaluations carry fresh unit IDs, so the same node can be scored again.
	ok, err = w.ScheduleEvaluation(context.Background(), "root", func(ctx context.Context) (float64, float64, error) {
		return 0.5, 1.0, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	w.Close()

	root := w.Snapshot()["root"]
	require.NotNil(t, root)
	assert.Equal(t, int64(2), root.Visits)
	assert.InDelta(t, 2.1, root.TotalReward, 1e-9)

	require.Len(t, w.Evaluations(), 2)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.evaluations, 2)
}

func TestScheduleEvaluationBusyKeyRefused(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 2, scheduler.RetryPolicy{Attempts: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	ok, err := w.ScheduleEvaluation(context.Background(), "root", func(ctx context.Context) (float64, float64, error) {
		close(started)
		<-release
		return 1, 1, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	ok, err = w.ScheduleEvaluation(context.Background(), "root", func(ctx context.Context) (float64, float64, error) {
		return 1, 1, nil
	})
	require.NoError(t, err)
	assert.False(t, ok, "busy key must refuse a second evaluation")

	close(release)
	w.Close()
	assert.False(t, w.Busy("root"))
	assert.Len(t, w.Evaluations(), 1)
}

func TestEnsureNodePropagatesEngineError(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 1})
	defer w.Close()

	engine.mu.Lock()
	engine.ensureErr = errors.New("engine offline")
	engine.mu.Unlock()

	_, err := w.EnsureNode(context.Background(), "root/x", nil)
	assert.ErrorContains(t, err, "engine offline")
}

func TestUpdateEngineParameters(t *testing.T) {
	engine := newFakeEngine()
	w, _ := newTestWorkflow(t, engine, 1, scheduler.RetryPolicy{Attempts: 1})
	defer w.Close()

	bias := 2.0
	got := w.UpdateEngineParameters(ParameterPatch{ExplorationBias: &bias})
	assert.Equal(t, 2.0, got.ExplorationBias)
	assert.Equal(t, 1.0, got.Temperature, "nil patch field must be left alone")

	cfg := w.EngineConfig()
	assert.Equal(t, got, cfg)
}

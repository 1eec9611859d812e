// Package registry tracks the lifecycle of ad-hoc agent runs: creation,
// execution through a pluggable policy, buffered step replay, and per-run
// subscription with the snapshot-then-tail pattern.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop-ai/careloop/internal/model"
)

// ErrNotFound is returned for run ids the registry has never seen.
var ErrNotFound = errors.New("registry: run not found")

// Executor produces a run's steps. The registry is agnostic to how: it
// hands the policy a RunContext and waits for a final message or an error.
type Executor interface {
	Execute(ctx context.Context, rc *RunContext) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, rc *RunContext) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, rc *RunContext) (string, error) {
	return f(ctx, rc)
}

// runState is one tracked run plus its live watchers. Watchers and the run
// share a lock so a snapshot and the tail registration are atomic.
type runState struct {
	mu       sync.Mutex
	run      model.Run
	params   map[string]any
	watchers map[chan model.RunEvent]struct{}
}

// Registry owns all runs for the process lifetime. Runs are never evicted;
// the process is assumed bounded-lifetime.
type Registry struct {
	executor Executor
	logger   *slog.Logger
	bufSize  int

	mu   sync.RWMutex
	runs map[uuid.UUID]*runState
}

// New creates a Registry executing runs through the given policy.
func New(executor Executor, logger *slog.Logger, bufSize int) *Registry {
	return &Registry{
		executor: executor,
		logger:   logger,
		bufSize:  bufSize,
		runs:     make(map[uuid.UUID]*runState),
	}
}

// Create allocates a run in the running state with empty steps and returns
// immediately; it does not begin execution.
func (r *Registry) Create(task string, params map[string]any) model.Run {
	run := model.Run{
		ID:        uuid.New(),
		Task:      task,
		Status:    model.RunStatusRunning,
		Steps:     []model.StepEvent{},
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.runs[run.ID] = &runState{
		run:      run,
		params:   params,
		watchers: make(map[chan model.RunEvent]struct{}),
	}
	r.mu.Unlock()
	return run
}

// Start launches the run's executor as an independent unit of work. The run
// always reaches a terminal state: an executor error or panic transitions it
// to failed, and the final channel event is emitted on every path so no
// subscriber hangs.
func (r *Registry) Start(ctx context.Context, runID uuid.UUID) error {
	rs, err := r.state(runID)
	if err != nil {
		return err
	}

	go func() {
		final, err := r.execute(ctx, rs)
		if err != nil {
			r.fail(rs, err)
			return
		}
		r.complete(rs, final)
	}()
	return nil
}

// execute invokes the policy with panic isolation.
func (r *Registry) execute(ctx context.Context, rs *runState) (final string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("registry: executor panic: %v", rec)
		}
	}()
	rc := &RunContext{registry: r, state: rs}
	return r.executor.Execute(ctx, rc)
}

// Subscribe attaches a watcher to a run. It returns a point-in-time snapshot
// and a channel carrying every event emitted after the snapshot was taken —
// the registration is atomic with the snapshot, so a client replaying the
// snapshot and then draining the channel sees no gaps.
func (r *Registry) Subscribe(runID uuid.UUID) (model.Run, chan model.RunEvent, error) {
	rs, err := r.state(runID)
	if err != nil {
		return model.Run{}, nil, err
	}

	ch := make(chan model.RunEvent, r.bufSize)
	rs.mu.Lock()
	snapshot := cloneRun(rs.run)
	rs.watchers[ch] = struct{}{}
	rs.mu.Unlock()
	return snapshot, ch, nil
}

// Unsubscribe detaches and closes a watcher channel.
func (r *Registry) Unsubscribe(runID uuid.UUID, ch chan model.RunEvent) {
	rs, err := r.state(runID)
	if err != nil {
		return
	}
	rs.mu.Lock()
	_, attached := rs.watchers[ch]
	delete(rs.watchers, ch)
	rs.mu.Unlock()
	if attached {
		close(ch)
	}
}

// Result is a point-in-time read of a run.
func (r *Registry) Result(runID uuid.UUID) (model.Run, error) {
	rs, err := r.state(runID)
	if err != nil {
		return model.Run{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cloneRun(rs.run), nil
}

func (r *Registry) state(runID uuid.UUID) (*runState, error) {
	r.mu.RLock()
	rs, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rs, nil
}

// complete transitions to done. Terminal states are never left.
func (r *Registry) complete(rs *runState, final string) {
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = model.RunStatusDone
	rs.run.FinalMessage = final
	r.emitLocked(rs, model.RunChannelFinal, map[string]any{
		"status":  model.RunStatusDone,
		"message": final,
	})
	rs.mu.Unlock()
}

// fail transitions to failed and still emits final so no subscriber hangs.
func (r *Registry) fail(rs *runState, err error) {
	r.logger.Error("registry: run failed", "run_id", rs.run.ID, "error", err)
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = model.RunStatusFailed
	rs.run.Error = err.Error()
	r.emitLocked(rs, model.RunChannelFinal, map[string]any{
		"status": model.RunStatusFailed,
		"error":  err.Error(),
	})
	rs.mu.Unlock()
}

// emitLocked pushes an event to every watcher. Callers hold rs.mu, which is
// what keeps the tail ordered with respect to snapshots and step appends.
func (r *Registry) emitLocked(rs *runState, channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("registry: marshal run event", "run_id", rs.run.ID, "channel", channel, "error", err)
		return
	}
	evt := model.RunEvent{Channel: channel, Payload: raw}
	for ch := range rs.watchers {
		select {
		case ch <- evt:
		default:
			r.logger.Warn("registry: watcher buffer full, dropping event",
				"run_id", rs.run.ID, "channel", channel)
		}
	}
}

func cloneRun(run model.Run) model.Run {
	out := run
	out.Steps = make([]model.StepEvent, len(run.Steps))
	copy(out.Steps, run.Steps)
	return out
}

// RunContext is handed to the executor policy; it is the only way a policy
// can touch its run.
type RunContext struct {
	registry *Registry
	state    *runState
}

// Task returns the run's task string.
func (rc *RunContext) Task() string {
	rc.state.mu.Lock()
	defer rc.state.mu.Unlock()
	return rc.state.run.Task
}

// Params returns the submission parameters.
func (rc *RunContext) Params() map[string]any {
	return rc.state.params
}

// EmitLog sends a log line to the run's watchers.
func (rc *RunContext) EmitLog(msg string) {
	rc.state.mu.Lock()
	rc.registry.emitLocked(rc.state, model.RunChannelLog, map[string]string{"msg": msg})
	rc.state.mu.Unlock()
}

// EmitToken streams one token of incremental output.
func (rc *RunContext) EmitToken(token string) {
	rc.state.mu.Lock()
	rc.registry.emitLocked(rc.state, model.RunChannelToken, map[string]string{"token": token})
	rc.state.mu.Unlock()
}

// EmitStep appends a step to the run and notifies watchers. Step indexes
// are assigned here, monotonic from 0.
func (rc *RunContext) EmitStep(tool string, input, output any) (model.StepEvent, error) {
	in, err := json.Marshal(input)
	if err != nil {
		return model.StepEvent{}, fmt.Errorf("registry: marshal step input: %w", err)
	}
	out, err := json.Marshal(output)
	if err != nil {
		return model.StepEvent{}, fmt.Errorf("registry: marshal step output: %w", err)
	}

	rc.state.mu.Lock()
	step := model.StepEvent{
		Index:  len(rc.state.run.Steps),
		Tool:   tool,
		Input:  in,
		Output: out,
	}
	rc.state.run.Steps = append(rc.state.run.Steps, step)
	rc.registry.emitLocked(rc.state, model.RunChannelStep, step)
	rc.state.mu.Unlock()
	return step, nil
}

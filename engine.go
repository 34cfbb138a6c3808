// Package conveyor implements the pipeline execution engine: it walks a
// pipeline's step graph, dispatches modules, manages per-run context and
// cancellation, and publishes live progress events.
package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/conveyor/config"
	"github.com/GoCodeAlone/conveyor/events"
	"github.com/GoCodeAlone/conveyor/module"
	"github.com/GoCodeAlone/conveyor/observability"
	"github.com/GoCodeAlone/conveyor/store"
)

// ErrAlreadyRunning is returned when a run is started for a pipeline
// that already has an active run.
var ErrAlreadyRunning = errors.New("pipeline already has an active run")

// ErrNotRunning is returned by Stop when no run is active for the
// pipeline.
var ErrNotRunning = errors.New("pipeline has no active run")

// ContainerCleaner tears down every container associated with a run key.
// The sandbox manager implements it.
type ContainerCleaner interface {
	CleanupRun(ctx context.Context, pipelineID, runID string)
}

// Engine executes pipelines. One engine instance owns its active-run
// registry; multiple instances (as in tests) do not interfere.
type Engine struct {
	registry *module.Registry
	hub      *events.Hub
	logger   *slog.Logger

	store      store.RunStore
	containers ContainerCleaner
	metrics    *observability.Metrics

	workRoot     string
	globalVars   map[string]string
	environments map[string]map[string]string

	mu     sync.Mutex
	active map[string]*Run
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore sets the run-history store. Without one, runs are not
// persisted.
func WithStore(s store.RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithContainerCleaner registers the container manager whose CleanupRun
// is invoked whenever a run ends.
func WithContainerCleaner(c ContainerCleaner) Option {
	return func(e *Engine) { e.containers = c }
}

// WithMetrics attaches run/step metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithGlobalVars sets variables merged into every run's environment.
func WithGlobalVars(vars map[string]string) Option {
	return func(e *Engine) { e.globalVars = vars }
}

// WithEnvironments sets the named environments a pipeline's env field
// selects from.
func WithEnvironments(envs map[string]map[string]string) Option {
	return func(e *Engine) { e.environments = envs }
}

// NewEngine creates an Engine. workRoot is where per-run sandbox
// directories are allocated.
func NewEngine(registry *module.Registry, hub *events.Hub, workRoot string, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		hub:      hub,
		logger:   slog.Default(),
		workRoot: workRoot,
		active:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun validates the pipeline and begins executing it on a dedicated
// goroutine, returning the run handle immediately. At most one run per
// pipeline id may be active; a second start is rejected with
// ErrAlreadyRunning and creates no run record.
func (e *Engine) StartRun(ctx context.Context, p *config.Pipeline, inputs map[string]any) (*Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	if _, busy := e.active[p.ID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, p.ID)
	}
	run := newRun(p.ID, time.Now(), cancel)
	e.active[p.ID] = run
	e.mu.Unlock()

	workDir := filepath.Join(e.workRoot, p.ID, run.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		e.release(p.ID)
		cancel()
		return nil, fmt.Errorf("create sandbox directory: %w", err)
	}

	ec := e.buildContext(p, run, workDir, inputs)

	var internalID string
	if e.store != nil {
		id, err := e.store.CreateRun(p.ID, run.ID)
		if err != nil {
			e.logger.Warn("run record not created", "pipeline_id", p.ID, "error", err)
		} else {
			internalID = id
		}
	}

	e.metrics.RunStarted()
	e.publish(events.TypeStart, p.ID, map[string]any{"runId": run.ID})
	e.logger.Info("run started", "pipeline_id", p.ID, "run_id", run.ID)

	go e.execute(runCtx, run, p, ec, internalID)
	return run, nil
}

// Stop cancels a pipeline's active run. The run finalizes as cancelled
// once in-flight modules observe the cancellation.
func (e *Engine) Stop(pipelineID string) error {
	e.mu.Lock()
	run, ok := e.active[pipelineID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, pipelineID)
	}
	run.appendLog("stopped by user")
	run.cancel()
	return nil
}

// ActiveRun returns the active run for a pipeline, if any.
func (e *Engine) ActiveRun(pipelineID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.active[pipelineID]
	return run, ok
}

func (e *Engine) release(pipelineID string) {
	e.mu.Lock()
	delete(e.active, pipelineID)
	e.mu.Unlock()
}

// buildContext assembles the run's ExecutionContext: filtered system
// environment, global variables, resolved inputs, then the selected
// (possibly templated) named environment.
func (e *Engine) buildContext(p *config.Pipeline, run *Run, workDir string, inputs map[string]any) *module.ExecutionContext {
	ec := module.NewExecutionContext(p.ID, p.Name, run.ID, workDir, func(msg string) {
		run.appendLog(msg)
		e.publish(events.TypeLog, p.ID, map[string]any{
			"runId": run.ID,
			"msg":   msg,
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	ec.StartTime = run.StartedAt

	ec.MergeEnv(safeSystemEnv())
	ec.MergeEnv(e.globalVars)

	// Inputs: declared defaults first, caller-provided values override.
	for _, in := range p.Inputs {
		if in.Default != nil {
			ec.Inputs[in.Name] = in.Default
		}
	}
	for k, v := range inputs {
		ec.Inputs[k] = v
	}

	// The env selector may itself be templated (e.g. "${inputs.target}"),
	// so it is resolved before the named environment is merged.
	if p.Env != "" {
		envName := p.Env
		if strings.Contains(envName, "${") {
			envName, _ = module.Interpolate(envName, ec).(string)
		}
		if vars, ok := e.environments[envName]; ok {
			ec.MergeEnv(vars)
		} else if envName != "" {
			e.logger.Warn("unknown environment", "pipeline_id", p.ID, "env", envName)
		}
	}
	return ec
}

// execute walks the execution units in order and finalizes the run.
func (e *Engine) execute(ctx context.Context, run *Run, p *config.Pipeline, ec *module.ExecutionContext, internalID string) {
	units := p.ExecutionUnits()
	total := len(p.Steps)

	// succeeded tracks named step outcomes for dependency enforcement.
	// It is read and written only on this control path.
	succeeded := make(map[string]bool)

	var failed bool
	var runErr error

	for _, unit := range units {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		if !unit.Parallel() {
			st := unit.Steps[0]
			res, err := e.runStep(ctx, run, ec.WithStepIndex(unit.Offset), st, unit.Offset, total, internalID, succeeded)
			if err != nil {
				// Sequential steps fail fast.
				runErr = err
				failed = true
				break
			}
			value := res.Value()
			if st.Name != "" {
				succeeded[st.Name] = true
				ec.Results[st.Name] = value
			}
			ec.Prev = value
			continue
		}

		// Parallel group: params are interpolated up front on the
		// control path, members dispatch concurrently, and results are
		// collected into per-member slots before the control path
		// writes them back. In-flight members run to completion even
		// when a sibling fails; the run is marked failed afterwards.
		n := len(unit.Steps)
		results := make([]*module.Result, n)
		errs := make([]error, n)

		var g errgroup.Group
		for i, st := range unit.Steps {
			idx := unit.Offset + i
			i, st := i, st
			g.Go(func() error {
				res, err := e.runStep(ctx, run, ec.WithStepIndex(idx), st, idx, total, internalID, succeeded)
				results[i] = res
				errs[i] = err
				return err
			})
		}
		groupErr := g.Wait()

		for i, st := range unit.Steps {
			if errs[i] != nil || st.Name == "" {
				continue
			}
			succeeded[st.Name] = true
			ec.Results[st.Name] = results[i].Value()
		}
		ec.Prev = results[n-1].Value()

		if groupErr != nil {
			// Member failures do not abort the remaining units;
			// dependency enforcement decides what still dispatches, and
			// the run finalizes as failed.
			failed = true
			if runErr == nil {
				runErr = groupErr
			}
			if module.Stopped(groupErr) {
				break
			}
		}
	}

	e.finalize(ctx, run, p, ec, internalID, failed, runErr)
}

// runStep enforces dependencies, interpolates params, and dispatches the
// step's module. succeeded must only be read before concurrent members
// start; the engine calls runStep for group members only after the
// preceding unit has fully settled.
func (e *Engine) runStep(ctx context.Context, run *Run, ec *module.ExecutionContext, st config.Step, stepIndex, total int, internalID string, succeeded map[string]bool) (*module.Result, error) {
	label := st.Name
	if label == "" {
		label = st.Module
	}

	e.publish(events.TypeStepStart, run.PipelineID, map[string]any{
		"runId":      run.ID,
		"step":       label,
		"stepIndex":  stepIndex,
		"totalSteps": total,
	})

	recIdx := run.recordStep(label, st.Module)
	var stepID string
	if e.store != nil && internalID != "" {
		id, err := e.store.CreateStep(internalID, label, st.Module)
		if err != nil {
			e.logger.Warn("step record not created", "pipeline_id", run.PipelineID, "step", label, "error", err)
		} else {
			stepID = id
		}
	}

	res, err := e.dispatch(ctx, ec, st, succeeded)
	if err == nil && res == nil {
		res = &module.Result{}
	}

	run.settleStep(recIdx, res, err)
	e.settleStepRecord(stepID, res, err)

	status := StatusSuccess
	payload := map[string]any{
		"runId":      run.ID,
		"step":       label,
		"stepIndex":  stepIndex,
		"totalSteps": total,
		"success":    err == nil,
	}
	if err != nil {
		status = StatusFail
		payload["error"] = err.Error()
		ec.Log(fmt.Sprintf("step %s failed: %v", label, err))
	}
	e.metrics.StepFinished(string(status))
	e.publish(events.TypeStepEnd, run.PipelineID, payload)

	return res, err
}

// dispatch runs one step's module after checking its dependencies.
// A step whose dependency did not succeed fails without its module ever
// being invoked.
func (e *Engine) dispatch(ctx context.Context, ec *module.ExecutionContext, st config.Step, succeeded map[string]bool) (*module.Result, error) {
	for _, dep := range st.DependsOn {
		if !succeeded[dep] {
			return nil, fmt.Errorf("dependency %q did not succeed", dep)
		}
	}

	mod, err := e.registry.Resolve(st.Module)
	if err != nil {
		return nil, err
	}

	params := module.InterpolateParams(st.Params, ec)
	return mod.Execute(ctx, ec, params)
}

// settleStepRecord persists a step outcome, best effort.
func (e *Engine) settleStepRecord(stepID string, res *module.Result, err error) {
	if e.store == nil || stepID == "" {
		return
	}
	if err != nil {
		if serr := e.store.FinishStep(stepID, string(StatusFail), "", err.Error()); serr != nil {
			e.logger.Warn("step record not finalized", "step_id", stepID, "error", serr)
		}
		return
	}
	var resultJSON string
	if res != nil {
		resultJSON = marshalResult(res)
	}
	if serr := e.store.FinishStep(stepID, string(StatusSuccess), resultJSON, ""); serr != nil {
		e.logger.Warn("step record not finalized", "step_id", stepID, "error", serr)
	}
}

// finalize runs for every terminal path: container teardown, sandbox
// removal, run-record persistence, and the terminal event.
func (e *Engine) finalize(ctx context.Context, run *Run, p *config.Pipeline, ec *module.ExecutionContext, internalID string, failed bool, runErr error) {
	status := StatusSuccess
	switch {
	case runErr != nil && module.Stopped(runErr):
		status = StatusCancelled
		ec.Log("run stopped by user")
	case failed || runErr != nil:
		status = StatusFail
	}

	if e.containers != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		e.containers.CleanupRun(cleanupCtx, p.ID, run.ID)
		cancel()
	}

	if !p.KeepWorkDir {
		if err := os.RemoveAll(ec.WorkDir); err != nil {
			e.logger.Warn("sandbox directory not removed", "dir", ec.WorkDir, "error", err)
		}
	}

	duration := time.Since(run.StartedAt)
	if e.store != nil && internalID != "" {
		if err := e.store.FinishRun(internalID, string(status), run.Log(), duration.Milliseconds()); err != nil {
			e.logger.Warn("run record not finalized", "pipeline_id", p.ID, "error", err)
		}
	}

	e.metrics.RunFinished(string(status))
	e.publish(events.TypeEnd, p.ID, map[string]any{
		"runId":   run.ID,
		"success": status == StatusSuccess,
	})

	e.release(p.ID)
	run.finish(status)
	e.logger.Info("run finished",
		"pipeline_id", p.ID, "run_id", run.ID,
		"status", status, "duration_ms", duration.Milliseconds())
}

func marshalResult(res *module.Result) string {
	data, err := json.Marshal(res.Value())
	if err != nil {
		return ""
	}
	return string(data)
}

func (e *Engine) publish(t events.Type, pipelineID string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(events.Event{Type: t, PipelineID: pipelineID, Payload: payload})
}

// envDenyPrefixes and envDenied filter orchestrator-internal and
// container-runtime variables out of the environment passed to steps.
var envDenyPrefixes = []string{"CONVEYOR_", "DOCKER_"}

func envDenied(key string) bool {
	for _, p := range envDenyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// safeSystemEnv returns the process environment minus denied variables.
func safeSystemEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || envDenied(k) {
			continue
		}
		out[k] = v
	}
	return out
}

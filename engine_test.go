package conveyor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/conveyor/config"
	"github.com/GoCodeAlone/conveyor/events"
	"github.com/GoCodeAlone/conveyor/module"
	"github.com/GoCodeAlone/conveyor/store"
)

type stubModule struct {
	name string
	fn   func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error)
}

func (s *stubModule) Name() string { return s.name }

func (s *stubModule) Execute(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
	return s.fn(ctx, ec, params)
}

func okModule(name string, code int) *stubModule {
	return &stubModule{name: name, fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		return &module.Result{Code: code}, nil
	}}
}

func failModule(name string) *stubModule {
	return &stubModule{name: name, fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		return nil, &module.ModuleExecutionError{Module: name, Err: errors.New("boom")}
	}}
}

func newTestEngine(t *testing.T, mods []module.Module, opts ...Option) *Engine {
	t.Helper()
	resolver := module.MapResolver{}
	for _, m := range mods {
		resolver[m.Name()] = m
	}
	reg, err := module.NewRegistry(resolver, 16)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewEngine(reg, events.NewHub(nil), t.TempDir(), opts...)
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

// memStore is an in-memory RunStore recording calls.
type memStore struct {
	mu          sync.Mutex
	runsCreated int
	finishedAs  string
	logText     string
	steps       []string
	stepStatus  map[string]string
}

func newMemStore() *memStore { return &memStore{stepStatus: make(map[string]string)} }

func (s *memStore) CreateRun(pipelineID, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsCreated++
	return "run-internal", nil
}

func (s *memStore) FinishRun(internalID, status, logText string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAs = status
	s.logText = logText
	return nil
}

func (s *memStore) CreateStep(internalID, stepName, moduleID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, stepName)
	return stepName, nil
}

func (s *memStore) FinishStep(stepID, status, resultJSON, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepStatus[stepID] = status
	return nil
}

func (s *memStore) GetRun(internalID string) (*store.RunRecord, error) { return nil, store.ErrNotFound }

func (s *memStore) ListRuns(pipelineID string, limit int) ([]*store.RunRecord, error) {
	return nil, nil
}

func (s *memStore) ListSteps(internalID string) ([]*store.StepRecord, error) { return nil, nil }

func TestStartRun_PrevResultInterpolation(t *testing.T) {
	var got atomic.Value
	first := okModule("first", 42)
	second := &stubModule{name: "second", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		got.Store(params["value"])
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{first, second})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "first"},
		{Name: "b", Module: "second", Params: map[string]any{"value": "${prev.code}"}},
	}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusSuccess {
		t.Fatalf("status = %s, log: %s", run.Status(), run.Log())
	}
	if v := got.Load(); v != "42" {
		t.Fatalf("interpolated param = %v, want \"42\"", v)
	}
}

func TestStartRun_AlreadyRunning(t *testing.T) {
	gate := make(chan struct{})
	blocking := &stubModule{name: "block", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		<-gate
		return &module.Result{}, nil
	}}
	st := newMemStore()
	e := newTestEngine(t, []module.Module{blocking}, WithStore(st))

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{{Module: "block"}}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if _, err := e.StartRun(context.Background(), p, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(gate)
	waitDone(t, run)

	// The rejected start must not have created a second run record.
	if st.runsCreated != 1 {
		t.Fatalf("run records created = %d, want 1", st.runsCreated)
	}

	// Once the first run finishes, a new one may start.
	run2, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("restart after finish: %v", err)
	}
	waitDone(t, run2)
}

func TestStop_FinalizesAsCancelled(t *testing.T) {
	started := make(chan struct{})
	blocking := &stubModule{name: "block", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &module.ModuleExecutionError{Module: "block", Stopped: true, Err: ctx.Err()}
	}}
	st := newMemStore()
	e := newTestEngine(t, []module.Module{blocking}, WithStore(st))

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{{Module: "block"}}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	<-started

	if err := e.Stop("pl"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", run.Status())
	}
	if st.finishedAs != "cancelled" {
		t.Fatalf("persisted status = %q", st.finishedAs)
	}
	if log := run.Log(); !contains(log, "stopped by user") {
		t.Fatalf("log missing stop marker: %q", log)
	}

	if err := e.Stop("pl"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after finish, got %v", err)
	}
}

func TestParallelGroup_MemberFailureRecordsTrueOutcomes(t *testing.T) {
	var slowDone atomic.Bool
	slow := &stubModule{name: "slow", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		time.Sleep(100 * time.Millisecond)
		slowDone.Store(true)
		return &module.Result{Code: 7}, nil
	}}
	e := newTestEngine(t, []module.Module{okModule("ok", 1), failModule("bad"), slow})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "x", Module: "ok", Group: "g"},
		{Name: "y", Module: "bad", Group: "g"},
		{Name: "z", Module: "slow", Group: "g"},
	}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusFail {
		t.Fatalf("status = %s, want fail", run.Status())
	}
	// In-flight siblings run to completion even when a member fails.
	if !slowDone.Load() {
		t.Fatal("slow sibling did not run to completion")
	}

	byName := map[string]StepExecution{}
	for _, se := range run.Steps() {
		byName[se.Name] = se
	}
	if byName["x"].Status != StatusSuccess || byName["z"].Status != StatusSuccess {
		t.Fatalf("sibling outcomes wrong: %+v", run.Steps())
	}
	if byName["y"].Status != StatusFail {
		t.Fatalf("failed member not recorded: %+v", byName["y"])
	}
}

func TestParallelGroup_PrevIsLastListedMember(t *testing.T) {
	var got atomic.Value
	after := &stubModule{name: "after", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		got.Store(params["v"])
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{okModule("one", 1), okModule("two", 2), after})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "one", Group: "g"},
		{Name: "b", Module: "two", Group: "g"},
		{Module: "after", Params: map[string]any{"v": "${prev.code}"}},
	}}
	run, _ := e.StartRun(context.Background(), p, nil)
	waitDone(t, run)

	if run.Status() != StatusSuccess {
		t.Fatalf("status = %s, log: %s", run.Status(), run.Log())
	}
	if v := got.Load(); v != "2" {
		t.Fatalf("prev = %v, want \"2\" (last-listed member)", v)
	}
}

func TestDependencyOnFailedStep_FailsWithoutDispatch(t *testing.T) {
	var cInvoked, dInvoked atomic.Bool
	c := &stubModule{name: "cmod", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		cInvoked.Store(true)
		return &module.Result{}, nil
	}}
	d := &stubModule{name: "dmod", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		dInvoked.Store(true)
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{failModule("bad"), okModule("ok", 0), c, d})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "bad", Group: "g1"},
		{Name: "b", Module: "ok", Group: "g1"},
		{Name: "c", Module: "cmod", Group: "g2", DependsOn: config.StringList{"a"}},
		{Name: "d", Module: "dmod", Group: "g2", DependsOn: config.StringList{"b"}},
	}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusFail {
		t.Fatalf("status = %s, want fail", run.Status())
	}
	if cInvoked.Load() {
		t.Fatal("module of dependent step was invoked despite failed dependency")
	}
	if !dInvoked.Load() {
		t.Fatal("sibling outside the dependency chain did not run")
	}

	byName := map[string]StepExecution{}
	for _, se := range run.Steps() {
		byName[se.Name] = se
	}
	if byName["c"].Status != StatusFail {
		t.Fatalf("dependent step not marked failed: %+v", byName["c"])
	}
	if byName["d"].Status != StatusSuccess {
		t.Fatalf("independent sibling affected: %+v", byName["d"])
	}
}

func TestSequentialFailureStopsRun(t *testing.T) {
	var invoked atomic.Bool
	next := &stubModule{name: "next", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		invoked.Store(true)
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{failModule("bad"), next})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "bad"},
		{Name: "b", Module: "next"},
	}}
	run, _ := e.StartRun(context.Background(), p, nil)
	waitDone(t, run)

	if run.Status() != StatusFail {
		t.Fatalf("status = %s", run.Status())
	}
	if invoked.Load() {
		t.Fatal("step after a sequential failure must not run")
	}
}

func TestGroupSettlesBeforeNextUnit(t *testing.T) {
	var slowDone atomic.Bool
	slow := &stubModule{name: "slow", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		time.Sleep(80 * time.Millisecond)
		slowDone.Store(true)
		return &module.Result{}, nil
	}}
	var observedSettled atomic.Bool
	probe := &stubModule{name: "probe", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		observedSettled.Store(slowDone.Load())
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{okModule("fast", 0), slow, probe})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "f", Module: "fast", Group: "g"},
		{Name: "s", Module: "slow", Group: "g"},
		{Name: "p", Module: "probe"},
	}}
	run, _ := e.StartRun(context.Background(), p, nil)
	waitDone(t, run)

	if !observedSettled.Load() {
		t.Fatal("next unit started before the parallel group settled")
	}
}

func TestInputsAndEnvironmentSelection(t *testing.T) {
	var env atomic.Value
	var inputs atomic.Value
	probe := &stubModule{name: "probe", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		env.Store(ec.Env["REGION"])
		inputs.Store(ec.Inputs)
		return &module.Result{}, nil
	}}
	e := newTestEngine(t, []module.Module{probe},
		WithEnvironments(map[string]map[string]string{
			"staging": {"REGION": "eu-west-1"},
		}),
		WithGlobalVars(map[string]string{"GLOBAL": "yes"}),
	)

	p := &config.Pipeline{
		ID:   "pl",
		Name: "pl",
		Env:  "${inputs.target}",
		Inputs: []config.Input{
			{Name: "target", Type: config.InputString, Default: "production"},
			{Name: "verbose", Type: config.InputBoolean, Default: false},
		},
		Steps: []config.Step{{Module: "probe"}},
	}
	run, err := e.StartRun(context.Background(), p, map[string]any{"target": "staging"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitDone(t, run)

	if env.Load() != "eu-west-1" {
		t.Fatalf("templated env not selected: %v", env.Load())
	}
	in := inputs.Load().(map[string]any)
	if in["target"] != "staging" {
		t.Fatalf("input override lost: %v", in)
	}
	if in["verbose"] != false {
		t.Fatalf("input default lost: %v", in)
	}
}

func TestRunHistoryPersisted(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, []module.Module{okModule("ok", 0), failModule("bad")}, WithStore(st))

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "ok"},
		{Name: "b", Module: "bad"},
	}}
	run, _ := e.StartRun(context.Background(), p, nil)
	waitDone(t, run)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.runsCreated != 1 || st.finishedAs != "fail" {
		t.Fatalf("run persistence wrong: created=%d status=%q", st.runsCreated, st.finishedAs)
	}
	if len(st.steps) != 2 {
		t.Fatalf("step records = %v", st.steps)
	}
	if st.stepStatus["a"] != "success" || st.stepStatus["b"] != "fail" {
		t.Fatalf("step statuses = %v", st.stepStatus)
	}
	if !contains(st.logText, "step b failed") {
		t.Fatalf("log text missing failure line: %q", st.logText)
	}
}

func TestWorkDirLifecycle(t *testing.T) {
	var seen atomic.Value
	probe := &stubModule{name: "probe", fn: func(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
		seen.Store(ec.WorkDir)
		if _, err := os.Stat(ec.WorkDir); err != nil {
			return nil, err
		}
		return &module.Result{}, nil
	}}

	t.Run("removed by default", func(t *testing.T) {
		e := newTestEngine(t, []module.Module{probe})
		p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{{Module: "probe"}}}
		run, _ := e.StartRun(context.Background(), p, nil)
		waitDone(t, run)

		if _, err := os.Stat(seen.Load().(string)); !os.IsNotExist(err) {
			t.Fatalf("sandbox dir not removed: %v", err)
		}
	})

	t.Run("kept with keepWorkDir", func(t *testing.T) {
		e := newTestEngine(t, []module.Module{probe})
		p := &config.Pipeline{ID: "pl", Name: "pl", KeepWorkDir: true, Steps: []config.Step{{Module: "probe"}}}
		run, _ := e.StartRun(context.Background(), p, nil)
		waitDone(t, run)

		dir := seen.Load().(string)
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("sandbox dir missing: %v", err)
		}
		if filepath.Dir(filepath.Dir(dir)) == "" {
			t.Fatal("unexpected workdir layout")
		}
	})
}

func TestContainerCleanupAlwaysRuns(t *testing.T) {
	cleaned := make(chan string, 1)
	cleaner := cleanerFunc(func(ctx context.Context, pipelineID, runID string) {
		cleaned <- pipelineID + "/" + runID
	})
	e := newTestEngine(t, []module.Module{failModule("bad")}, WithContainerCleaner(cleaner))

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{{Module: "bad"}}}
	run, _ := e.StartRun(context.Background(), p, nil)
	waitDone(t, run)

	select {
	case key := <-cleaned:
		if key != "pl/"+run.ID {
			t.Fatalf("cleanup key = %q", key)
		}
	default:
		t.Fatal("container cleanup not invoked on failure")
	}
}

type cleanerFunc func(ctx context.Context, pipelineID, runID string)

func (f cleanerFunc) CleanupRun(ctx context.Context, pipelineID, runID string) {
	f(ctx, pipelineID, runID)
}

func TestLiveEventSequence(t *testing.T) {
	hub := events.NewHub(nil)
	resolver := module.MapResolver{"ok": okModule("ok", 0)}
	reg, _ := module.NewRegistry(resolver, 16)
	e := NewEngine(reg, hub, t.TempDir())

	ch, unsub := hub.Subscribe("pl")
	defer unsub()

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{{Name: "a", Module: "ok"}}}
	run, err := e.StartRun(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitDone(t, run)

	var types []events.Type
	timeout := time.After(2 * time.Second)
	for len(types) < 4 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events received so far: %v", types)
		}
	}

	want := []events.Type{events.TypeStart, events.TypeStepStart, events.TypeStepEnd, events.TypeEnd}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event order = %v, want %v", types, want)
		}
	}
}

func TestStartRun_RejectsInvalidPipeline(t *testing.T) {
	e := newTestEngine(t, []module.Module{okModule("ok", 0)})

	p := &config.Pipeline{ID: "pl", Name: "pl", Steps: []config.Step{
		{Name: "a", Module: "ok", DependsOn: config.StringList{"missing"}},
	}}
	if _, err := e.StartRun(context.Background(), p, nil); err == nil {
		t.Fatal("expected validation error")
	}
	if _, active := e.ActiveRun("pl"); active {
		t.Fatal("invalid pipeline left an active run behind")
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

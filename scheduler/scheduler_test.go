package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/conveyor/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type triggerRecorder struct {
	mu    sync.Mutex
	fired []string
	err   error
}

func (r *triggerRecorder) trigger(pipelineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, pipelineID)
	return r.err
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func staticSource(pipelines ...*config.Pipeline) SourceFunc {
	return func() []*config.Pipeline { return pipelines }
}

func newTestScheduler(clock *fakeClock, rec *triggerRecorder, pipelines ...*config.Pipeline) *Scheduler {
	return New(config.Scheduler{}, staticSource(pipelines...), rec.trigger, WithClock(clock.Now))
}

func TestTick_FiresEveryMinuteSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec, &config.Pipeline{ID: "pl-1", Schedule: "*/1 * * * *"})

	s.Tick()

	if rec.count() != 1 {
		t.Fatalf("expected 1 trigger, got %d", rec.count())
	}
}

func TestTick_DedupsJitteredTicksInSameWindow(t *testing.T) {
	// Three ticks land inside the same minute's tolerance window; the
	// 12:00:00 fire time must trigger exactly once.
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec, &config.Pipeline{ID: "pl-1", Schedule: "*/1 * * * *"})

	s.Tick()
	clock.Advance(20 * time.Second)
	s.Tick()
	clock.Advance(30 * time.Second)
	s.Tick()

	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 trigger for one fire time, got %d", rec.count())
	}

	// Crossing into the next minute yields the next fire time.
	clock.Advance(time.Minute)
	s.Tick()
	if rec.count() != 2 {
		t.Fatalf("expected a second trigger after the next minute, got %d", rec.count())
	}
}

func TestTick_SkipsPausedAndUnscheduled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec,
		&config.Pipeline{ID: "paused", Schedule: "*/1 * * * *", SchedulePaused: true},
		&config.Pipeline{ID: "manual"},
	)

	s.Tick()

	if rec.count() != 0 {
		t.Fatalf("expected no triggers, got %v", rec.fired)
	}
}

func TestTick_UnpausingTakesEffectNextTick(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{}
	p := &config.Pipeline{ID: "pl-1", Schedule: "*/1 * * * *", SchedulePaused: true}
	s := newTestScheduler(clock, rec, p)

	s.Tick()
	p.SchedulePaused = false
	clock.Advance(time.Minute)
	s.Tick()

	if rec.count() != 1 {
		t.Fatalf("expected 1 trigger after unpausing, got %d", rec.count())
	}
}

func TestTick_MalformedCronIsIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec,
		&config.Pipeline{ID: "broken", Schedule: "not a cron"},
		&config.Pipeline{ID: "healthy", Schedule: "*/1 * * * *"},
	)

	s.Tick()

	if rec.count() != 1 || rec.fired[0] != "healthy" {
		t.Fatalf("healthy pipeline should still fire: %v", rec.fired)
	}
}

func TestTick_TriggerFailureDoesNotAbortLoop(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{err: errors.New("already running")}
	s := newTestScheduler(clock, rec,
		&config.Pipeline{ID: "a", Schedule: "*/1 * * * *"},
		&config.Pipeline{ID: "b", Schedule: "*/1 * * * *"},
	)

	s.Tick()

	if rec.count() != 2 {
		t.Fatalf("both pipelines should be attempted, got %v", rec.fired)
	}
}

func TestTick_OutsideToleranceDoesNotFire(t *testing.T) {
	// Hourly schedule; now is far past the last fire time.
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec, &config.Pipeline{ID: "pl-1", Schedule: "0 * * * *"})

	s.Tick()

	if rec.count() != 0 {
		t.Fatalf("fire time outside tolerance should not trigger: %v", rec.fired)
	}
}

func TestTick_FireTimeEqualToNowWaits(t *testing.T) {
	// A fire time exactly equal to now is not yet in the past; it
	// triggers on the next tick.
	clock := &fakeClock{now: time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec, &config.Pipeline{ID: "pl-1", Schedule: "0 * * * *"})

	s.Tick()
	if rec.count() != 0 {
		t.Fatalf("fire time equal to now should not trigger yet: %v", rec.fired)
	}

	clock.Advance(5 * time.Second)
	s.Tick()
	if rec.count() != 1 {
		t.Fatalf("expected a trigger once the fire time has passed, got %d", rec.count())
	}
}

func TestPrune_BoundsDedupMemory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	rec := &triggerRecorder{}
	s := newTestScheduler(clock, rec, &config.Pipeline{ID: "pl-1", Schedule: "*/1 * * * *"})

	s.Tick()
	if s.PendingKeys() != 1 {
		t.Fatalf("expected 1 dedup key, got %d", s.PendingKeys())
	}

	// Past the retention window the key is pruned on the next tick.
	clock.Advance(2 * time.Hour)
	s.Tick()
	if got := s.PendingKeys(); got != 1 {
		t.Fatalf("old keys not pruned, got %d", got)
	}
}

func TestScheduleEvaluationError_Message(t *testing.T) {
	err := &ScheduleEvaluationError{PipelineID: "pl-1", Expr: "bad", Err: errors.New("parse")}
	want := `pipeline pl-1: invalid schedule "bad": parse`
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

// Package scheduler fires pipeline runs on cron schedules with
// per-fire-time deduplication.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/conveyor/config"
)

// ScheduleEvaluationError reports a malformed cron expression for one
// pipeline. Evaluation of the remaining pipelines continues.
type ScheduleEvaluationError struct {
	PipelineID string
	Expr       string
	Err        error
}

func (e *ScheduleEvaluationError) Error() string {
	return fmt.Sprintf("pipeline %s: invalid schedule %q: %v", e.PipelineID, e.Expr, e.Err)
}

func (e *ScheduleEvaluationError) Unwrap() error { return e.Err }

// TriggerFunc starts a run for a pipeline. Errors are logged, never
// fatal to the tick loop.
type TriggerFunc func(pipelineID string) error

// SourceFunc lists the current pipeline definitions each tick, so
// schedule and pause edits take effect on the next evaluation.
type SourceFunc func() []*config.Pipeline

// standard five-field POSIX cron
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type dedupKey struct {
	pipelineID string
	fireTime   time.Time
}

// Scheduler evaluates cron schedules on a fixed tick and triggers at
// most one run per (pipeline, fire time).
type Scheduler struct {
	source  SourceFunc
	trigger TriggerFunc
	logger  *slog.Logger

	interval  time.Duration
	tolerance time.Duration
	retention time.Duration

	mu    sync.Mutex
	fired map[dedupKey]time.Time // key -> when recorded, for pruning

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Zero durations in cfg fall back to one-minute
// ticks, a 90s tolerance window, and one-hour dedup retention.
func New(cfg config.Scheduler, source SourceFunc, trigger TriggerFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:    source,
		trigger:   trigger,
		logger:    slog.Default(),
		interval:  cfg.Interval.Std(),
		tolerance: cfg.Tolerance.Std(),
		retention: cfg.Retention.Std(),
		fired:     make(map[dedupKey]time.Time),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.tolerance <= 0 {
		s.tolerance = 90 * time.Second
	}
	if s.retention <= 0 {
		s.retention = time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop terminates the tick loop and waits for it to exit. It must only
// be called after Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Tick evaluates every scheduled, non-paused pipeline once against the
// current time. Exported so tests can drive the loop directly.
func (s *Scheduler) Tick() {
	now := s.now()
	s.prune(now)

	for _, p := range s.source() {
		if p.Schedule == "" || p.SchedulePaused {
			continue
		}
		fireTime, err := s.lastFireTime(p.Schedule, now)
		if err != nil {
			evalErr := &ScheduleEvaluationError{PipelineID: p.ID, Expr: p.Schedule, Err: err}
			s.logger.Warn("schedule evaluation failed", "pipeline_id", p.ID, "error", evalErr)
			continue
		}
		if fireTime.IsZero() {
			continue
		}
		if !s.record(p.ID, fireTime, now) {
			continue
		}
		s.logger.Info("schedule fired",
			"pipeline_id", p.ID, "fire_time", fireTime.Format(time.RFC3339))
		if err := s.trigger(p.ID); err != nil {
			s.logger.Warn("scheduled trigger failed", "pipeline_id", p.ID, "error", err)
		}
	}
}

// lastFireTime returns the most recent scheduled time strictly before
// now, provided it falls inside the tolerance window; zero otherwise.
func (s *Scheduler) lastFireTime(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	// The cron API only walks forward, so search from the start of the
	// tolerance window for a fire time that has already passed.
	t := sched.Next(now.Add(-s.tolerance))
	if t.IsZero() || !t.Before(now) {
		return time.Time{}, nil
	}
	// Several fire times may fit inside the window; take the latest.
	for {
		next := sched.Next(t)
		if next.IsZero() || !next.Before(now) {
			return t, nil
		}
		t = next
	}
}

// record marks a fire time as triggered; it reports false when the key
// was already present.
func (s *Scheduler) record(pipelineID string, fireTime, now time.Time) bool {
	key := dedupKey{pipelineID: pipelineID, fireTime: fireTime.UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.fired[key]; seen {
		return false
	}
	s.fired[key] = now
	return true
}

// prune drops dedup keys older than the retention window.
func (s *Scheduler) prune(now time.Time) {
	cutoff := now.Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, recorded := range s.fired {
		if recorded.Before(cutoff) {
			delete(s.fired, key)
		}
	}
}

// PendingKeys returns the number of dedup keys currently retained.
func (s *Scheduler) PendingKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

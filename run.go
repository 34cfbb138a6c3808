package conveyor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/conveyor/module"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFail      Status = "fail"
	StatusCancelled Status = "cancelled"
)

// StepExecution records one step's outcome within a run.
type StepExecution struct {
	Name   string
	Module string
	Status Status
	Result *module.Result
	Err    error
}

// Run is the handle for one in-flight or finished pipeline execution.
type Run struct {
	// ID is derived from the start time.
	ID         string
	PipelineID string
	StartedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	finishedAt time.Time
	log        strings.Builder
	steps      []StepExecution
}

func newRun(pipelineID string, startedAt time.Time, cancel context.CancelFunc) *Run {
	return &Run{
		ID:         startedAt.UTC().Format("20060102-150405"),
		PipelineID: pipelineID,
		StartedAt:  startedAt,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusRunning,
	}
}

// Status returns the run's current lifecycle state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Log returns the accumulated log text.
func (r *Run) Log() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.String()
}

// Steps returns a snapshot of the per-step execution records.
func (r *Run) Steps() []StepExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepExecution, len(r.steps))
	copy(out, r.steps)
	return out
}

// FinishedAt returns the completion time, zero while running.
func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// appendLog is the run's log sink. Safe for concurrent appends from
// parallel group members.
func (r *Run) appendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.WriteString(line)
	r.log.WriteByte('\n')
}

// recordStep appends a step execution record and returns its index.
func (r *Run) recordStep(name, moduleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, StepExecution{Name: name, Module: moduleID, Status: StatusRunning})
	return len(r.steps) - 1
}

// settleStep finalizes a step execution record.
func (r *Run) settleStep(i int, res *module.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.steps[i].Status = StatusFail
		r.steps[i].Err = err
		return
	}
	r.steps[i].Status = StatusSuccess
	r.steps[i].Result = res
}

// finish moves the run to a terminal state and releases Done waiters.
func (r *Run) finish(status Status) {
	r.mu.Lock()
	r.status = status
	r.finishedAt = time.Now()
	r.mu.Unlock()
	close(r.done)
}

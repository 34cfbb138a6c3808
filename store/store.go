// Package store persists run history for the orchestrator.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("record not found")

// RunRecord is one persisted pipeline run.
type RunRecord struct {
	ID         string // store-internal id
	PipelineID string
	RunID      string // timestamp-derived public id
	Status     string
	LogText    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is still in flight
	DurationMs int64
}

// StepRecord is one persisted step execution within a run.
type StepRecord struct {
	ID         string
	RunRef     string // RunRecord.ID
	StepName   string
	Module     string
	Status     string
	ResultJSON string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the step is still in flight
}

// RunStore records runs and their step executions. The engine tolerates
// a nil store; implementations must tolerate being called from the
// engine's run goroutines.
type RunStore interface {
	// CreateRun records a new running run and returns its internal id.
	CreateRun(pipelineID, runID string) (string, error)

	// FinishRun finalizes a run with its terminal status, the full
	// accumulated log text, and the duration.
	FinishRun(internalID, status, logText string, durationMs int64) error

	// CreateStep records a step beginning within a run.
	CreateStep(internalID, stepName, module string) (string, error)

	// FinishStep finalizes a step with its outcome.
	FinishStep(stepID, status, resultJSON, errMsg string) error

	// GetRun returns one run by internal id.
	GetRun(internalID string) (*RunRecord, error)

	// ListRuns returns a pipeline's runs, newest first, up to limit
	// (limit <= 0 means no limit).
	ListRuns(pipelineID string, limit int) ([]*RunRecord, error)

	// ListSteps returns a run's step records in creation order.
	ListSteps(internalID string) ([]*StepRecord, error)
}

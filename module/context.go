package module

import (
	"maps"
	"time"
)

// ExecutionContext carries the state of one in-flight run. It is owned
// exclusively by that run's engine: Results and Prev are written only on
// the engine's control path between execution units, never from
// concurrently executing steps. The log sink behind Log must be safe for
// concurrent appends, because parallel group members log concurrently.
type ExecutionContext struct {
	// PipelineID identifies the pipeline being executed.
	PipelineID string

	// PipelineName is the pipeline's display name.
	PipelineName string

	// BuildID is the run identifier, derived from the start time.
	BuildID string

	// WorkDir is the sandbox directory allocated for this run.
	WorkDir string

	// Env is the merged environment: filtered system env, global
	// variables, and the selected environment.
	Env map[string]string

	// Inputs holds the resolved pipeline inputs.
	Inputs map[string]any

	// Results maps step name to that step's result value.
	Results map[string]any

	// Prev is the result value of the last completed step or group.
	Prev any

	// StartTime is when the run started. Interpolation derives its
	// date/time tokens from it so expansions stay deterministic.
	StartTime time.Time

	// StepIndex is the index of the step currently executing, used to
	// name per-step isolation resources such as containers.
	StepIndex int

	logFn func(msg string)
}

// NewExecutionContext creates a context with the given log sink. A nil
// logFn discards log lines.
func NewExecutionContext(pipelineID, pipelineName, buildID, workDir string, logFn func(string)) *ExecutionContext {
	return &ExecutionContext{
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		BuildID:      buildID,
		WorkDir:      workDir,
		Env:          make(map[string]string),
		Inputs:       make(map[string]any),
		Results:      make(map[string]any),
		StartTime:    time.Now(),
		logFn:        logFn,
	}
}

// Log appends a line to the run's log sink. Safe for concurrent use.
func (ec *ExecutionContext) Log(msg string) {
	if ec.logFn != nil {
		ec.logFn(msg)
	}
}

// WithStepIndex returns a shallow copy of the context pointing at another
// step index. Parallel group members each receive their own copy so
// container names derived from the index don't collide; they share the
// underlying maps, which they must treat as read-only.
func (ec *ExecutionContext) WithStepIndex(i int) *ExecutionContext {
	cp := *ec
	cp.StepIndex = i
	return &cp
}

// MergeEnv copies the given variables into the context environment,
// overwriting existing keys.
func (ec *ExecutionContext) MergeEnv(env map[string]string) {
	maps.Copy(ec.Env, env)
}

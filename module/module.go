// Package module defines the dispatch contract between the execution
// engine and pluggable units of work, the per-run execution context, and
// parameter interpolation.
package module

import "context"

// Module is a single pluggable unit of work invoked by name with the
// execution context and post-interpolation parameters.
//
// Implementations that spawn subprocesses or make network calls must
// observe ctx at every blocking point and translate cancellation into a
// ModuleExecutionError with Stopped set, so the engine can finalize the
// run as cancelled rather than failed.
type Module interface {
	// Name returns the module identifier steps reference.
	Name() string

	// Execute runs the unit of work. It returns a structured Result or
	// an error; a nil Result with a nil error is treated as an empty
	// success.
	Execute(ctx context.Context, ec *ExecutionContext, params map[string]any) (*Result, error)
}

// Result is the structured outcome of a module invocation.
type Result struct {
	// Code is a numeric result (exit code, HTTP status, row count, ...).
	Code int `json:"code"`

	// Data is an arbitrary record produced by the module.
	Data map[string]any `json:"data,omitempty"`

	// Text is a plain string result (captured stdout, response body, ...).
	Text string `json:"text,omitempty"`
}

// Value returns the result as seen by interpolation: a map exposing
// "code", "text" when set, and every Data field at the top level.
func (r *Result) Value() any {
	if r == nil {
		return nil
	}
	out := map[string]any{"code": r.Code}
	if r.Text != "" {
		out["text"] = r.Text
	}
	for k, v := range r.Data {
		out[k] = v
	}
	return out
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/conveyor/module"
)

// ContainerModule dispatches step commands to the container lifecycle
// manager. Params:
//
//	cmd     []string (required) command to run
//	image   string   override the configured default image
//	reuse   bool     run inside the run's persistent container
//	env     object   extra environment variables for this step
//	timeout string   per-step timeout, e.g. "5m"
type ContainerModule struct {
	manager *Manager
}

// NewModule creates the "container" module backed by the manager.
func NewModule(m *Manager) *ContainerModule {
	return &ContainerModule{manager: m}
}

// Name implements module.Module.
func (c *ContainerModule) Name() string { return "container" }

// Execute implements module.Module. A non-zero exit code fails the step;
// run cancellation surfaces as a stopped error so the engine finalizes
// the run as cancelled.
func (c *ContainerModule) Execute(ctx context.Context, ec *module.ExecutionContext, params map[string]any) (*module.Result, error) {
	req, err := c.buildRequest(ec, params)
	if err != nil {
		return nil, &module.ModuleExecutionError{Module: c.Name(), Err: err}
	}

	res, err := c.manager.Exec(ctx, req)
	if err != nil {
		return nil, &module.ModuleExecutionError{
			Module:  c.Name(),
			Stopped: errors.Is(err, context.Canceled),
			Err:     err,
		}
	}
	if res.ExitCode != 0 {
		return nil, &module.ModuleExecutionError{
			Module: c.Name(),
			Err:    fmt.Errorf("command exited with code %d", res.ExitCode),
		}
	}
	return &module.Result{Code: res.ExitCode, Text: res.Stdout}, nil
}

func (c *ContainerModule) buildRequest(ec *module.ExecutionContext, params map[string]any) (ExecRequest, error) {
	cmd, err := stringSlice(params["cmd"])
	if err != nil || len(cmd) == 0 {
		return ExecRequest{}, fmt.Errorf("param %q must be a non-empty array of strings", "cmd")
	}

	env := make(map[string]string, len(ec.Env))
	for k, v := range ec.Env {
		env[k] = v
	}
	if extra, ok := params["env"].(map[string]any); ok {
		for k, v := range extra {
			env[k] = fmt.Sprintf("%v", v)
		}
	}

	req := ExecRequest{
		PipelineID: ec.PipelineID,
		RunID:      ec.BuildID,
		StepIndex:  ec.StepIndex,
		Cmd:        cmd,
		WorkDir:    ec.WorkDir,
		Env:        env,
		Log: func(line string, stderr bool) {
			ec.Log(line)
		},
	}
	if img, ok := params["image"].(string); ok {
		req.Image = img
	}
	if reuse, ok := params["reuse"].(bool); ok {
		req.Reuse = reuse
	}
	if raw, ok := params["timeout"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return ExecRequest{}, fmt.Errorf("param %q: %w", "timeout", err)
		}
		req.Timeout = d
	}
	return req, nil
}

func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	case string:
		if vv == "" {
			return nil, nil
		}
		return []string{"sh", "-c", vv}, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

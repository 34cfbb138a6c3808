package module

import (
	"context"
	"errors"
	"fmt"
)

// ErrModuleNotFound is returned by a Registry when no implementation is
// known for a module identifier.
var ErrModuleNotFound = errors.New("module not found")

// ModuleExecutionError wraps a failure raised by a module. Stopped
// distinguishes a user-initiated cancellation from a genuine fault so the
// engine can classify the run's terminal status.
type ModuleExecutionError struct {
	Module  string
	Stopped bool
	Err     error
}

func (e *ModuleExecutionError) Error() string {
	if e.Stopped {
		return fmt.Sprintf("module %q stopped by user", e.Module)
	}
	return fmt.Sprintf("module %q failed: %v", e.Module, e.Err)
}

func (e *ModuleExecutionError) Unwrap() error { return e.Err }

// Stopped reports whether err represents a user-initiated cancellation,
// either a ModuleExecutionError with Stopped set or a bare
// context.Canceled anywhere in the chain.
func Stopped(err error) bool {
	var me *ModuleExecutionError
	if errors.As(err, &me) && me.Stopped {
		return true
	}
	return errors.Is(err, context.Canceled)
}

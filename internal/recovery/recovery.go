// Package recovery isolates panics inside fan-out branches so one failing
// device probe cannot take down its siblings or the caller.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Run when the guarded function panicked.
type PanicError struct {
	Branch string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Branch, e.Value)
}

// Run calls fn and converts a panic into a *PanicError. The panic is logged
// with its stack so the branch failure stays diagnosable.
//
// Example:
//
//	err := recovery.Run(logger, "probe 10.0.0.5", func() error {
//	    return probe(ctx, host)
//	})
func Run(logger *slog.Logger, branch string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if logger != nil {
				logger.Error("panic recovered",
					"branch", branch,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(stack))
			}
			err = &PanicError{Branch: branch, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// Value is Run for functions producing a result. On panic the zero value is
// returned together with a *PanicError.
func Value[T any](logger *slog.Logger, branch string, fn func() (T, error)) (T, error) {
	var out T
	err := Run(logger, branch, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

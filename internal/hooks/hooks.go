// Package hooks implements the Lifecycle Hooks registry (C7): a fixed set
// of named events with declared arities, fired as before -> around -> after
// (§4.7). Event names are checked against the fixed set at registration
// time; the positional-argument count is checked against the event's
// declared arity each time Fire is called. Callbacks share the untyped
// `func(args ...any) error` shape, so firing needs no reflection.
package hooks

import (
	"fmt"

	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
)

// Event names, matching §4.7's table exactly.
const (
	EventError           = "error"
	EventExceptionalExit = "exceptional_exit"
	EventExecute         = "execute"
	EventInvokeJob       = "invoke_job"
	EventLoop            = "loop"
	EventPerform         = "perform"
	EventPop             = "pop"
	EventRetry           = "retry"
	EventWorkQueuePop    = "work_queue_pop"
	EventCheckForWork    = "check_for_work"
)

// knownEvents is the closed set §4.7 declares. Registering or firing
// against anything else is ErrUnknownLifecycleEvent.
var knownEvents = map[string]bool{
	EventError: true, EventExceptionalExit: true, EventExecute: true,
	EventInvokeJob: true, EventLoop: true, EventPerform: true,
	EventPop: true, EventRetry: true, EventWorkQueuePop: true,
	EventCheckForWork: true,
}

// arity is the declared positional-argument count from §4.7's table, e.g.
// `error` takes (worker, job, exception) = 3.
var arity = map[string]int{
	EventError:           3,
	EventExceptionalExit: 2,
	EventExecute:         1,
	EventInvokeJob:       1,
	EventLoop:            1,
	EventPerform:         2,
	EventPop:             1,
	EventRetry:           3,
	EventWorkQueuePop:    2,
	EventCheckForWork:    1,
}

// Registry holds the before/after/around chains for every known event.
// Before/After/Around are not safe to call concurrently with each other or
// with Fire; registration is expected to happen once at startup, matching
// §4.7's "validate registrations at startup" design note.
type Registry struct {
	before map[string][]func(args ...any) error
	after  map[string][]func(args ...any) error
	around map[string][]func(args []any, next func() error) error
}

func NewRegistry() *Registry {
	return &Registry{
		before: map[string][]func(args ...any) error{},
		after:  map[string][]func(args ...any) error{},
		around: map[string][]func(args []any, next func() error) error{},
	}
}

// Before registers a callback that runs (in registration order) before the
// action, given the event's declared positional args.
func (r *Registry) Before(event string, fn func(args ...any) error) error {
	if !knownEvents[event] {
		return fmt.Errorf("%w: %q", jqerrors.ErrUnknownLifecycleEvent, event)
	}
	r.before[event] = append(r.before[event], fn)
	return nil
}

// After registers a callback that runs (in registration order) after the
// action.
func (r *Registry) After(event string, fn func(args ...any) error) error {
	if !knownEvents[event] {
		return fmt.Errorf("%w: %q", jqerrors.ErrUnknownLifecycleEvent, event)
	}
	r.after[event] = append(r.after[event], fn)
	return nil
}

// Around registers a wrapper that receives the inner action as `next`.
// Chains compose right-to-left so the first-registered Around is
// outermost, per §4.7.
func (r *Registry) Around(event string, fn func(args []any, next func() error) error) error {
	if !knownEvents[event] {
		return fmt.Errorf("%w: %q", jqerrors.ErrUnknownLifecycleEvent, event)
	}
	r.around[event] = append(r.around[event], fn)
	return nil
}

// Fire runs before -> around(action) -> after for event, in that order.
// action is the body the around chain wraps.
func (r *Registry) Fire(event string, action func() error, args ...any) error {
	if !knownEvents[event] {
		return fmt.Errorf("%w: %q", jqerrors.ErrUnknownLifecycleEvent, event)
	}
	if want := arity[event]; len(args) != want {
		return fmt.Errorf("%w: %q wants %d args, got %d", jqerrors.ErrCallbackArityMismatch, event, want, len(args))
	}
	for _, fn := range r.before[event] {
		if err := fn(args...); err != nil {
			return err
		}
	}

	wrapped := action
	chain := r.around[event]
	for i := len(chain) - 1; i >= 0; i-- {
		inner := wrapped
		around := chain[i]
		wrapped = func() error { return around(args, inner) }
	}
	if err := wrapped(); err != nil {
		return err
	}

	for _, fn := range r.after[event] {
		if err := fn(args...); err != nil {
			return err
		}
	}
	return nil
}

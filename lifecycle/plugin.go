package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrNilPlugin is returned by Lookup if there is no plugin to look into.
	ErrNilPlugin = errors.New("plugin is nil")
	// ErrStepNotSupported is returned by Lookup if the plugin does not implement the step.
	ErrStepNotSupported = errors.New("step not supported by plugin")
)

// Plugin is one instance of an underlying single-registry publishing plugin.
// It implements any subset of VerifyConditioner, Preparer, Publisher and ChannelAdder,
// or StepProvider.
type Plugin any

// StepFunc is the signature shared by all lifecycle steps.
type StepFunc func(ctx context.Context, opts Options, rc *Context) error

type VerifyConditioner interface {
	VerifyConditions(ctx context.Context, opts Options, rc *Context) error
}

type Preparer interface {
	Prepare(ctx context.Context, opts Options, rc *Context) error
}

type Publisher interface {
	Publish(ctx context.Context, opts Options, rc *Context) error
}

type ChannelAdder interface {
	AddChannel(ctx context.Context, opts Options, rc *Context) error
}

// StepProvider is implemented by plugins whose supported steps are only known at runtime.
// StepFunc returns false for steps the plugin does not support.
type StepProvider interface {
	StepFunc(step Step) (StepFunc, bool)
}

// Shutdowner is implemented by plugin instances that hold resources outside the Go heap,
// such as a child process or a WebAssembly runtime.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Lookup returns the function implementing step for p.
// A StepProvider is asked first; otherwise the step interfaces are checked.
func Lookup(p Plugin, step Step) (StepFunc, error) {
	if IsNil(p) {
		return nil, ErrNilPlugin
	}

	if provider, ok := p.(StepProvider); ok {
		fn, ok := provider.StepFunc(step)
		if !ok || fn == nil {
			return nil, fmt.Errorf("%s: %w", step, ErrStepNotSupported)
		}
		return fn, nil
	}

	var fn StepFunc
	switch step {
	case VerifyConditions:
		if impl, ok := p.(VerifyConditioner); ok {
			fn = impl.VerifyConditions
		}
	case Prepare:
		if impl, ok := p.(Preparer); ok {
			fn = impl.Prepare
		}
	case Publish:
		if impl, ok := p.(Publisher); ok {
			fn = impl.Publish
		}
	case AddChannel:
		if impl, ok := p.(ChannelAdder); ok {
			fn = impl.AddChannel
		}
	default:
		return nil, fmt.Errorf("unknown lifecycle step %q", step)
	}

	if fn == nil {
		return nil, fmt.Errorf("%s: %w", step, ErrStepNotSupported)
	}
	return fn, nil
}

// Supported returns the steps p implements, in lifecycle order.
func Supported(p Plugin) []Step {
	var steps []Step
	for _, step := range Steps {
		if _, err := Lookup(p, step); err == nil {
			steps = append(steps, step)
		}
	}
	return steps
}

// IsNil reports whether p is nil or an interface holding a nil pointer, map or func.
func IsNil(p Plugin) bool {
	if p == nil {
		return true
	}
	switch v := reflect.ValueOf(p); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

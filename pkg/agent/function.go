package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/conductor/pkg/models"
)

// defaultExecuteTimeout bounds a single adapter execution when the caller
// does not configure one.
const defaultExecuteTimeout = 60 * time.Second

// Fn is an in-process task executor.
type Fn func(ctx context.Context, task string) (string, error)

// StreamFn is an in-process streaming task executor. Implementations emit
// chunks through sink (with done=false) and return the full output.
type StreamFn func(ctx context.Context, task string, sink ChunkSink) (string, error)

// FunctionAdapter wraps an in-process callable as an Adapter.
type FunctionAdapter struct {
	info     Info
	fn       Fn
	streamFn StreamFn
	timeout  time.Duration
}

// FunctionOption configures a FunctionAdapter.
type FunctionOption func(*FunctionAdapter)

// WithFunctionTimeout overrides the default 60 s execution timeout.
func WithFunctionTimeout(d time.Duration) FunctionOption {
	return func(a *FunctionAdapter) { a.timeout = d }
}

// WithStreamFn adds a streaming execution path and marks the adapter as
// streaming-capable.
func WithStreamFn(fn StreamFn) FunctionOption {
	return func(a *FunctionAdapter) {
		a.streamFn = fn
		a.info.Streaming = true
	}
}

// WithDescription sets the adapter description.
func WithDescription(desc string) FunctionOption {
	return func(a *FunctionAdapter) { a.info.Description = desc }
}

// WithCapabilities sets the capability tags used for routing.
func WithCapabilities(caps ...string) FunctionOption {
	return func(a *FunctionAdapter) { a.info.Capabilities = caps }
}

// NewFunctionAdapter creates an adapter around an in-process callable.
func NewFunctionAdapter(name string, fn Fn, opts ...FunctionOption) *FunctionAdapter {
	a := &FunctionAdapter{
		info:    Info{Name: name, Type: TypeFunction},
		fn:      fn,
		timeout: defaultExecuteTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Info returns the adapter metadata.
func (a *FunctionAdapter) Info() Info { return a.info }

// Execute runs the callable with the configured timeout.
func (a *FunctionAdapter) Execute(ctx context.Context, task string) (*models.TaskResult, error) {
	return a.run(ctx, func(ctx context.Context) (string, error) {
		return a.fn(ctx, task)
	})
}

// ExecuteStream runs the streaming callable if configured, falling back to
// the plain callable otherwise.
func (a *FunctionAdapter) ExecuteStream(ctx context.Context, task string, sink ChunkSink) (*models.TaskResult, error) {
	if a.streamFn == nil {
		return a.Execute(ctx, task)
	}
	return a.run(ctx, func(ctx context.Context) (string, error) {
		return a.streamFn(ctx, task, sink)
	})
}

type fnOutcome struct {
	output string
	err    error
}

// run executes fn in its own goroutine and races it against the timeout.
// A callable that ignores ctx keeps running after timeout, but its result
// is discarded (the outcome channel is buffered so it never blocks).
func (a *FunctionAdapter) run(ctx context.Context, fn func(ctx context.Context) (string, error)) (*models.TaskResult, error) {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	outCh := make(chan fnOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- fnOutcome{err: fmt.Errorf("panic in function adapter %s: %v", a.info.Name, r)}
			}
		}()
		output, err := fn(execCtx)
		outCh <- fnOutcome{output: output, err: err}
	}()

	select {
	case out := <-outCh:
		if out.err != nil {
			return models.NewTaskResult(models.ResultError, out.err.Error(), time.Since(start)), nil
		}
		return models.NewTaskResult(models.ResultOK, out.output, time.Since(start)), nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return models.NewTaskResult(models.ResultTimeout,
			fmt.Sprintf("task timed out after %v", a.timeout), time.Since(start)), nil
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/cache"
	"github.com/openclaw/conductor/pkg/models"
	"github.com/openclaw/conductor/pkg/ratelimit"
)

// StepExecutor runs a batch of tasks in fixed windows of maxConcurrency.
// Each window runs to completion before the next starts; a slow task holds
// its whole window back. Task failures are contained as failed results and
// never abort the window.
type StepExecutor struct {
	registry       *agent.Registry
	maxConcurrency int
	limiter        *ratelimit.Limiter
	cache          *cache.Cache
	logger         *slog.Logger
}

// ExecutorOption configures a step executor.
type ExecutorOption func(*StepExecutor)

// WithLimiter gates each task dispatch through a rate limiter.
func WithLimiter(l *ratelimit.Limiter) ExecutorOption {
	return func(e *StepExecutor) { e.limiter = l }
}

// WithCache consults and fills a task result cache around each dispatch.
func WithCache(c *cache.Cache) ExecutorOption {
	return func(e *StepExecutor) { e.cache = c }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *StepExecutor) { e.logger = l }
}

// NewStepExecutor creates a step executor over the given agent registry.
// maxConcurrency values below 1 default to 8.
func NewStepExecutor(registry *agent.Registry, maxConcurrency int, opts ...ExecutorOption) *StepExecutor {
	if maxConcurrency < 1 {
		maxConcurrency = 8
	}
	e := &StepExecutor{
		registry:       registry,
		maxConcurrency: maxConcurrency,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// taskCallbacks carries the per-task lifecycle hooks used by the loop.
type taskCallbacks struct {
	onStart func(task *models.StepTask)
	onChunk func(taskID, content string, done bool)
	onEnd   func(task *models.StepTask)
}

// ExecuteStep runs every task of step, mutating each task's status and
// result in place. The step is complete when the method returns.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step *models.Step, cbs taskCallbacks) {
	tasks := step.Tasks
	for start := 0; start < len(tasks); start += e.maxConcurrency {
		end := start + e.maxConcurrency
		if end > len(tasks) {
			end = len(tasks)
		}
		window := tasks[start:end]

		var wg sync.WaitGroup
		for _, task := range window {
			wg.Add(1)
			go func(task *models.StepTask) {
				defer wg.Done()
				e.runTask(ctx, task, cbs)
			}(task)
		}
		wg.Wait()
	}
}

// runTask executes one task end to end: agent selection, rate limiting,
// cache lookup, dispatch, and status transitions. All failure modes land
// in the task as a failed result.
func (e *StepExecutor) runTask(ctx context.Context, task *models.StepTask, cbs taskCallbacks) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "task", task.ID, "panic", r)
			task.Status = models.TaskFailed
			task.Result = models.NewTaskResult(models.ResultError, fmt.Sprintf("task panicked: %v", r), 0)
		}
	}()

	task.Status = models.TaskRunning
	if cbs.onStart != nil {
		cbs.onStart(task)
	}
	defer func() {
		if cbs.onEnd != nil {
			cbs.onEnd(task)
		}
	}()

	adapter := e.selectAdapter(task)
	if adapter == nil {
		task.Status = models.TaskFailed
		task.Result = models.NewTaskResult(models.ResultError, fmt.Sprintf("No agent available for task %s", task.ID), 0)
		return
	}
	agentName := adapter.Info().Name

	key := cache.TaskKey(task.Task, agentName)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			e.logger.Debug("cache hit", "task", task.ID, "agent", agentName)
			task.Status = models.TaskDone
			task.Result = cached
			return
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			task.Status = models.TaskFailed
			task.Result = models.NewTaskResult(models.ResultError, err.Error(), 0)
			return
		}
	}

	start := time.Now()
	result, err := e.dispatch(ctx, adapter, task, cbs)
	elapsed := time.Since(start)

	if err != nil {
		task.Status = models.TaskFailed
		task.Result = models.NewTaskResult(models.ResultError, err.Error(), elapsed)
		return
	}

	task.Result = result
	switch result.Status {
	case models.ResultOK:
		task.Status = models.TaskDone
		if e.cache != nil {
			e.cache.Set(key, result)
		}
	default:
		task.Status = models.TaskFailed
	}
}

// dispatch invokes the adapter, streaming chunks through the chunk
// callback when the adapter supports it.
func (e *StepExecutor) dispatch(ctx context.Context, adapter agent.Adapter, task *models.StepTask, cbs taskCallbacks) (*models.TaskResult, error) {
	if streamer, ok := adapter.(agent.StreamExecutor); ok && adapter.Info().Streaming && cbs.onChunk != nil {
		sink := func(content string, done bool) {
			cbs.onChunk(task.ID, content, done)
		}
		return streamer.ExecuteStream(ctx, task.Task, sink)
	}
	return adapter.Execute(ctx, task.Task)
}

// selectAdapter resolves the task's agent hint against the registry,
// falling back to the first registered agent when the task names none.
func (e *StepExecutor) selectAdapter(task *models.StepTask) agent.Adapter {
	if task.Agent != "" {
		if adapter := e.registry.Pick(task.Agent); adapter != nil {
			return adapter
		}
		e.logger.Warn("no agent matched hint, falling back", "task", task.ID, "hint", task.Agent)
	}
	return e.registry.First()
}

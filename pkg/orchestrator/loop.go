package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/models"
)

// Thinker produces the next directive text for a run. Implementations wrap
// an LLM; the loop never interprets the raw text itself, only the parsed
// directive.
type Thinker interface {
	Think(ctx context.Context, prompt string) (string, error)
}

// ThinkerFunc adapts a function to the Thinker interface.
type ThinkerFunc func(ctx context.Context, prompt string) (string, error)

func (f ThinkerFunc) Think(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Options configures one orchestration run.
type Options struct {
	// RunID identifies the run. Generated when empty.
	RunID string
	// MaxConcurrency bounds each execution window. Defaults to 8.
	MaxConcurrency int
	// MaxSteps bounds think/execute rounds before a finish is forced.
	// Defaults to 10.
	MaxSteps int
	// OutputTruncation caps per-task output length in the thinker context.
	// Defaults to 3000.
	OutputTruncation int
}

func (o Options) withDefaults() Options {
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 8
	}
	if o.MaxSteps < 1 {
		o.MaxSteps = 10
	}
	if o.OutputTruncation < 1 {
		o.OutputTruncation = 3000
	}
	return o
}

// Callbacks are optional observation hooks fired synchronously from the
// loop. OnRunUpdate receives a deep-copied snapshot after every visible
// state change and is the only hook safe to retain past its call.
type Callbacks struct {
	OnThinking  func(runID string, stepNumber int)
	OnStepStart func(runID string, step *models.Step)
	OnTaskStart func(runID string, stepNumber int, task *models.StepTask)
	OnTaskChunk func(runID string, stepNumber int, taskID, content string, done bool)
	OnTaskEnd   func(runID string, stepNumber int, task *models.StepTask)
	OnStepEnd   func(runID string, step *models.Step)
	OnFinish    func(runID, answer string)
	OnError     func(runID string, err error)
	OnRunUpdate func(snapshot *models.Run)
}

// Orchestrator drives the think/execute loop for a single run: ask the
// thinker for a directive, dispatch any tasks in parallel windows, feed
// the results back, and repeat until a finish directive or the step
// budget runs out.
type Orchestrator struct {
	thinker  Thinker
	registry *agent.Registry
	executor *StepExecutor
	opts     Options
	cbs      Callbacks
	logger   *slog.Logger
}

// New creates an orchestrator. The executor is built from opts unless one
// is injected with SetExecutor.
func New(thinker Thinker, registry *agent.Registry, opts Options, cbs Callbacks, logger *slog.Logger) *Orchestrator {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		thinker:  thinker,
		registry: registry,
		executor: NewStepExecutor(registry, opts.MaxConcurrency, WithExecutorLogger(logger)),
		opts:     opts,
		cbs:      cbs,
		logger:   logger.With("runId", opts.RunID),
	}
}

// SetExecutor replaces the step executor, typically to attach a rate
// limiter or result cache. Must be called before Run.
func (o *Orchestrator) SetExecutor(e *StepExecutor) { o.executor = e }

// Run executes the loop for goal until completion. The returned run is
// always non-nil and terminal; the error mirrors run.Error for error
// terminations.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*models.Run, error) {
	run := models.NewRun(o.opts.RunID, goal)
	o.logger.Info("run started", "goal", goal, "maxSteps", o.opts.MaxSteps)
	o.publish(run)

	for stepNumber := 1; ; stepNumber++ {
		forced := stepNumber > o.opts.MaxSteps

		run.State = models.StateThinking
		if o.cbs.OnThinking != nil {
			o.cbs.OnThinking(run.RunID, stepNumber)
		}
		o.publish(run)

		directive, err := o.think(ctx, run, forced)
		if err != nil {
			if forced {
				o.logger.Warn("forced finish unparseable, synthesizing answer", "error", err)
				return o.finish(run, synthesizeAnswer(run.Steps)), nil
			}
			return o.fail(run, err)
		}

		if directive.Action == ActionFinish {
			return o.finish(run, directive.Answer), nil
		}
		if forced {
			// The budget is spent; an execute directive here is ignored.
			o.logger.Warn("execute directive after step budget, synthesizing answer")
			return o.finish(run, synthesizeAnswer(run.Steps)), nil
		}

		step := &models.Step{StepNumber: stepNumber}
		for _, t := range directive.Tasks {
			step.Tasks = append(step.Tasks, &models.StepTask{
				ID:     t.ID,
				Task:   t.Task,
				Agent:  t.Agent,
				Status: models.TaskPending,
			})
		}
		run.Steps = append(run.Steps, step)
		run.State = models.StateExecuting
		if o.cbs.OnStepStart != nil {
			o.cbs.OnStepStart(run.RunID, step)
		}
		o.publish(run)

		o.executor.ExecuteStep(ctx, step, taskCallbacks{
			onStart: func(task *models.StepTask) {
				if o.cbs.OnTaskStart != nil {
					o.cbs.OnTaskStart(run.RunID, step.StepNumber, task)
				}
			},
			onChunk: func(taskID, content string, done bool) {
				if o.cbs.OnTaskChunk != nil {
					o.cbs.OnTaskChunk(run.RunID, step.StepNumber, taskID, content, done)
				}
			},
			onEnd: func(task *models.StepTask) {
				if o.cbs.OnTaskEnd != nil {
					o.cbs.OnTaskEnd(run.RunID, step.StepNumber, task)
				}
			},
		})

		if o.cbs.OnStepEnd != nil {
			o.cbs.OnStepEnd(run.RunID, step)
		}
		o.logger.Info("step complete", "step", stepNumber, "tasks", len(step.Tasks))
		o.publish(run)

		if err := ctx.Err(); err != nil {
			return o.fail(run, err)
		}
	}
}

// Plan asks the thinker for the first directive without executing
// anything. Useful for dry runs and inspection.
func (o *Orchestrator) Plan(ctx context.Context, goal string) (*Directive, error) {
	run := models.NewRun(o.opts.RunID, goal)
	return o.think(ctx, run, false)
}

// think builds the prompt, queries the thinker, and parses the response.
// A parse-stage failure is retried exactly once with an explicit
// JSON-only instruction appended; under a forced finish there is no retry.
func (o *Orchestrator) think(ctx context.Context, run *models.Run, forced bool) (*Directive, error) {
	prompt := buildContext(o.registry.List(), run.Goal, run.Steps, o.opts.OutputTruncation)
	if forced {
		prompt += "\n\n" + forcedFinishSuffix
	}

	raw, err := o.thinker.Think(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("thinker failed: %w", err)
	}

	directive, err := ParseDirective(raw)
	if err == nil {
		return directive, nil
	}
	if forced || !isParseError(err) {
		return nil, err
	}

	o.logger.Warn("unparseable thinker output, re-prompting", "error", err)
	raw, err = o.thinker.Think(ctx, prompt+"\n\n"+rePromptSuffix)
	if err != nil {
		return nil, fmt.Errorf("thinker failed: %w", err)
	}
	return ParseDirective(raw)
}

// finish transitions the run to done.
func (o *Orchestrator) finish(run *models.Run, answer string) *models.Run {
	now := time.Now()
	run.State = models.StateDone
	run.FinalAnswer = answer
	run.FinishedAt = &now
	o.logger.Info("run finished", "steps", len(run.Steps))
	if o.cbs.OnFinish != nil {
		o.cbs.OnFinish(run.RunID, answer)
	}
	o.publish(run)
	return run
}

// fail transitions the run to error.
func (o *Orchestrator) fail(run *models.Run, err error) (*models.Run, error) {
	now := time.Now()
	run.State = models.StateError
	run.Error = err.Error()
	run.FinishedAt = &now
	o.logger.Error("run failed", "error", err)
	if o.cbs.OnError != nil {
		o.cbs.OnError(run.RunID, err)
	}
	o.publish(run)
	return run, err
}

func (o *Orchestrator) publish(run *models.Run) {
	if o.cbs.OnRunUpdate != nil {
		o.cbs.OnRunUpdate(run.Clone())
	}
}

// synthesizeAnswer builds a fallback answer directly from the outputs of
// completed tasks when the thinker cannot produce a usable finish
// directive. Failed tasks contribute nothing.
func synthesizeAnswer(steps []*models.Step) string {
	var sb strings.Builder
	for _, step := range steps {
		for _, task := range step.Tasks {
			if task.Status != models.TaskDone || task.Result == nil || task.Result.Output == "" {
				continue
			}
			sb.WriteString(fmt.Sprintf("## Task %s\n%s\n\n", task.ID, task.Result.Output))
		}
	}
	if sb.Len() == 0 {
		return "No results collected."
	}
	return strings.TrimSpace(sb.String())
}

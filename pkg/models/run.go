// Package models defines the run/step/task data model shared by the
// orchestrator, the run store, and the dashboard API.
package models

import "time"

// RunState is the lifecycle state of a Run.
type RunState string

// Run lifecycle states. A run is created in StateThinking, alternates
// thinking↔executing while the loop progresses, and ends in exactly one of
// the terminal states.
const (
	StateThinking  RunState = "thinking"
	StateExecuting RunState = "executing"
	StateDone      RunState = "done"
	StateError     RunState = "error"
)

// Terminal reports whether the state is a terminal state.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateError
}

// ResultStatus is the outcome classification of a single task execution.
type ResultStatus string

// Task result statuses.
const (
	ResultOK      ResultStatus = "ok"
	ResultError   ResultStatus = "error"
	ResultTimeout ResultStatus = "timeout"
)

// TaskStatus is the dispatch state of a StepTask.
type TaskStatus string

// StepTask statuses. Status advances monotonically
// pending → running → done|failed.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskResult is the immutable outcome of one task execution.
type TaskResult struct {
	Status   ResultStatus   `json:"status"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTaskResult builds a TaskResult with the duration recorded in metadata.
func NewTaskResult(status ResultStatus, output string, duration time.Duration) *TaskResult {
	return &TaskResult{
		Status:   status,
		Output:   output,
		Metadata: map[string]any{"durationMs": duration.Milliseconds()},
	}
}

// StepTask is one unit of work inside a Step. ID is caller-chosen and
// should be unique within the step. Agent is an optional routing hint:
// an adapter name or a capability tag.
type StepTask struct {
	ID     string      `json:"id"`
	Task   string      `json:"task"`
	Agent  string      `json:"agent,omitempty"`
	Status TaskStatus  `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
}

// Step is one executed batch of tasks following a single Think.
// StepNumber is 1-based and strictly increasing within a Run.
type Step struct {
	StepNumber int         `json:"stepNumber"`
	Tasks      []*StepTask `json:"tasks"`
}

// Run is one end-to-end execution of a goal.
type Run struct {
	RunID       string     `json:"runId"`
	Goal        string     `json:"goal"`
	State       RunState   `json:"state"`
	Steps       []*Step    `json:"steps"`
	FinalAnswer string     `json:"finalAnswer,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// NewRun creates a Run in the thinking state.
func NewRun(runID, goal string) *Run {
	return &Run{
		RunID:     runID,
		Goal:      goal,
		State:     StateThinking,
		Steps:     []*Step{},
		StartedAt: time.Now(),
	}
}

// Clone returns a deep copy of the run. The orchestration loop mutates its
// run single-threaded; snapshots cross goroutine boundaries (SSE, store,
// API reads) as clones so readers never observe a partially updated run.
func (r *Run) Clone() *Run {
	out := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.Steps = make([]*Step, len(r.Steps))
	for i, s := range r.Steps {
		step := &Step{StepNumber: s.StepNumber, Tasks: make([]*StepTask, len(s.Tasks))}
		for j, t := range s.Tasks {
			task := *t
			if t.Result != nil {
				res := *t.Result
				if t.Result.Metadata != nil {
					res.Metadata = make(map[string]any, len(t.Result.Metadata))
					for k, v := range t.Result.Metadata {
						res.Metadata[k] = v
					}
				}
				task.Result = &res
			}
			step.Tasks[j] = &task
		}
		out.Steps[i] = step
	}
	return &out
}

package server

import "github.com/openclaw/conductor/pkg/models"

// SSE event payloads. The type field discriminates the union on the
// dashboard side.
const (
	eventRunStarted   = "run:started"
	eventStepThinking = "step:thinking"
	eventStepStarted  = "step:started"
	eventTaskStarted  = "task:started"
	eventTaskChunk    = "task:chunk"
	eventTaskEnded    = "task:ended"
	eventStepEnded    = "step:ended"
	eventRunComplete  = "run:complete"
	eventRunError     = "run:error"
	eventRunDeleted   = "run:deleted"
)

type runStartedEvent struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Goal  string `json:"goal"`
}

type stepThinkingEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	StepNumber int    `json:"stepNumber"`
}

type stepStartedEvent struct {
	Type       string             `json:"type"`
	RunID      string             `json:"runId"`
	StepNumber int                `json:"stepNumber"`
	TaskIDs    []string           `json:"taskIds"`
	Tasks      []*models.StepTask `json:"tasks,omitempty"`
}

type taskStartedEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	StepNumber int    `json:"stepNumber"`
	TaskID     string `json:"taskId"`
}

type taskChunkEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	StepNumber int    `json:"stepNumber"`
	TaskID     string `json:"taskId"`
	Content    string `json:"content"`
	Done       bool   `json:"done"`
}

type taskEndedEvent struct {
	Type       string             `json:"type"`
	RunID      string             `json:"runId"`
	StepNumber int                `json:"stepNumber"`
	TaskID     string             `json:"taskId"`
	Result     *models.TaskResult `json:"result"`
	Status     models.TaskStatus  `json:"status"`
}

type stepEndedEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	StepNumber int    `json:"stepNumber"`
}

type runCompleteEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	Answer     string `json:"answer,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type runErrorEvent struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Error string `json:"error"`
}

type runDeletedEvent struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

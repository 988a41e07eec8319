package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/models"
)

// truncationMarker is appended to task outputs cut down for the thinker
// context.
const truncationMarker = "…(truncated)"

// rePromptSuffix is appended to the context when the thinker's first
// response could not be parsed.
const rePromptSuffix = "IMPORTANT: Respond with ONLY a JSON object, no other text."

// forcedFinishSuffix is appended when the step budget is exhausted.
const forcedFinishSuffix = "You MUST respond with a finish action now"

// buildSystemPrompt describes the directive contract and the available
// agent roster to the thinker.
func buildSystemPrompt(roster []agent.Info) string {
	var sb strings.Builder
	sb.WriteString(`You are the orchestrator of a pool of specialized agents. Each turn you
inspect the goal and all results so far, then respond with EXACTLY ONE
JSON object, no other text:

To dispatch tasks in parallel:
{"action":"execute","tasks":[{"id":"t1","task":"<prompt>","agent":"<name or capability, optional>"}]}

To finish with the final answer:
{"action":"finish","answer":"<complete answer to the goal>"}

Task ids must be unique within a batch. Tasks in one batch run in
parallel and cannot depend on each other.`)

	if len(roster) > 0 {
		sb.WriteString("\n\nAvailable agents:\n")
		for _, info := range roster {
			sb.WriteString("  - " + info.Name)
			if len(info.Capabilities) > 0 {
				sb.WriteString(" [" + strings.Join(info.Capabilities, ", ") + "]")
			}
			if info.Description != "" {
				sb.WriteString(": " + info.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// buildContext assembles the full thinker prompt: system prompt, goal, and
// the transcript of every prior step with outputs truncated to
// outputTruncation characters.
func buildContext(roster []agent.Info, goal string, steps []*models.Step, outputTruncation int) string {
	var sb strings.Builder
	sb.WriteString(buildSystemPrompt(roster))
	sb.WriteString("\n\nGoal: " + goal + "\n")

	for _, step := range steps {
		sb.WriteString(fmt.Sprintf("\n## Step %d results\n", step.StepNumber))
		for _, task := range step.Tasks {
			sb.WriteString(fmt.Sprintf("\n### Task %s", task.ID))
			if task.Agent != "" {
				sb.WriteString(" (agent: " + task.Agent + ")")
			}
			sb.WriteString(fmt.Sprintf(" — %s\n", task.Status))
			if task.Result != nil {
				sb.WriteString(truncate(task.Result.Output, outputTruncation) + "\n")
			}
		}
	}
	return sb.String()
}

// truncate cuts s to at most limit bytes on a rune boundary, appending the
// truncation marker when content was dropped.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + truncationMarker
}

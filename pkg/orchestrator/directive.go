package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Action discriminates the two directive kinds the thinker may emit.
type Action string

// Directive actions.
const (
	ActionExecute Action = "execute"
	ActionFinish  Action = "finish"
)

// DirectiveTask is one task inside an execute directive.
type DirectiveTask struct {
	ID    string `json:"id"`
	Task  string `json:"task"`
	Agent string `json:"agent,omitempty"`
}

// Directive is the structured instruction parsed from thinker output:
// either a batch of tasks to dispatch in parallel or a final answer.
type Directive struct {
	Action Action          `json:"action"`
	Tasks  []DirectiveTask `json:"tasks,omitempty"`
	Answer string          `json:"answer,omitempty"`
}

// minSalvageAnswerLen is the minimum answer length accepted by the
// truncated-finish salvage. Shorter fragments are more likely parser noise
// than a real answer.
const minSalvageAnswerLen = 10

// Salvage patterns, compiled once.
var (
	finishActionPattern  = regexp.MustCompile(`"action"\s*:\s*"finish"`)
	answerOpeningPattern = regexp.MustCompile(`"answer"\s*:\s*"`)
)

// ParseDirective extracts a directive from raw thinker output. The
// pipeline is intentionally forgiving, trying three stages in order:
//
//  1. strip a markdown code fence and parse,
//  2. parse the first-{ .. last-} substring,
//  3. salvage a truncated finish directive.
//
// Parse-stage failures return ErrNoJSONObject or ErrInvalidJSON (the loop
// re-prompts once on those). Schema violations return a ValidationError
// and are terminal.
func ParseDirective(raw string) (*Directive, error) {
	text := strings.TrimSpace(raw)

	// Stage 1: fenced or bare JSON.
	candidate := stripFences(text)
	if d, ok := tryParse(candidate); ok {
		return validateDirective(d)
	}

	// Stage 2: widest {...} substring.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if d, ok := tryParse(text[start : end+1]); ok {
			return validateDirective(d)
		}
	}

	// Stage 3: truncated finish salvage.
	if answer, ok := SalvageTruncatedFinish(text); ok {
		return &Directive{Action: ActionFinish, Answer: answer}, nil
	}

	if start < 0 {
		return nil, ErrNoJSONObject
	}
	return nil, ErrInvalidJSON
}

// SalvageTruncatedFinish attempts to recover the answer from a finish
// directive whose JSON was cut off mid-string (a common failure mode when
// the thinker hits its token limit). It requires an "action":"finish"
// marker, extracts everything after the answer's opening quote, strips
// trailing quote/brace/backtick noise, and un-escapes \n, \" and \\.
// Answers shorter than 10 characters are rejected.
func SalvageTruncatedFinish(text string) (string, bool) {
	if !finishActionPattern.MatchString(text) {
		return "", false
	}
	loc := answerOpeningPattern.FindStringIndex(text)
	if loc == nil {
		return "", false
	}

	answer := text[loc[1]:]
	answer = strings.TrimRight(answer, "` \t\r\n")
	answer = strings.TrimRight(answer, "\"}")
	answer = strings.TrimRight(answer, " \t\r\n")

	answer = strings.ReplaceAll(answer, `\n`, "\n")
	answer = strings.ReplaceAll(answer, `\"`, `"`)
	answer = strings.ReplaceAll(answer, `\\`, `\`)

	if len(answer) < minSalvageAnswerLen {
		return "", false
	}
	return answer, true
}

// stripFences removes a leading ``` or ```json fence line and a trailing
// ``` fence.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimPrefix(t, "json")
		if idx := strings.LastIndex(t, "```"); idx >= 0 {
			t = t[:idx]
		}
	}
	return strings.TrimSpace(t)
}

// tryParse attempts a strict JSON parse into a directive shape.
func tryParse(candidate string) (*Directive, bool) {
	if candidate == "" || !strings.HasPrefix(candidate, "{") {
		return nil, false
	}
	var d Directive
	if err := json.Unmarshal([]byte(candidate), &d); err != nil {
		return nil, false
	}
	return &d, true
}

// validateDirective enforces the directive schema.
func validateDirective(d *Directive) (*Directive, error) {
	switch d.Action {
	case ActionExecute:
		if len(d.Tasks) == 0 {
			return nil, NewValidationError("execute directive has no tasks")
		}
		for i, t := range d.Tasks {
			if strings.TrimSpace(t.ID) == "" {
				return nil, NewValidationError("execute directive task %d has an empty id", i)
			}
			if strings.TrimSpace(t.Task) == "" {
				return nil, NewValidationError("execute directive task %q has an empty task", t.ID)
			}
		}
		return d, nil
	case ActionFinish:
		if strings.TrimSpace(d.Answer) == "" {
			return nil, NewValidationError("finish directive has no answer")
		}
		return d, nil
	default:
		return nil, NewValidationError("Unknown orchestrator action: %s", d.Action)
	}
}

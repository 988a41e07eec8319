package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/models"
)

// scriptedThinker replays canned responses and records every prompt it
// was given. The last response repeats once the script is exhausted.
type scriptedThinker struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (s *scriptedThinker) Think(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.prompts = append(s.prompts, prompt)
	idx := len(s.prompts) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func (s *scriptedThinker) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedThinker) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

func echoRegistry(t *testing.T, names ...string) (*agent.Registry, *callLog) {
	t.Helper()
	log := &callLog{}
	reg := agent.NewRegistry()
	for _, name := range names {
		name := name
		fn := func(_ context.Context, task string) (string, error) {
			log.record(name + ":" + task)
			return "Done: " + task, nil
		}
		require.NoError(t, reg.Add(agent.NewFunctionAdapter(name, fn)))
	}
	return reg, log
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func TestRun_ImmediateFinish(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{`{"action":"finish","answer":"all done"}`}}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r1"}, Callbacks{}, nil).Run(context.Background(), "the goal")
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, "all done", run.FinalAnswer)
	assert.Empty(t, run.Steps)
	require.NotNil(t, run.FinishedAt)
}

func TestRun_ExecuteThenFinish(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		`{"action":"execute","tasks":[{"id":"t1","task":"collect data"}]}`,
		`{"action":"finish","answer":"summarized"}`,
	}}
	reg, log := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r2"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, "summarized", run.FinalAnswer)
	require.Len(t, run.Steps, 1)
	require.Len(t, run.Steps[0].Tasks, 1)

	task := run.Steps[0].Tasks[0]
	assert.Equal(t, models.TaskDone, task.Status)
	assert.Equal(t, "Done: collect data", task.Result.Output)
	assert.Equal(t, []string{"worker:collect data"}, log.snapshot())

	// The second think saw the first step's output.
	assert.Contains(t, thinker.prompt(1), "Done: collect data")
}

func TestRun_RoutesTasksByAgentName(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		`{"action":"execute","tasks":[
			{"id":"t1","task":"find info","agent":"researcher"},
			{"id":"t2","task":"write code","agent":"coder"}]}`,
		`{"action":"finish","answer":"combined"}`,
	}}
	reg, log := echoRegistry(t, "researcher", "coder")

	run, err := New(thinker, reg, Options{RunID: "r3"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, run.Steps, 1)
	for _, task := range run.Steps[0].Tasks {
		assert.Equal(t, models.TaskDone, task.Status)
	}
	assert.ElementsMatch(t, []string{"researcher:find info", "coder:write code"}, log.snapshot())
}

func TestRun_ForcedFinishAfterBudget(t *testing.T) {
	execute := `{"action":"execute","tasks":[{"id":"x","task":"do"}]}`
	thinker := &scriptedThinker{responses: []string{execute}}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r4", MaxSteps: 2}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, run.State)
	assert.Len(t, run.Steps, 2)

	// Third think carried the forced-finish instruction; the execute it
	// returned was ignored in favor of synthesis.
	require.Equal(t, 3, thinker.promptCount())
	assert.Contains(t, thinker.prompt(2), forcedFinishSuffix)
	assert.Contains(t, run.FinalAnswer, "## Task x")
	assert.Contains(t, run.FinalAnswer, "Done: do")
}

func TestRun_SynthesisWithNoSuccessfulTasks(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{`{"action":"execute","tasks":[{"id":"x","task":"do"}]}`}}

	reg := agent.NewRegistry()
	failing := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("boom")
	}
	require.NoError(t, reg.Add(agent.NewFunctionAdapter("broken", failing)))

	run, err := New(thinker, reg, Options{RunID: "r5", MaxSteps: 1}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, "No results collected.", run.FinalAnswer)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, models.TaskFailed, run.Steps[0].Tasks[0].Status)
}

func TestRun_RepromptsOnceOnParseFailure(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		"sorry, thinking out loud with no JSON at all",
		`{"action":"finish","answer":"recovered"}`,
	}}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r6"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, "recovered", run.FinalAnswer)
	require.Equal(t, 2, thinker.promptCount())
	assert.Contains(t, thinker.prompt(1), rePromptSuffix)
}

func TestRun_SecondParseFailureFailsRun(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{"still no JSON", "again no JSON"}}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r7"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoJSONObject)
	assert.Equal(t, models.StateError, run.State)
	assert.Contains(t, run.Error, "no JSON object")
}

func TestRun_ValidationErrorFailsWithoutReprompt(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{`{"action":"dance"}`}}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r8"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, models.StateError, run.State)
	assert.Equal(t, 1, thinker.promptCount())
}

func TestRun_ThinkerErrorFailsRun(t *testing.T) {
	thinker := &scriptedThinker{err: errors.New("No gateways configured")}
	reg, _ := echoRegistry(t, "worker")

	run, err := New(thinker, reg, Options{RunID: "r9"}, Callbacks{}, nil).Run(context.Background(), "goal")
	require.Error(t, err)
	assert.Equal(t, models.StateError, run.State)
	assert.Contains(t, run.Error, "No gateways configured")
}

func TestRun_CallbackOrdering(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		`{"action":"execute","tasks":[{"id":"t1","task":"a"},{"id":"t2","task":"b"}]}`,
		`{"action":"finish","answer":"done now"}`,
	}}
	reg, _ := echoRegistry(t, "worker")

	var mu sync.Mutex
	var events []string
	record := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf(format, args...))
	}

	cbs := Callbacks{
		OnThinking:  func(_ string, step int) { record("thinking:%d", step) },
		OnStepStart: func(_ string, step *models.Step) { record("stepStart:%d", step.StepNumber) },
		OnTaskStart: func(_ string, _ int, task *models.StepTask) { record("taskStart:%s", task.ID) },
		OnTaskEnd:   func(_ string, _ int, task *models.StepTask) { record("taskEnd:%s", task.ID) },
		OnStepEnd:   func(_ string, step *models.Step) { record("stepEnd:%d", step.StepNumber) },
		OnFinish:    func(_, answer string) { record("finish:%s", answer) },
	}

	_, err := New(thinker, reg, Options{RunID: "r10"}, cbs, nil).Run(context.Background(), "goal")
	require.NoError(t, err)

	joined := strings.Join(events, " ")
	assert.Contains(t, joined, "thinking:1")
	assert.Contains(t, joined, "finish:done now")

	// Step boundaries bracket every task event; starts precede ends per task.
	idx := func(s string) int {
		for i, e := range events {
			if e == s {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx("stepStart:1"), 0)
	for _, id := range []string{"t1", "t2"} {
		assert.Greater(t, idx("taskStart:"+id), idx("stepStart:1"))
		assert.Greater(t, idx("taskEnd:"+id), idx("taskStart:"+id))
		assert.Less(t, idx("taskEnd:"+id), idx("stepEnd:1"))
	}
	assert.Less(t, idx("stepEnd:1"), idx("thinking:2"))
}

func TestRun_SnapshotsAreIsolated(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		`{"action":"execute","tasks":[{"id":"t1","task":"a"}]}`,
		`{"action":"finish","answer":"ok then"}`,
	}}
	reg, _ := echoRegistry(t, "worker")

	var mu sync.Mutex
	var snapshots []*models.Run
	cbs := Callbacks{OnRunUpdate: func(snapshot *models.Run) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, snapshot)
	}}

	run, err := New(thinker, reg, Options{RunID: "r11"}, cbs, nil).Run(context.Background(), "goal")
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)

	// Early snapshots must not have been retroactively mutated by the loop.
	first := snapshots[0]
	assert.Equal(t, models.StateThinking, first.State)
	assert.Empty(t, first.Steps)

	last := snapshots[len(snapshots)-1]
	assert.Equal(t, models.StateDone, last.State)
	assert.Equal(t, run.FinalAnswer, last.FinalAnswer)
}

func TestPlan_ReturnsDirectiveWithoutExecuting(t *testing.T) {
	thinker := &scriptedThinker{responses: []string{
		`{"action":"execute","tasks":[{"id":"t1","task":"probe"}]}`,
	}}
	reg, log := echoRegistry(t, "worker")

	d, err := New(thinker, reg, Options{RunID: "r12"}, Callbacks{}, nil).Plan(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, ActionExecute, d.Action)
	assert.Empty(t, log.snapshot())
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/conductor/pkg/models"
)

func fixtureRun(runID string, startedAt time.Time) *models.Run {
	finished := startedAt.Add(3 * time.Second)
	return &models.Run{
		RunID: runID,
		Goal:  "compare two search strategies",
		State: models.StateDone,
		Steps: []*models.Step{
			{
				StepNumber: 1,
				Tasks: []*models.StepTask{
					{
						ID:     "t1",
						Task:   "search the docs",
						Agent:  "web-research",
						Status: models.TaskDone,
						Result: models.NewTaskResult(models.ResultOK, "found three references", 120*time.Millisecond),
					},
					{
						ID:     "t2",
						Task:   "search the issue tracker",
						Status: models.TaskFailed,
						Result: models.NewTaskResult(models.ResultTimeout, "deadline exceeded", 60*time.Second),
					},
				},
			},
		},
		FinalAnswer: "the docs win",
		StartedAt:   startedAt,
		FinishedAt:  &finished,
	}
}

// runStoreSuite exercises the RunStore contract against a live backend.
func runStoreSuite(t *testing.T, s RunStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("upsert and get round-trip", func(t *testing.T) {
		want := fixtureRun("round-trip", base)
		require.NoError(t, s.Upsert(ctx, want))

		got, err := s.Get(ctx, "round-trip")
		require.NoError(t, err)
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.Goal, got.Goal)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.FinalAnswer, got.FinalAnswer)
		assert.Empty(t, got.Error)
		assert.WithinDuration(t, want.StartedAt, got.StartedAt, time.Millisecond)
		require.NotNil(t, got.FinishedAt)
		assert.WithinDuration(t, *want.FinishedAt, *got.FinishedAt, time.Millisecond)

		require.Len(t, got.Steps, 1)
		require.Len(t, got.Steps[0].Tasks, 2)
		task := got.Steps[0].Tasks[0]
		assert.Equal(t, "t1", task.ID)
		assert.Equal(t, models.TaskDone, task.Status)
		require.NotNil(t, task.Result)
		assert.Equal(t, models.ResultOK, task.Result.Status)
		assert.Equal(t, "found three references", task.Result.Output)
		assert.Equal(t, models.ResultTimeout, got.Steps[0].Tasks[1].Result.Status)
	})

	t.Run("upsert replaces prior snapshot", func(t *testing.T) {
		run := fixtureRun("replace", base)
		run.State = models.StateThinking
		run.FinalAnswer = ""
		run.FinishedAt = nil
		require.NoError(t, s.Upsert(ctx, run))

		stored, err := s.Get(ctx, "replace")
		require.NoError(t, err)
		assert.Equal(t, models.StateThinking, stored.State)
		assert.Nil(t, stored.FinishedAt)

		run.State = models.StateError
		run.Error = "thinker failed: connection reset"
		finished := base.Add(time.Second)
		run.FinishedAt = &finished
		require.NoError(t, s.Upsert(ctx, run))

		stored, err = s.Get(ctx, "replace")
		require.NoError(t, err)
		assert.Equal(t, models.StateError, stored.State)
		assert.Equal(t, "thinker failed: connection reset", stored.Error)
		require.NotNil(t, stored.FinishedAt)
	})

	t.Run("nil steps round-trip as empty", func(t *testing.T) {
		run := fixtureRun("no-steps", base)
		run.Steps = nil
		require.NoError(t, s.Upsert(ctx, run))

		stored, err := s.Get(ctx, "no-steps")
		require.NoError(t, err)
		assert.NotNil(t, stored.Steps)
		assert.Empty(t, stored.Steps)
	})

	t.Run("get unknown run", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		for i, id := range []string{"list-old", "list-mid", "list-new"} {
			run := fixtureRun(id, base.Add(time.Duration(i+1)*time.Hour))
			require.NoError(t, s.Upsert(ctx, run))
		}

		runs, err := s.List(ctx, 0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(runs), 3)
		assert.Equal(t, "list-new", runs[0].RunID)
		assert.Equal(t, "list-mid", runs[1].RunID)
		assert.Equal(t, "list-old", runs[2].RunID)

		limited, err := s.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "list-new", limited[0].RunID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, fixtureRun("gone", base)))
		require.NoError(t, s.Delete(ctx, "gone"))

		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "gone"), ErrRunNotFound)
	})
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openclaw/conductor/pkg/models"
)

// PostgresStore is the shared run store backed by postgres.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn and applies pending
// migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := migratePostgres(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func migratePostgres(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("loading postgres migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("preparing postgres migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx", driver)
	if err != nil {
		return fmt.Errorf("preparing postgres migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying postgres migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, run *models.Run) error {
	steps, err := encodeSteps(run)
	if err != nil {
		return err
	}

	var finishedAt any
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, goal, state, steps, final_answer, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			goal = excluded.goal,
			state = excluded.state,
			steps = excluded.steps,
			final_answer = excluded.final_answer,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.RunID, run.Goal, string(run.State), steps, run.FinalAnswer, run.Error,
		run.StartedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, goal, state, steps, final_answer, error, started_at, finished_at
		FROM runs WHERE run_id = $1`, runID)
	run, err := scanPostgresRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, goal, state, steps, final_answer, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanPostgresRun(row rowScanner) (*models.Run, error) {
	var (
		run        models.Run
		state      string
		steps      string
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.RunID, &run.Goal, &state, &steps, &run.FinalAnswer, &run.Error, &run.StartedAt, &finishedAt); err != nil {
		return nil, err
	}

	run.State = models.RunState(state)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	var err error
	run.Steps, err = decodeSteps(run.RunID, steps)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

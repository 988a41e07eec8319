// Package store persists runs. Two backends share one schema: an embedded
// sqlite database for single-node deployments and postgres for shared
// ones. Schema changes ship as embedded migrations applied on open.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openclaw/conductor/pkg/models"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by Get and Delete for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// RunStore persists run snapshots keyed by run id.
type RunStore interface {
	// Upsert writes the run, replacing any prior snapshot.
	Upsert(ctx context.Context, run *models.Run) error
	// Get returns the run or ErrRunNotFound.
	Get(ctx context.Context, runID string) (*models.Run, error)
	// List returns up to limit runs, most recently started first.
	// limit <= 0 means DefaultListLimit.
	List(ctx context.Context, limit int) ([]*models.Run, error)
	// Delete removes the run or returns ErrRunNotFound.
	Delete(ctx context.Context, runID string) error
	Close() error
}

func encodeSteps(run *models.Run) (string, error) {
	steps := run.Steps
	if steps == nil {
		steps = []*models.Step{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encoding steps for run %s: %w", run.RunID, err)
	}
	return string(data), nil
}

func decodeSteps(runID, data string) ([]*models.Step, error) {
	if data == "" {
		return []*models.Step{}, nil
	}
	var steps []*models.Step
	if err := json.Unmarshal([]byte(data), &steps); err != nil {
		return nil, fmt.Errorf("decoding steps for run %s: %w", runID, err)
	}
	return steps, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

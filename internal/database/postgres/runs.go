package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// RunRepository provides PostgreSQL-backed storage for analysis runs.
type RunRepository struct {
	pool *Pool
}

// NewRunRepository creates a new PostgreSQL run repository.
func NewRunRepository(pool *Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// CreateRun stores a new run.
func (r *RunRepository) CreateRun(ctx context.Context, run *database.AnalysisRun) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("marshal run counts: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO analysis_runs (id, status, params, counts, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, string(run.Status), params, counts, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status, counts and timing of a run.
func (r *RunRepository) FinishRun(ctx context.Context, run *database.AnalysisRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("marshal run counts: %w", err)
	}

	res, err := r.pool.Exec(ctx, `
		UPDATE analysis_runs
		SET status = $2, counts = $3, finished_at = $4, duration_ms = $5, error = $6
		WHERE id = $1
	`, run.ID, string(run.Status), counts, nullTime(run.FinishedAt), run.DurationMs, run.Error)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, database.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID, returns nil if not found.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*database.AnalysisRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, status, params, counts, started_at, finished_at, duration_ms, error
		FROM analysis_runs WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]database.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, status, params, counts, started_at, finished_at, duration_ms, error
		FROM analysis_runs
		ORDER BY started_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []database.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(scanner interface{ Scan(...any) error }) (database.AnalysisRun, error) {
	var run database.AnalysisRun
	var status string
	var params, counts []byte
	var finished sql.NullTime

	err := scanner.Scan(&run.ID, &status, &params, &counts, &run.StartedAt, &finished, &run.DurationMs, &run.Error)
	if err != nil {
		return run, fmt.Errorf("scan run: %w", err)
	}
	run.Status = database.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = fromNullTime(finished)
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return run, fmt.Errorf("unmarshal run params: %w", err)
	}
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return run, fmt.Errorf("unmarshal run counts: %w", err)
	}
	return run, nil
}

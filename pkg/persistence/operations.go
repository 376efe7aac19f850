package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DatabaseOperations provides methods for run history operations.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// CreateRun inserts a run in the running state. StartedAt defaults to now.
func (ops *DatabaseOperations) CreateRun(run *PipelineRun) error {
	if run.ID == "" {
		run.ID = GenerateRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	query := `
		INSERT INTO pipeline_runs (id, name, model, provider, margin, max_attempts, status, expected, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ops.db.Exec(query, run.ID, run.Name, run.Model, run.Provider,
		run.Margin, run.MaxAttempts, run.Status, run.Expected, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun records the outcome of a run.
func (ops *DatabaseOperations) CompleteRun(run *PipelineRun) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	query := `
		UPDATE pipeline_runs
		SET status = ?, final_answer = ?, all_converged = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := ops.db.Exec(query, run.Status, run.FinalAnswer, run.AllConverged, run.Error,
		run.CompletedAt.UTC(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// AddStageResult stores one stage outcome. Re-adding the same index replaces it.
func (ops *DatabaseOperations) AddStageResult(rec *StageRecord) error {
	query := `
		INSERT OR REPLACE INTO stage_results (
			run_id, stage_index, name, task, answer, state, margin, final_lead,
			attempts, votes, discarded, duration_ms, standings, error,
			prompt_tokens, completion_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	standings := rec.Standings
	if standings == "" {
		standings = "[]"
	}
	_, err := ops.db.Exec(query, rec.RunID, rec.Index, rec.Name, rec.Task, rec.Answer, rec.State,
		rec.Margin, rec.Lead, rec.Attempts, rec.Votes, rec.Discarded, rec.DurationMS, standings, rec.Error,
		rec.PromptTokens, rec.CompletionTokens)
	if err != nil {
		return fmt.Errorf("failed to add stage %d for run %s: %w", rec.Index, rec.RunID, err)
	}
	return nil
}

const runColumns = `id, name, model, provider, margin, max_attempts, status, final_answer,
	expected, all_converged, error, started_at, completed_at`

// GetRun retrieves a run by ID.
func (ops *DatabaseOperations) GetRun(id string) (*PipelineRun, error) {
	row := ops.db.QueryRow("SELECT "+runColumns+" FROM pipeline_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns all.
func (ops *DatabaseOperations) ListRuns(limit int) ([]*PipelineRun, error) {
	query := "SELECT " + runColumns + " FROM pipeline_runs ORDER BY started_at DESC, rowid DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// GetStageResults returns the stages of a run ordered by index.
func (ops *DatabaseOperations) GetStageResults(runID string) ([]*StageRecord, error) {
	query := `
		SELECT run_id, stage_index, name, task, answer, state, margin, final_lead,
			attempts, votes, discarded, duration_ms, standings, error,
			prompt_tokens, completion_tokens
		FROM stage_results WHERE run_id = ? ORDER BY stage_index
	`
	rows, err := ops.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var stages []*StageRecord
	for rows.Next() {
		rec := &StageRecord{}
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Name, &rec.Task, &rec.Answer, &rec.State,
			&rec.Margin, &rec.Lead, &rec.Attempts, &rec.Votes, &rec.Discarded, &rec.DurationMS,
			&rec.Standings, &rec.Error, &rec.PromptTokens, &rec.CompletionTokens); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stages: %w", err)
	}
	return stages, nil
}

// DeleteRun removes a run and its stages.
func (ops *DatabaseOperations) DeleteRun(id string) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM stage_results WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete stages for run %s: %w", id, err)
	}
	result, err := tx.Exec("DELETE FROM pipeline_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*PipelineRun, error) {
	run := &PipelineRun{}
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Name, &run.Model, &run.Provider, &run.Margin, &run.MaxAttempts,
		&run.Status, &run.FinalAnswer, &run.Expected, &run.AllConverged, &run.Error,
		&run.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err //nolint:wrapcheck // callers check for sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

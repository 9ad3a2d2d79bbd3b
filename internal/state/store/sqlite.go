// Copyright 2026 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var (
	_ Store        = (*SQLite)(nil)
	_ HistoryStore = (*SQLite)(nil)
)

// OpenSQLite opens (and creates if needed) the database at path and
// runs migrations. WAL mode keeps concurrent readers off the writer's
// back.
func OpenSQLite(path string, wal bool) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent step persistence.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		user_id TEXT,
		session_id TEXT,
		status TEXT NOT NULL,
		current_step TEXT,
		run_mode TEXT,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		plan TEXT,
		inputs TEXT,
		trace TEXT,
		final_output TEXT,
		results TEXT,
		error_message TEXT,
		error_stack TEXT,
		total_tokens_used INTEGER NOT NULL DEFAULT 0,
		total_execution_time_ms INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		paused_at TEXT,
		resumed_at TEXT,
		completed_at TEXT,
		failed_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_user ON workflow_executions(user_id);

	CREATE TABLE IF NOT EXISTS step_executions (
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		name TEXT,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		params TEXT,
		result TEXT,
		error_message TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		item_count INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (execution_id, step_id),
		FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS execution_history (
		execution_id TEXT NOT NULL,
		agent_id TEXT,
		user_id TEXT,
		status TEXT NOT NULL,
		step_count INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON execution_history(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLite) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	planJSON, err := marshalNullable(record.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputsJSON, err := marshalNullable(record.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	traceJSON, err := json.Marshal(record.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (
			id, agent_id, user_id, session_id, status, current_step, run_mode,
			completed_count, failed_count, skipped_count,
			plan, inputs, trace, final_output, results, error_message, error_stack,
			total_tokens_used, total_execution_time_ms,
			started_at, paused_at, resumed_at, completed_at, failed_at, cancelled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, ?, ?)`,
		record.ID,
		nullString(record.AgentID),
		nullString(record.UserID),
		nullString(record.SessionID),
		record.Status,
		nullString(record.CurrentStep),
		nullString(record.RunMode),
		record.CompletedCount,
		record.FailedCount,
		record.SkippedCount,
		planJSON,
		inputsJSON,
		string(traceJSON),
		nullString(record.ErrorMessage),
		nullString(record.ErrorStack),
		record.TotalTokensUsed,
		record.TotalExecutionTimeMS,
		formatTime(record.StartedAt),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `
	id, agent_id, user_id, session_id, status, current_step, run_mode,
	completed_count, failed_count, skipped_count,
	plan, inputs, trace, final_output, results, error_message, error_stack,
	total_tokens_used, total_execution_time_ms,
	started_at, paused_at, resumed_at, completed_at, failed_at, cancelled_at,
	created_at, updated_at`

func (s *SQLite) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	record, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return record, err
}

func (s *SQLite) UpdateExecution(ctx context.Context, record *ExecutionRecord) error {
	planJSON, err := marshalNullable(record.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputsJSON, err := marshalNullable(record.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	traceJSON, err := json.Marshal(record.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	finalJSON, err := marshalNullable(record.FinalOutput)
	if err != nil {
		return fmt.Errorf("marshal final output: %w", err)
	}
	resultsJSON, err := marshalNullable(record.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			agent_id = ?, user_id = ?, session_id = ?,
			status = ?, current_step = ?, run_mode = ?,
			completed_count = ?, failed_count = ?, skipped_count = ?,
			plan = ?, inputs = ?, trace = ?, final_output = ?, results = ?,
			error_message = ?, error_stack = ?,
			total_tokens_used = ?, total_execution_time_ms = ?,
			started_at = ?, paused_at = ?, resumed_at = ?,
			completed_at = ?, failed_at = ?, cancelled_at = ?,
			updated_at = ?
		WHERE id = ?`,
		nullString(record.AgentID),
		nullString(record.UserID),
		nullString(record.SessionID),
		record.Status,
		nullString(record.CurrentStep),
		nullString(record.RunMode),
		record.CompletedCount,
		record.FailedCount,
		record.SkippedCount,
		planJSON,
		inputsJSON,
		string(traceJSON),
		finalJSON,
		resultsJSON,
		nullString(record.ErrorMessage),
		nullString(record.ErrorStack),
		record.TotalTokensUsed,
		record.TotalExecutionTimeMS,
		formatTime(record.StartedAt),
		nullTime(record.PausedAt),
		nullTime(record.ResumedAt),
		nullTime(record.CompletedAt),
		nullTime(record.FailedAt),
		nullTime(record.CancelledAt),
		formatTime(record.UpdatedAt),
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s: %w", record.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListExecutions(ctx context.Context, filter ListFilter) ([]*ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE status IN ('completed', 'cancelled')
		AND created_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminated executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete terminated executions: %w", err)
	}
	return int(affected), nil
}

func (s *SQLite) UpsertStep(ctx context.Context, record *StepRecord) error {
	paramsJSON, err := marshalNullable(record.Params)
	if err != nil {
		return fmt.Errorf("marshal step params: %w", err)
	}
	resultJSON, err := marshalNullable(record.Result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_executions (
			execution_id, step_id, name, type, status, attempt,
			params, result, error_message, tokens_used, duration_ms, item_count,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			attempt = excluded.attempt,
			params = excluded.params,
			result = excluded.result,
			error_message = excluded.error_message,
			tokens_used = excluded.tokens_used,
			duration_ms = excluded.duration_ms,
			item_count = excluded.item_count,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		record.ExecutionID,
		record.StepID,
		nullString(record.Name),
		record.Type,
		record.Status,
		record.Attempt,
		paramsJSON,
		resultJSON,
		nullString(record.ErrorMessage),
		record.TokensUsed,
		record.DurationMS,
		record.ItemCount,
		formatTime(record.StartedAt),
		nullTime(record.FinishedAt),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

const stepColumns = `
	execution_id, step_id, name, type, status, attempt,
	params, result, error_message, tokens_used, duration_ms, item_count,
	started_at, finished_at, created_at, updated_at`

func (s *SQLite) GetStep(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID)
	record, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s/%s: %w", executionID, stepID, ErrNotFound)
	}
	return record, err
}

func (s *SQLite) ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY started_at ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		record, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordHistory(ctx context.Context, record *HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			execution_id, agent_id, user_id, status,
			step_count, tokens_used, duration_ms, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ExecutionID,
		nullString(record.AgentID),
		nullString(record.UserID),
		record.Status,
		record.StepCount,
		record.TokensUsed,
		record.DurationMS,
		formatTime(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		record                                                         ExecutionRecord
		agentID, userID, sessionID, currentStep, runMode               sql.NullString
		planJSON, inputsJSON, traceJSON, finalJSON, resultsJSON        sql.NullString
		errorMessage, errorStack                                       sql.NullString
		startedAt, createdAt, updatedAt                                string
		pausedAt, resumedAt, completedAt, failedAt, cancelledAt        sql.NullString
	)

	err := row.Scan(
		&record.ID, &agentID, &userID, &sessionID,
		&record.Status, &currentStep, &runMode,
		&record.CompletedCount, &record.FailedCount, &record.SkippedCount,
		&planJSON, &inputsJSON, &traceJSON, &finalJSON, &resultsJSON,
		&errorMessage, &errorStack,
		&record.TotalTokensUsed, &record.TotalExecutionTimeMS,
		&startedAt, &pausedAt, &resumedAt, &completedAt, &failedAt, &cancelledAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.AgentID = agentID.String
	record.UserID = userID.String
	record.SessionID = sessionID.String
	record.CurrentStep = currentStep.String
	record.RunMode = runMode.String
	record.ErrorMessage = errorMessage.String
	record.ErrorStack = errorStack.String

	if planJSON.Valid {
		if err := json.Unmarshal([]byte(planJSON.String), &record.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}
	if inputsJSON.Valid {
		if err := json.Unmarshal([]byte(inputsJSON.String), &record.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if traceJSON.Valid && traceJSON.String != "" {
		if err := json.Unmarshal([]byte(traceJSON.String), &record.Trace); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
	}
	if finalJSON.Valid {
		if err := json.Unmarshal([]byte(finalJSON.String), &record.FinalOutput); err != nil {
			return nil, fmt.Errorf("decode final output: %w", err)
		}
	}
	if resultsJSON.Valid {
		if err := json.Unmarshal([]byte(resultsJSON.String), &record.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}

	if record.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if record.PausedAt, err = parseNullTime(pausedAt); err != nil {
		return nil, err
	}
	if record.ResumedAt, err = parseNullTime(resumedAt); err != nil {
		return nil, err
	}
	if record.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if record.FailedAt, err = parseNullTime(failedAt); err != nil {
		return nil, err
	}
	if record.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}

	return &record, nil
}

func scanStep(row rowScanner) (*StepRecord, error) {
	var (
		record                             StepRecord
		name, errorMessage                 sql.NullString
		paramsJSON, resultJSON, finishedAt sql.NullString
		startedAt, createdAt, updatedAt    string
	)

	err := row.Scan(
		&record.ExecutionID, &record.StepID, &name, &record.Type,
		&record.Status, &record.Attempt,
		&paramsJSON, &resultJSON, &errorMessage,
		&record.TokensUsed, &record.DurationMS, &record.ItemCount,
		&startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Name = name.String
	record.ErrorMessage = errorMessage.String
	if paramsJSON.Valid {
		if err := json.Unmarshal([]byte(paramsJSON.String), &record.Params); err != nil {
			return nil, fmt.Errorf("decode step params: %w", err)
		}
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &record.Result); err != nil {
			return nil, fmt.Errorf("decode step result: %w", err)
		}
	}
	if record.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if record.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}

	return &record, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

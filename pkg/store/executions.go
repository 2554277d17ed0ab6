/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

// ExecutionStore is the execution repository. The Code Execution Engine is
// its only writer.
type ExecutionStore struct {
	db *sqlx.DB
}

type executionRow struct {
	ID              string         `db:"id"`
	SessionID       string         `db:"session_id"`
	Status          string         `db:"status"`
	Code            string         `db:"code"`
	Language        string         `db:"language"`
	Event           sql.NullString `db:"event"`
	TimeoutSec      int            `db:"timeout_sec"`
	ReturnValue     sql.NullString `db:"return_value"`
	Stdout          sql.NullString `db:"stdout"`
	Stderr          sql.NullString `db:"stderr"`
	ExitCode        *int           `db:"exit_code"`
	Metrics         sql.NullString `db:"metrics"`
	ErrorDetail     sql.NullString `db:"error_detail"`
	RetryCount      int            `db:"retry_count"`
	ParentID        string         `db:"parent_execution_id"`
	IdempotencyKey  sql.NullString `db:"idempotency_key"`
	Version         int64          `db:"version"`
	LastHeartbeatAt time.Time      `db:"last_heartbeat_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
}

const executionColumns = `id, session_id, status, code, language, event, timeout_sec, return_value,
	stdout, stderr, exit_code, metrics, error_detail, retry_count, parent_execution_id,
	idempotency_key, version, last_heartbeat_at, created_at, updated_at, started_at, completed_at`

func (r executionRow) toExecution() (*v1.Execution, error) {
	e := &v1.Execution{
		ID:                r.ID,
		SessionID:         r.SessionID,
		Status:            v1.ExecutionStatus(r.Status),
		Code:              r.Code,
		Language:          v1.RuntimeType(r.Language),
		TimeoutSec:        r.TimeoutSec,
		Stdout:            r.Stdout.String,
		Stderr:            r.Stderr.String,
		ExitCode:          r.ExitCode,
		ErrorDetail:       r.ErrorDetail.String,
		RetryCount:        r.RetryCount,
		ParentExecutionID: r.ParentID,
		IdempotencyKey:    r.IdempotencyKey.String,
		Version:           r.Version,
		LastHeartbeatAt:   r.LastHeartbeatAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
	if r.Event.Valid {
		e.Event = json.RawMessage(r.Event.String)
	}
	if r.ReturnValue.Valid {
		e.ReturnValue = json.RawMessage(r.ReturnValue.String)
	}
	if err := unmarshalJSON(r.Metrics, &e.Metrics); err != nil {
		return nil, fmt.Errorf("decoding execution metrics, %w", err)
	}
	return e, nil
}

// Create inserts a new execution row at version 1.
func (s *ExecutionStore) Create(ctx context.Context, exec *v1.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, status, code, language, event, timeout_sec,
			retry_count, parent_execution_id, version, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		exec.ID, exec.SessionID, exec.Status, exec.Code, exec.Language,
		rawMessage(exec.Event), exec.TimeoutSec, exec.RetryCount, exec.ParentExecutionID,
		exec.LastHeartbeatAt, exec.CreatedAt, exec.UpdatedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting execution, %w", err)
	}
	exec.Version = 1
	return nil
}

// Get returns the execution by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*v1.Execution, error) {
	var row executionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "execution")
	}
	return row.toExecution()
}

// ListForSession returns the session's executions, newest first.
func (s *ExecutionStore) ListForSession(ctx context.Context, sessionID string, filter v1.ExecutionFilter) ([]*v1.Execution, error) {
	filter.Clamp()
	query := `SELECT ` + executionColumns + ` FROM executions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing executions, %w", err)
	}
	return rowsToExecutions(rows)
}

// ListInFlightForSession returns the session's pending and running
// executions, oldest first. The migration path resubmits these in order.
func (s *ExecutionStore) ListInFlightForSession(ctx context.Context, sessionID string) ([]*v1.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+executionColumns+` FROM executions
		 WHERE session_id = ? AND status IN ('pending', 'running') ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing in-flight executions, %w", err)
	}
	return rowsToExecutions(rows)
}

// ListStaleHeartbeats returns in-flight executions whose last heartbeat is
// older than the cutoff. The heartbeat sweeper turns these into crashes.
func (s *ExecutionStore) ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]*v1.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+executionColumns+` FROM executions
		 WHERE status IN ('pending', 'running') AND last_heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale executions, %w", err)
	}
	return rowsToExecutions(rows)
}

// UpdateCAS persists the execution, compare-and-swapping on the version the
// caller read. Returns ErrStaleVersion on a lost race and ErrDuplicate when
// the idempotency key is already claimed by another row.
func (s *ExecutionStore) UpdateCAS(ctx context.Context, exec *v1.Execution) error {
	metrics, err := marshalJSON(exec.Metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, return_value = ?, stdout = ?, stderr = ?, exit_code = ?,
			metrics = ?, error_detail = ?, retry_count = ?, idempotency_key = ?,
			version = version + 1, last_heartbeat_at = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		exec.Status, rawMessage(exec.ReturnValue),
		nullIfEmpty(exec.Stdout), nullIfEmpty(exec.Stderr), exec.ExitCode,
		metrics, nullIfEmpty(exec.ErrorDetail), exec.RetryCount, nullIfEmpty(exec.IdempotencyKey),
		exec.LastHeartbeatAt, exec.UpdatedAt, exec.StartedAt, exec.CompletedAt,
		exec.ID, exec.Version)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("updating execution, %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result, %w", err)
	}
	if affected == 0 {
		return ErrStaleVersion
	}
	exec.Version++
	return nil
}

// Heartbeat bumps last_heartbeat_at for an in-flight execution without
// touching the version column. Returns ErrNotFound when the execution is
// already terminal; late heartbeats from a superseded attempt land here.
func (s *ExecutionStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET last_heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`, at, at, id)
	if err != nil {
		return fmt.Errorf("recording heartbeat, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountForSession returns the number of executions the session has run.
func (s *ExecutionStore) CountForSession(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM executions WHERE session_id = ?`, sessionID); err != nil {
		return 0, fmt.Errorf("counting executions, %w", err)
	}
	return count, nil
}

func rowsToExecutions(rows []executionRow) ([]*v1.Execution, error) {
	out := make([]*v1.Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func rawMessage(m json.RawMessage) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(m), Valid: true}
}

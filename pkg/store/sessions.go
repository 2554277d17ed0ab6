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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

// SessionStore is the session repository. The Session Lifecycle Manager is
// its only writer.
type SessionStore struct {
	db *sqlx.DB
}

type sessionRow struct {
	ID            string         `db:"id"`
	TemplateID    string         `db:"template_id"`
	Status        string         `db:"status"`
	Mode          string         `db:"mode"`
	CPU           string         `db:"cpu"`
	Memory        string         `db:"memory"`
	Disk          string         `db:"disk"`
	Env           sql.NullString `db:"env"`
	ContainerID   string         `db:"container_id"`
	NodeID        string         `db:"node_id"`
	WorkspacePath string         `db:"workspace_object_path"`
	ExecutorURL   string         `db:"executor_endpoint"`
	AgentAffinity string         `db:"agent_affinity_id"`
	DepStatus     string         `db:"dep_status"`
	DepRequested  sql.NullString `db:"dep_requested"`
	DepInstalled  sql.NullString `db:"dep_installed"`
	DepError      sql.NullString `db:"dep_error"`
	TimeoutSec    int            `db:"timeout_sec"`
	FailureReason sql.NullString `db:"failure_reason"`
	Version       int64          `db:"version"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	StartedAt     *time.Time     `db:"started_at"`
	TerminatedAt  *time.Time     `db:"terminated_at"`
	LastActivity  time.Time      `db:"last_activity_at"`
	ExpiresAt     time.Time      `db:"expires_at"`
}

const sessionColumns = `id, template_id, status, mode, cpu, memory, disk, env, container_id, node_id,
	workspace_object_path, executor_endpoint, agent_affinity_id, dep_status, dep_requested, dep_installed,
	dep_error, timeout_sec, failure_reason, version, created_at, updated_at, started_at, terminated_at,
	last_activity_at, expires_at`

func (r sessionRow) toSession() (*v1.Session, error) {
	s := &v1.Session{
		ID:              r.ID,
		TemplateID:      r.TemplateID,
		Status:          v1.SessionStatus(r.Status),
		Mode:            v1.SessionMode(r.Mode),
		Resources:       v1.ResourceSpec{CPU: r.CPU, Memory: r.Memory, Disk: r.Disk},
		ContainerID:     r.ContainerID,
		NodeID:          r.NodeID,
		WorkspacePath:   r.WorkspacePath,
		ExecutorURL:     r.ExecutorURL,
		AgentAffinityID: r.AgentAffinity,
		Dependencies: v1.DependencyState{
			Status:       v1.DependencyInstallStatus(r.DepStatus),
			InstallError: r.DepError.String,
		},
		TimeoutSec:     r.TimeoutSec,
		FailureReason:  r.FailureReason.String,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		TerminatedAt:   r.TerminatedAt,
		LastActivityAt: r.LastActivity,
		ExpiresAt:      r.ExpiresAt,
	}
	if err := unmarshalJSON(r.Env, &s.Env); err != nil {
		return nil, fmt.Errorf("decoding session env, %w", err)
	}
	if err := unmarshalJSON(r.DepRequested, &s.Dependencies.Requested); err != nil {
		return nil, fmt.Errorf("decoding requested dependencies, %w", err)
	}
	if err := unmarshalJSON(r.DepInstalled, &s.Dependencies.Installed); err != nil {
		return nil, fmt.Errorf("decoding installed dependencies, %w", err)
	}
	return s, nil
}

// Create inserts a new session row at version 1.
func (s *SessionStore) Create(ctx context.Context, sess *v1.Session) error {
	env, err := marshalJSON(sess.Env)
	if err != nil {
		return err
	}
	requested, err := marshalJSON(sess.Dependencies.Requested)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, template_id, status, mode, cpu, memory, disk, env, container_id, node_id,
			workspace_object_path, executor_endpoint, agent_affinity_id, dep_status, dep_requested,
			timeout_sec, version, created_at, updated_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		sess.ID, sess.TemplateID, sess.Status, sess.Mode,
		sess.Resources.CPU, sess.Resources.Memory, sess.Resources.Disk,
		env, sess.ContainerID, sess.NodeID, sess.WorkspacePath, sess.ExecutorURL,
		sess.AgentAffinityID, sess.Dependencies.Status, requested,
		sess.TimeoutSec, sess.CreatedAt, sess.UpdatedAt, sess.LastActivityAt, sess.ExpiresAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting session, %w", err)
	}
	sess.Version = 1
	return nil
}

// Get returns the session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*v1.Session, error) {
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "session")
	}
	return row.toSession()
}

// List returns sessions matching the filter, newest first.
func (s *SessionStore) List(ctx context.Context, filter v1.SessionFilter) ([]*v1.Session, error) {
	filter.Clamp()
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing sessions, %w", err)
	}
	return rowsToSessions(rows)
}

// ListByStatus returns every session in any of the given statuses. Used by
// the reconciliation loops, which page through all candidates.
func (s *SessionStore) ListByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*v1.Session, error) {
	query, args, err := sqlx.In(`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("building status query, %w", err)
	}
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing sessions by status, %w", err)
	}
	return rowsToSessions(rows)
}

// CountActiveByTemplate returns the number of non-terminal sessions
// referencing the template; the template-deletion guard depends on it.
func (s *SessionStore) CountActiveByTemplate(ctx context.Context, templateID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sessions WHERE template_id = ? AND status IN ('creating', 'running')`, templateID)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions, %w", err)
	}
	return count, nil
}

// UpdateCAS persists the session, compare-and-swapping on the version the
// caller read. On a lost race it returns ErrStaleVersion without modifying
// anything; callers re-read and re-apply.
func (s *SessionStore) UpdateCAS(ctx context.Context, sess *v1.Session) error {
	env, err := marshalJSON(sess.Env)
	if err != nil {
		return err
	}
	requested, err := marshalJSON(sess.Dependencies.Requested)
	if err != nil {
		return err
	}
	installed, err := marshalJSON(sess.Dependencies.Installed)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, env = ?, container_id = ?, node_id = ?, executor_endpoint = ?,
			dep_status = ?, dep_requested = ?, dep_installed = ?, dep_error = ?, failure_reason = ?,
			version = version + 1, updated_at = ?, started_at = ?, terminated_at = ?,
			last_activity_at = ?, expires_at = ?
		WHERE id = ? AND version = ?`,
		sess.Status, env, sess.ContainerID, sess.NodeID, sess.ExecutorURL,
		sess.Dependencies.Status, requested, installed,
		nullIfEmpty(sess.Dependencies.InstallError), nullIfEmpty(sess.FailureReason),
		sess.UpdatedAt, sess.StartedAt, sess.TerminatedAt, sess.LastActivityAt, sess.ExpiresAt,
		sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("updating session, %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result, %w", err)
	}
	if affected == 0 {
		return ErrStaleVersion
	}
	sess.Version++
	return nil
}

// Touch bumps last_activity_at without contending on the version column;
// activity is monotonic and losing a concurrent touch is harmless.
func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ? AND last_activity_at < ?`,
		at, at, id, at)
	if err != nil {
		return fmt.Errorf("touching session, %w", err)
	}
	return nil
}

// Delete removes the session row; executions, containers and artifacts
// cascade at the schema level.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func rowsToSessions(rows []sessionRow) ([]*v1.Session, error) {
	out := make([]*v1.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "mysql")
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestSessionUpdateCASStaleVersion(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sessions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sess := &v1.Session{ID: "sess_abcdefgh12345678", Status: v1.SessionRunning, Version: 3}
	err := st.Sessions.UpdateCAS(context.Background(), sess)
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.Equal(t, int64(3), sess.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionUpdateCASBumpsVersion(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sessions SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess := &v1.Session{ID: "sess_abcdefgh12345678", Status: v1.SessionRunning, Version: 3}
	require.NoError(t, st.Sessions.UpdateCAS(context.Background(), sess))
	assert.Equal(t, int64(4), sess.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionUpdateCASDuplicateIdempotencyKey(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE executions SET`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	exec := &v1.Execution{ID: "exec_20260826_abcd1234", Status: v1.ExecutionCompleted, Version: 1,
		IdempotencyKey: "exec_20260826_abcd1234_result"}
	err := st.Executions.UpdateCAS(context.Background(), exec)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionHeartbeatTerminalNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE executions SET last_heartbeat_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Executions.Heartbeat(context.Background(), "exec_20260826_abcd1234", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateGetNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.Templates.Get(context.Background(), "tmpl_missing00000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionGetScansRow(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now().Truncate(time.Microsecond)
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "status", "code", "language", "event", "timeout_sec", "return_value",
		"stdout", "stderr", "exit_code", "metrics", "error_detail", "retry_count", "parent_execution_id",
		"idempotency_key", "version", "last_heartbeat_at", "created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(
		"exec_20260826_abcd1234", "sess_abcdefgh12345678", "completed", "print(1)", "python",
		`{"k":"v"}`, 300, `{"ok":true}`,
		"1\n", nil, 0, `{"duration_ms":42}`, nil, 0, "",
		"exec_20260826_abcd1234_result", 2, now, now, now, now, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM executions WHERE id`).WillReturnRows(rows)

	exec, err := st.Executions.Get(context.Background(), "exec_20260826_abcd1234")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCompleted, exec.Status)
	assert.Equal(t, "exec_20260826_abcd1234_result", exec.IdempotencyKey)
	assert.JSONEq(t, `{"ok":true}`, string(exec.ReturnValue))
	assert.Equal(t, int64(42), exec.Metrics.DurationMs)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, 0, *exec.ExitCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeUpdateCASStaleVersion(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE nodes SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	node := &v1.RuntimeNode{ID: "node_abcdef123456", Status: v1.NodeOnline, Version: 7}
	err := st.Nodes.UpdateCAS(context.Background(), node)
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

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
	"fmt"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

// ContainerStore is the container-record repository. It mirrors what the
// runtimes report; the state sync loop reconciles it against reality.
type ContainerStore struct {
	db *sqlx.DB
}

const containerColumns = `id, session_id, runtime_type, node_id, image, status, ip, executor_port,
	cpu, memory, disk, created_at, updated_at, started_at, exited_at`

// Create inserts a container record.
func (s *ContainerStore) Create(ctx context.Context, c *v1.Container) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, session_id, runtime_type, node_id, image, status, ip, executor_port,
			cpu, memory, disk, created_at, updated_at, started_at, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.RuntimeType, c.NodeID, c.Image, c.Status, c.IP, c.ExecutorPort,
		c.CPU, c.Memory, c.Disk, c.CreatedAt, c.UpdatedAt, c.StartedAt, c.ExitedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting container, %w", err)
	}
	return nil
}

// Get returns the container record by id.
func (s *ContainerStore) Get(ctx context.Context, id string) (*v1.Container, error) {
	var c v1.Container
	if err := s.db.GetContext(ctx, &c, `SELECT `+containerColumns+` FROM containers WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "container")
	}
	return &c, nil
}

// ListForSession returns the session's container records, newest first. A
// persistent session accumulates one per migration.
func (s *ContainerStore) ListForSession(ctx context.Context, sessionID string) ([]*v1.Container, error) {
	var out []*v1.Container
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+containerColumns+` FROM containers WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing containers, %w", err)
	}
	return out, nil
}

// ListNonTerminal returns container records the control plane believes are
// still live. The state sync loop checks each against its runtime.
func (s *ContainerStore) ListNonTerminal(ctx context.Context) ([]*v1.Container, error) {
	var out []*v1.Container
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+containerColumns+` FROM containers WHERE status IN ('created', 'running', 'paused')`)
	if err != nil {
		return nil, fmt.Errorf("listing live containers, %w", err)
	}
	return out, nil
}

// Update persists the container record's mutable fields.
func (s *ContainerStore) Update(ctx context.Context, c *v1.Container) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE containers SET status = ?, ip = ?, executor_port = ?, updated_at = ?, started_at = ?, exited_at = ?
		WHERE id = ?`,
		c.Status, c.IP, c.ExecutorPort, c.UpdatedAt, c.StartedAt, c.ExitedAt, c.ID)
	if err != nil {
		return fmt.Errorf("updating container, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the container record.
func (s *ContainerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting container, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

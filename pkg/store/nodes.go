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

// NodeStore is the runtime-node repository. Node registration, the health
// prober and the scheduler's allocation accounting all go through it.
type NodeStore struct {
	db *sqlx.DB
}

type nodeRow struct {
	ID                  string         `db:"id"`
	Hostname            string         `db:"hostname"`
	RuntimeType         string         `db:"runtime_type"`
	Endpoint            string         `db:"endpoint"`
	Status              string         `db:"status"`
	TotalCPUMillis      int64          `db:"total_cpu_millis"`
	AllocatedCPUMillis  int64          `db:"allocated_cpu_millis"`
	TotalMemoryBytes    int64          `db:"total_memory_bytes"`
	AllocatedMemory     int64          `db:"allocated_memory_bytes"`
	RunningContainers   int            `db:"running_containers"`
	MaxContainers       int            `db:"max_containers"`
	CachedImages        sql.NullString `db:"cached_images"`
	Labels              sql.NullString `db:"labels"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	Version             int64          `db:"version"`
	LastHeartbeatAt     time.Time      `db:"last_heartbeat_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

const nodeColumns = `id, hostname, runtime_type, endpoint, status, total_cpu_millis, allocated_cpu_millis,
	total_memory_bytes, allocated_memory_bytes, running_containers, max_containers, cached_images,
	labels, consecutive_failures, version, last_heartbeat_at, created_at, updated_at`

func (r nodeRow) toNode() (*v1.RuntimeNode, error) {
	n := &v1.RuntimeNode{
		ID:                  r.ID,
		Hostname:            r.Hostname,
		RuntimeType:         v1.ContainerRuntime(r.RuntimeType),
		Endpoint:            r.Endpoint,
		Status:              v1.NodeStatus(r.Status),
		TotalCPUMillis:      r.TotalCPUMillis,
		AllocatedCPUMillis:  r.AllocatedCPUMillis,
		TotalMemoryBytes:    r.TotalMemoryBytes,
		AllocatedMemory:     r.AllocatedMemory,
		RunningContainers:   r.RunningContainers,
		MaxContainers:       r.MaxContainers,
		ConsecutiveFailures: r.ConsecutiveFailures,
		Version:             r.Version,
		LastHeartbeatAt:     r.LastHeartbeatAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if err := unmarshalJSON(r.CachedImages, &n.CachedImages); err != nil {
		return nil, fmt.Errorf("decoding node cached images, %w", err)
	}
	if err := unmarshalJSON(r.Labels, &n.Labels); err != nil {
		return nil, fmt.Errorf("decoding node labels, %w", err)
	}
	return n, nil
}

// Create registers a new node at version 1. Hostnames are unique.
func (s *NodeStore) Create(ctx context.Context, node *v1.RuntimeNode) error {
	cachedImages, err := marshalJSON(node.CachedImages)
	if err != nil {
		return err
	}
	labels, err := marshalJSON(node.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, hostname, runtime_type, endpoint, status, total_cpu_millis, allocated_cpu_millis,
			total_memory_bytes, allocated_memory_bytes, running_containers, max_containers, cached_images,
			labels, consecutive_failures, version, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		node.ID, node.Hostname, node.RuntimeType, node.Endpoint, node.Status,
		node.TotalCPUMillis, node.AllocatedCPUMillis, node.TotalMemoryBytes, node.AllocatedMemory,
		node.RunningContainers, node.MaxContainers, cachedImages, labels, node.ConsecutiveFailures,
		node.LastHeartbeatAt, node.CreatedAt, node.UpdatedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting node, %w", err)
	}
	node.Version = 1
	return nil
}

// Get returns the node by id.
func (s *NodeStore) Get(ctx context.Context, id string) (*v1.RuntimeNode, error) {
	var row nodeRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "node")
	}
	return row.toNode()
}

// GetByHostname returns the node registered under the hostname.
func (s *NodeStore) GetByHostname(ctx context.Context, hostname string) (*v1.RuntimeNode, error) {
	var row nodeRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+nodeColumns+` FROM nodes WHERE hostname = ?`, hostname); err != nil {
		return nil, translateGet(err, "node")
	}
	return row.toNode()
}

// List returns every registered node, stable-ordered by id so scheduler
// tie-breaks are deterministic across replicas.
func (s *NodeStore) List(ctx context.Context) ([]*v1.RuntimeNode, error) {
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+nodeColumns+` FROM nodes ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("listing nodes, %w", err)
	}
	return rowsToNodes(rows)
}

// ListByStatus returns nodes in the given status, ordered by id.
func (s *NodeStore) ListByStatus(ctx context.Context, status v1.NodeStatus) ([]*v1.RuntimeNode, error) {
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+nodeColumns+` FROM nodes WHERE status = ? ORDER BY id ASC`, status); err != nil {
		return nil, fmt.Errorf("listing nodes by status, %w", err)
	}
	return rowsToNodes(rows)
}

// UpdateCAS persists the node, compare-and-swapping on the version the
// caller read. Allocation accounting always goes through here so two
// concurrent placements cannot both claim the same capacity.
func (s *NodeStore) UpdateCAS(ctx context.Context, node *v1.RuntimeNode) error {
	cachedImages, err := marshalJSON(node.CachedImages)
	if err != nil {
		return err
	}
	labels, err := marshalJSON(node.Labels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET endpoint = ?, status = ?, total_cpu_millis = ?, allocated_cpu_millis = ?,
			total_memory_bytes = ?, allocated_memory_bytes = ?, running_containers = ?, max_containers = ?,
			cached_images = ?, labels = ?, consecutive_failures = ?, version = version + 1,
			last_heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		node.Endpoint, node.Status, node.TotalCPUMillis, node.AllocatedCPUMillis,
		node.TotalMemoryBytes, node.AllocatedMemory, node.RunningContainers, node.MaxContainers,
		cachedImages, labels, node.ConsecutiveFailures, node.LastHeartbeatAt, node.UpdatedAt,
		node.ID, node.Version)
	if err != nil {
		return fmt.Errorf("updating node, %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result, %w", err)
	}
	if affected == 0 {
		return ErrStaleVersion
	}
	node.Version++
	return nil
}

// Heartbeat records a node heartbeat and resets the failure counter without
// contending on the version column.
func (s *NodeStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat_at = ?, consecutive_failures = 0, updated_at = ? WHERE id = ?`,
		at, at, id)
	if err != nil {
		return fmt.Errorf("recording node heartbeat, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the node registration.
func (s *NodeStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func rowsToNodes(rows []nodeRow) ([]*v1.RuntimeNode, error) {
	out := make([]*v1.RuntimeNode, 0, len(rows))
	for _, row := range rows {
		node, err := row.toNode()
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

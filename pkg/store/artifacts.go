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

// ArtifactStore is the artifact-metadata repository. The bytes live in
// object storage; only the pointer rows live here.
type ArtifactStore struct {
	db *sqlx.DB
}

const artifactColumns = `id, execution_id, type, path, object_path, size_bytes, mime_type, checksum, created_at`

// Create inserts an artifact record.
func (s *ArtifactStore) Create(ctx context.Context, a *v1.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, execution_id, type, path, object_path, size_bytes, mime_type, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.Type, a.Path, a.ObjectPath, a.SizeBytes, a.MimeType, a.Checksum, a.CreatedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting artifact, %w", err)
	}
	return nil
}

// Get returns the artifact record by id.
func (s *ArtifactStore) Get(ctx context.Context, id string) (*v1.Artifact, error) {
	var a v1.Artifact
	if err := s.db.GetContext(ctx, &a, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "artifact")
	}
	return &a, nil
}

// ListForExecution returns the execution's artifacts in creation order.
func (s *ArtifactStore) ListForExecution(ctx context.Context, executionID string) ([]*v1.Artifact, error) {
	var out []*v1.Artifact
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+artifactColumns+` FROM artifacts WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts, %w", err)
	}
	return out, nil
}

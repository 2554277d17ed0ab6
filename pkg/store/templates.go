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

// TemplateStore is the template repository.
type TemplateStore struct {
	db *sqlx.DB
}

type templateRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Image          string         `db:"image"`
	RuntimeType    string         `db:"runtime_type"`
	DefaultCPU     string         `db:"default_cpu"`
	DefaultMemory  string         `db:"default_memory"`
	DefaultDisk    string         `db:"default_disk"`
	DefaultTimeout int            `db:"default_timeout_sec"`
	Packages       sql.NullString `db:"packages"`
	ResourceRange  sql.NullString `db:"resource_range"`
	WarmPoolTarget int            `db:"warm_pool_target"`
	Active         bool           `db:"active"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

const templateColumns = `id, name, image, runtime_type, default_cpu, default_memory, default_disk,
	default_timeout_sec, packages, resource_range, warm_pool_target, active, created_at, updated_at`

func (r templateRow) toTemplate() (*v1.Template, error) {
	t := &v1.Template{
		ID:             r.ID,
		Name:           r.Name,
		Image:          r.Image,
		RuntimeType:    v1.RuntimeType(r.RuntimeType),
		DefaultCPU:     r.DefaultCPU,
		DefaultMemory:  r.DefaultMemory,
		DefaultDisk:    r.DefaultDisk,
		DefaultTimeout: r.DefaultTimeout,
		// Template identity is pinned platform-wide; it is enforced on
		// write, not stored per row.
		SecurityContext: v1.SecurityContext{RunAsUser: v1.SandboxUID, RunAsGroup: v1.SandboxGID},
		WarmPoolTarget:  r.WarmPoolTarget,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Packages, &t.Packages); err != nil {
		return nil, fmt.Errorf("decoding template packages, %w", err)
	}
	if err := unmarshalJSON(r.ResourceRange, &t.ResourceRange); err != nil {
		return nil, fmt.Errorf("decoding template resource range, %w", err)
	}
	return t, nil
}

// Create inserts a new template. Names are unique; a clash maps to
// ErrDuplicate.
func (s *TemplateStore) Create(ctx context.Context, tmpl *v1.Template) error {
	packages, err := marshalJSON(tmpl.Packages)
	if err != nil {
		return err
	}
	resourceRange, err := marshalJSON(tmpl.ResourceRange)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, image, runtime_type, default_cpu, default_memory, default_disk,
			default_timeout_sec, packages, resource_range, warm_pool_target, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Name, tmpl.Image, tmpl.RuntimeType,
		tmpl.DefaultCPU, tmpl.DefaultMemory, tmpl.DefaultDisk, tmpl.DefaultTimeout,
		packages, resourceRange, tmpl.WarmPoolTarget, tmpl.Active, tmpl.CreatedAt, tmpl.UpdatedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting template, %w", err)
	}
	return nil
}

// Get returns the template by id.
func (s *TemplateStore) Get(ctx context.Context, id string) (*v1.Template, error) {
	var row templateRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id); err != nil {
		return nil, translateGet(err, "template")
	}
	return row.toTemplate()
}

// GetByName returns the template with the given unique name.
func (s *TemplateStore) GetByName(ctx context.Context, name string) (*v1.Template, error) {
	var row templateRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+templateColumns+` FROM templates WHERE name = ?`, name); err != nil {
		return nil, translateGet(err, "template")
	}
	return row.toTemplate()
}

// List returns every template, active ones first, then by name.
func (s *TemplateStore) List(ctx context.Context) ([]*v1.Template, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+templateColumns+` FROM templates ORDER BY active DESC, name ASC`); err != nil {
		return nil, fmt.Errorf("listing templates, %w", err)
	}
	out := make([]*v1.Template, 0, len(rows))
	for _, row := range rows {
		tmpl, err := row.toTemplate()
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, nil
}

// Update persists mutable template fields.
func (s *TemplateStore) Update(ctx context.Context, tmpl *v1.Template) error {
	packages, err := marshalJSON(tmpl.Packages)
	if err != nil {
		return err
	}
	resourceRange, err := marshalJSON(tmpl.ResourceRange)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, image = ?, default_cpu = ?, default_memory = ?, default_disk = ?,
			default_timeout_sec = ?, packages = ?, resource_range = ?, warm_pool_target = ?, active = ?,
			updated_at = ?
		WHERE id = ?`,
		tmpl.Name, tmpl.Image, tmpl.DefaultCPU, tmpl.DefaultMemory, tmpl.DefaultDisk,
		tmpl.DefaultTimeout, packages, resourceRange, tmpl.WarmPoolTarget, tmpl.Active,
		tmpl.UpdatedAt, tmpl.ID)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("updating template, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the template. The caller checks for active sessions first;
// a foreign-key refusal still maps to an error rather than silent success.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting template, %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

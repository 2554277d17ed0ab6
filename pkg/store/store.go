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

// Package store implements typed repositories over the relational store.
// The database is the single source of truth; every status mutation goes
// through a compare-and-swap on the row's version column.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Sentinel errors; callers translate these into the API taxonomy.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when a CAS write lost to a concurrent
	// writer. Callers re-read and re-apply; they never overwrite.
	ErrStaleVersion = errors.New("stale version")
	// ErrDuplicate is returned when a unique constraint rejected an insert.
	ErrDuplicate = errors.New("duplicate")
)

// Store aggregates the typed repositories sharing one database handle.
type Store struct {
	db *sqlx.DB

	Sessions   *SessionStore
	Executions *ExecutionStore
	Templates  *TemplateStore
	Nodes      *NodeStore
	Containers *ContainerStore
	Artifacts  *ArtifactStore
}

// Open connects to MariaDB, runs pending migrations, and returns the
// repository bundle.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database, %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("mysql"); err != nil {
		return nil, fmt.Errorf("selecting migration dialect, %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations, %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle; used by Open and by repository tests.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:         db,
		Sessions:   &SessionStore{db: db},
		Executions: &ExecutionStore{db: db},
		Templates:  &TemplateStore{db: db},
		Nodes:      &NodeStore{db: db},
		Containers: &ContainerStore{db: db},
		Artifacts:  &ArtifactStore{db: db},
	}
}

// Ping verifies database connectivity for the health rollup.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isDuplicate detects MariaDB duplicate-key violations (error 1062).
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// translateGet maps sql.ErrNoRows to ErrNotFound, passing other errors
// through wrapped.
func translateGet(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("reading %s, %w", what, err)
}

// marshalJSON persists a value into a JSON column, mapping empty values to
// SQL NULL so queries stay index-friendly.
func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling json column, %w", err)
	}
	if string(raw) == "null" || string(raw) == "{}" || string(raw) == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// unmarshalJSON hydrates a JSON column into out; NULL leaves out untouched.
func unmarshalJSON(col sql.NullString, out interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}

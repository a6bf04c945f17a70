// Package postgres implements the storage interfaces backed by PostgreSQL,
// using database/sql and lib/pq directly rather than an ORM, in keeping with
// the rest of this codebase's persistence layer.
package postgres

import (
	"database/sql"

	"github.com/qcfractal/fractal-core/internal/app/storage"
)

// Store implements the storage interfaces on top of a single *sql.DB handle.
type Store struct {
	db *sql.DB
}

var _ storage.RecordStore = (*Store)(nil)
var _ storage.DispatcherStore = (*Store)(nil)
var _ storage.ManagerStore = (*Store)(nil)
var _ storage.ServiceStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.DedupStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle, for callers (such as
// internal/app/errorlog) that need to share the same connection pool for a
// concern outside the storage interfaces above.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CLAUDE:SUMMARY SQLite persistence for documents, corrections, datasets
// and the concurrency policy, one store per entity over a shared handle.
package store

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/docflow/dbopen"
)

// Store bundles the per-entity stores over one SQLite handle.
type Store struct {
	DB          *sql.DB
	Documents   *DocumentStore
	Corrections *CorrectionStore
	Datasets    *DatasetStore
	Policy      *PolicyStore
	RunLog      *RunLogStore
}

// New wraps an already opened database. The schema must be in place;
// Open handles both.
func New(db *sql.DB) *Store {
	return &Store{
		DB:          db,
		Documents:   &DocumentStore{db: db},
		Corrections: &CorrectionStore{db: db},
		Datasets:    &DatasetStore{db: db},
		Policy:      &PolicyStore{db: db},
		RunLog:      &RunLogStore{db: db},
	}
}

// Open opens (or creates) the docflow database at path with the standard
// pragmas and schema applied.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithSchema(Schema), dbopen.WithMkdirAll()}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.DB.Close() }

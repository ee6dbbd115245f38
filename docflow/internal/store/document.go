package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/docflow/dbopen"
	"github.com/hazyhaar/docflow/document"
)

// DocumentStore persists documents. JSON-shaped fields (properties, state,
// options, extracted data, errors) live in TEXT columns; only the fields
// queries filter on get their own columns.
type DocumentStore struct {
	db *sql.DB
}

// ListFilter narrows List. Zero value lists everything.
type ListFilter struct {
	Dataset string
	// Status filters on the derived status after scan; empty keeps all.
	Status document.Status
	Limit  int
	Offset int
}

// Get returns the document or document.ErrNotFound.
func (s *DocumentStore) Get(ctx context.Context, id string) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dataset, properties, state, options, extracted, errors, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, document.ErrNotFound)
	}
	return doc, err
}

// Put upserts the whole document.
func (s *DocumentStore) Put(ctx context.Context, doc *document.Document) error {
	props, err := json.Marshal(doc.Properties)
	if err != nil {
		return fmt.Errorf("put document %q: properties: %w", doc.ID, err)
	}
	state, err := json.Marshal(doc.State)
	if err != nil {
		return fmt.Errorf("put document %q: state: %w", doc.ID, err)
	}
	opts, err := json.Marshal(doc.Options)
	if err != nil {
		return fmt.Errorf("put document %q: options: %w", doc.ID, err)
	}
	extracted, err := json.Marshal(doc.Extracted)
	if err != nil {
		return fmt.Errorf("put document %q: extracted: %w", doc.ID, err)
	}
	errsJSON, err := json.Marshal(doc.Errors)
	if err != nil {
		return fmt.Errorf("put document %q: errors: %w", doc.ID, err)
	}

	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO documents (id, dataset, properties, state, options, extracted, errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dataset    = excluded.dataset,
			properties = excluded.properties,
			state      = excluded.state,
			options    = excluded.options,
			extracted  = excluded.extracted,
			errors     = excluded.errors,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Dataset, string(props), string(state), string(opts),
		string(extracted), string(errsJSON),
		doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put document %q: %w", doc.ID, err)
	}
	return nil
}

// Delete removes the document and its corrections. Corrections are
// append-only for the lifetime of the document; they do not survive it.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete document %q: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("document %q: %w", id, document.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM corrections WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("delete corrections for %q: %w", id, err)
		}
		return nil
	})
}

// List returns documents newest first, optionally narrowed by filter.
func (s *DocumentStore) List(ctx context.Context, f ListFilter) ([]*document.Document, error) {
	q := `SELECT id, dataset, properties, state, options, extracted, errors, created_at, updated_at
		FROM documents`
	var args []any
	if f.Dataset != "" {
		q += ` WHERE dataset = ?`
		args = append(args, f.Dataset)
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*document.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if f.Status != "" && doc.Status() != f.Status {
			continue
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*document.Document, error) {
	var (
		doc                  document.Document
		props, state, opts   string
		extracted, errsJSON  string
		createdAt, updatedAt string
	)
	err := row.Scan(&doc.ID, &doc.Dataset, &props, &state, &opts, &extracted, &errsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &doc.Properties); err != nil {
		return nil, fmt.Errorf("document %q: properties: %w", doc.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &doc.State); err != nil {
		return nil, fmt.Errorf("document %q: state: %w", doc.ID, err)
	}
	if err := json.Unmarshal([]byte(opts), &doc.Options); err != nil {
		return nil, fmt.Errorf("document %q: options: %w", doc.ID, err)
	}
	if err := json.Unmarshal([]byte(extracted), &doc.Extracted); err != nil {
		return nil, fmt.Errorf("document %q: extracted: %w", doc.ID, err)
	}
	if err := json.Unmarshal([]byte(errsJSON), &doc.Errors); err != nil {
		return nil, fmt.Errorf("document %q: errors: %w", doc.ID, err)
	}
	if doc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("document %q: created_at: %w", doc.ID, err)
	}
	if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("document %q: updated_at: %w", doc.ID, err)
	}
	return &doc, nil
}

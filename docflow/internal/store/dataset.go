package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/docflow/dbopen"
	"github.com/hazyhaar/docflow/docflow/internal/dataset"
)

// DatasetStore persists dataset configurations and implements
// dataset.Source for the resolver.
type DatasetStore struct {
	db *sql.DB
}

// GetDataset returns nil, nil for unknown names, per dataset.Source.
func (s *DatasetStore) GetDataset(ctx context.Context, name string) (*dataset.Stored, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, model_prompt, example_schema, max_pages_per_chunk, options
		FROM datasets WHERE name = ?`, name)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDatasets returns all stored datasets ordered by name.
func (s *DatasetStore) ListDatasets(ctx context.Context) ([]*dataset.Stored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, model_prompt, example_schema, max_pages_per_chunk, options
		FROM datasets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*dataset.Stored
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDataset upserts one dataset configuration. Used by seeding and by
// configuration sync at startup.
func (s *DatasetStore) PutDataset(ctx context.Context, d *dataset.Stored) error {
	opts, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("put dataset %q: options: %w", d.Name, err)
	}
	schema := string(d.ExampleSchema)
	if schema == "" {
		schema = "{}"
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO datasets (name, model_prompt, example_schema, max_pages_per_chunk, options)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model_prompt        = excluded.model_prompt,
			example_schema      = excluded.example_schema,
			max_pages_per_chunk = excluded.max_pages_per_chunk,
			options             = excluded.options`,
		d.Name, d.ModelPrompt, schema, d.MaxPagesPerChunk, string(opts))
	if err != nil {
		return fmt.Errorf("put dataset %q: %w", d.Name, err)
	}
	return nil
}

func scanDataset(row rowScanner) (*dataset.Stored, error) {
	var d dataset.Stored
	var schema, opts string
	if err := row.Scan(&d.Name, &d.ModelPrompt, &schema, &d.MaxPagesPerChunk, &opts); err != nil {
		return nil, err
	}
	d.ExampleSchema = json.RawMessage(schema)
	if err := json.Unmarshal([]byte(opts), &d.Options); err != nil {
		return nil, fmt.Errorf("dataset %q: options: %w", d.Name, err)
	}
	return &d, nil
}

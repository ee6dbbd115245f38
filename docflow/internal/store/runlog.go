package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/docflow/dbopen"
	"github.com/hazyhaar/docflow/docflow/internal/pipeline"
)

// RunLogStore persists one row per stage attempt. Implements
// pipeline.RunLogger; rows are append-only observability data and are not
// part of the document state machine.
type RunLogStore struct {
	db *sql.DB
}

// Record appends a stage attempt row.
func (s *RunLogStore) Record(ctx context.Context, e pipeline.RunEntry) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO run_log (document_id, stage, chunks, duration_seconds, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.Stage, e.Chunks, e.DurationSeconds, e.Outcome, e.Detail,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record run log: %w", err)
	}
	return nil
}

// ForDocument returns all stage attempt rows for a document in insertion
// order, oldest first.
func (s *RunLogStore) ForDocument(ctx context.Context, docID string) ([]pipeline.RunEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, stage, chunks, duration_seconds, outcome, detail
		FROM run_log WHERE document_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RunEntry
	for rows.Next() {
		var e pipeline.RunEntry
		if err := rows.Scan(&e.DocumentID, &e.Stage, &e.Chunks, &e.DurationSeconds, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

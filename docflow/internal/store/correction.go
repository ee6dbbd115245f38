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

// CorrectionStore is the append-only correction ledger. Entries are only
// ever inserted; the highest-numbered entry's corrected data is the current
// authoritative extraction value.
type CorrectionStore struct {
	db *sql.DB
}

// Submit appends one correction. Inside a single transaction it reads the
// current authoritative value (the latest correction, or the document's own
// extraction output when none exists), snapshots it as original_data, and
// inserts with the next correction number. Two racing submits serialize:
// the second one sees the first as its original.
func (s *CorrectionStore) Submit(ctx context.Context, docID, correctorID, notes string, corrected json.RawMessage) (document.Correction, error) {
	if len(corrected) == 0 {
		return document.Correction{}, errors.New("submit correction: empty corrected data")
	}
	var out document.Correction
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		original, next, err := authoritativeTx(ctx, tx, docID)
		if err != nil {
			return err
		}
		out = document.Correction{
			DocumentID:    docID,
			Number:        next,
			CorrectorID:   correctorID,
			Notes:         notes,
			OriginalData:  original,
			CorrectedData: corrected,
			CreatedAt:     time.Now().UnixMilli(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO corrections (document_id, correction_number, corrector_id, notes, original_data, corrected_data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			out.DocumentID, out.Number, out.CorrectorID, out.Notes,
			string(out.OriginalData), string(out.CorrectedData), out.CreatedAt)
		if err != nil {
			return fmt.Errorf("submit correction %q #%d: %w", docID, next, err)
		}
		return nil
	})
	return out, err
}

// History returns all corrections for the document, oldest first.
func (s *CorrectionStore) History(ctx context.Context, docID string) ([]document.Correction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, correction_number, corrector_id, notes, original_data, corrected_data, created_at
		FROM corrections WHERE document_id = ? ORDER BY correction_number`, docID)
	if err != nil {
		return nil, fmt.Errorf("correction history %q: %w", docID, err)
	}
	defer rows.Close()

	var out []document.Correction
	for rows.Next() {
		var c document.Correction
		var original, correctedData string
		if err := rows.Scan(&c.DocumentID, &c.Number, &c.CorrectorID, &c.Notes, &original, &correctedData, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("correction history %q: %w", docID, err)
		}
		c.OriginalData = json.RawMessage(original)
		c.CorrectedData = json.RawMessage(correctedData)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Authoritative returns the current authoritative extraction value: the
// latest correction's corrected data, or the document's extraction output
// when the ledger is empty.
func (s *CorrectionStore) Authoritative(ctx context.Context, docID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		v, _, err := authoritativeTx(ctx, tx, docID)
		out = v
		return err
	})
	return out, err
}

// authoritativeTx resolves the current value and the next correction number
// within tx. Returns document.ErrNotFound for unknown documents and
// document.ErrNoExtraction when extraction has not produced output yet.
func authoritativeTx(ctx context.Context, tx *sql.Tx, docID string) (json.RawMessage, int, error) {
	var latest sql.NullString
	var maxNum sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT corrected_data, correction_number FROM corrections
		WHERE document_id = ? ORDER BY correction_number DESC LIMIT 1`, docID).
		Scan(&latest, &maxNum)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("corrections for %q: %w", docID, err)
	}
	if latest.Valid {
		return json.RawMessage(latest.String), int(maxNum.Int64) + 1, nil
	}

	var extracted string
	err = tx.QueryRowContext(ctx, `SELECT extracted FROM documents WHERE id = ?`, docID).Scan(&extracted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("document %q: %w", docID, document.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("document %q: %w", docID, err)
	}
	var data document.ExtractedData
	if err := json.Unmarshal([]byte(extracted), &data); err != nil {
		return nil, 0, fmt.Errorf("document %q: extracted: %w", docID, err)
	}
	if len(data.ExtractionOutput) == 0 || string(data.ExtractionOutput) == "null" {
		return nil, 0, fmt.Errorf("document %q: %w", docID, document.ErrNoExtraction)
	}
	return data.ExtractionOutput, 1, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/docflow/dbopen"
	"github.com/hazyhaar/docflow/docflow/internal/admission"
	"github.com/hazyhaar/docflow/document"
)

// PolicyStore is the durable concurrency policy, a single row. Implements
// admission.PolicySource.
type PolicyStore struct {
	db *sql.DB
}

// Seed installs the policy row if none exists yet. Called once at startup
// so a fresh database starts enabled at the configured bound.
func (s *PolicyStore) Seed(ctx context.Context, maxRuns int) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO concurrency_policy (id, max_runs, updated_at)
		VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
		maxRuns, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("seed concurrency policy: %w", err)
	}
	return nil
}

// Get returns the stored policy. A database without a policy row counts as
// an unavailable source.
func (s *PolicyStore) Get(ctx context.Context) (document.ConcurrencyPolicy, error) {
	var maxRuns int
	err := s.db.QueryRowContext(ctx, `SELECT max_runs FROM concurrency_policy WHERE id = 1`).Scan(&maxRuns)
	if errors.Is(err, sql.ErrNoRows) {
		return document.ConcurrencyPolicy{}, admission.ErrPolicyUnavailable
	}
	if err != nil {
		return document.ConcurrencyPolicy{}, fmt.Errorf("%w: %w", admission.ErrPolicyUnavailable, err)
	}
	return document.ConcurrencyPolicy{Enabled: true, MaxRuns: maxRuns}, nil
}

// Set persists a new bound.
func (s *PolicyStore) Set(ctx context.Context, maxRuns int) error {
	if maxRuns < 1 {
		return fmt.Errorf("set concurrency policy: max_runs %d out of range", maxRuns)
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO concurrency_policy (id, max_runs, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET max_runs = excluded.max_runs, updated_at = excluded.updated_at`,
		maxRuns, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set concurrency policy: %w", err)
	}
	return nil
}

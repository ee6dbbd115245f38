package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyRetries is the attempt count for statements hitting writer
// contention. Waits are linear (100/200 ms between attempts): under WAL
// the lock holder is short-lived, so a couple of spaced retries clear
// most collisions.
const busyRetries = 3

// IsBusy reports whether err is an SQLite BUSY condition, in any of the
// spellings the driver surfaces it.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retryBusy runs fn, retrying only on BUSY. Non-busy errors return
// unchanged so callers can match their own sentinels.
func retryBusy(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := range busyRetries {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if i == busyRetries-1 {
			break
		}
		if werr := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); werr != nil {
			return fmt.Errorf("dbopen: %s: %w", op, werr)
		}
	}
	return fmt.Errorf("dbopen: %s: busy retries exhausted: %w", op, err)
}

// RunTx executes fn inside a transaction, retrying the whole transaction
// on SQLITE_BUSY. fn returning an error rolls back.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a single statement with BUSY retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

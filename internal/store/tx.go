// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// Tx wraps a database transaction with savepoint support. Transactions open
// with immediate locking (the _txlock DSN parameter), so the write lock is
// taken at BEGIN rather than at the first write.
type Tx struct {
	tx     *sql.Tx
	cancel context.CancelFunc
	spn    int
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Begin opens a transaction. The returned Tx must end with Commit or
// Rollback; WithTx is the preferred wrapper. The checkout context stays
// alive for the lifetime of the transaction and is released on Commit or
// Rollback; cancelling it earlier would roll the transaction back under us.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	ctx, cancel := s.checkoutCtx(ctx)

	raw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		cancel()
		return nil, wrapErr("begin", err)
	}
	return &Tx{tx: raw, cancel: cancel}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Exec runs a statement inside the transaction and returns the affected row
// count.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapErr("tx.exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("tx.exec", err)
	}
	return n, nil
}

// QueryRow scans a single row inside the transaction into dest.
func (t *Tx) QueryRow(ctx context.Context, query string, dest []any, args ...any) error {
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return wrapErr("tx.query", err)
	}
	return nil
}

// Savepoint creates a named savepoint and returns its name.
func (t *Tx) Savepoint(ctx context.Context) (string, error) {
	t.spn++
	name := fmt.Sprintf("sp_%d", t.spn)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return "", wrapErr("savepoint", err)
	}
	return name, nil
}

// RollbackTo rewinds the transaction to the named savepoint.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return &Error{Kind: KindFatal, Op: "rollback_to", Err: fmt.Errorf("invalid savepoint name %q", name)}
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return wrapErr("rollback_to", err)
	}
	return nil
}

// Release discards the named savepoint, keeping its effects.
func (t *Tx) Release(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return &Error{Kind: KindFatal, Op: "release", Err: fmt.Errorf("invalid savepoint name %q", name)}
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return wrapErr("release", err)
	}
	return nil
}

// Commit finishes the transaction.
func (t *Tx) Commit() error {
	defer t.cancel()
	if err := t.tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	defer t.cancel()
	if err := t.tx.Rollback(); err != nil {
		return wrapErr("rollback", err)
	}
	return nil
}

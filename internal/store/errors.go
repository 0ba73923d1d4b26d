// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Alexi5000/videoforge/internal/metrics"
)

// ErrorKind classifies store failures for retry decisions.
type ErrorKind string

const (
	// KindTransient covers busy/locked conditions that a caller may retry
	// with backoff.
	KindTransient ErrorKind = "transient"
	// KindFatal covers integrity failures, schema mismatches and exhausted
	// retries. Not recoverable locally.
	KindFatal ErrorKind = "fatal"
	// KindNotFound covers missing rows.
	KindNotFound ErrorKind = "not_found"
)

// Error is the typed error surfaced by every store operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is the sentinel matched by errors.Is for missing rows.
var ErrNotFound = &Error{Kind: KindNotFound, Op: "lookup", Err: sql.ErrNoRows}

// Is reports kind equality so errors.Is(err, ErrNotFound) works across ops.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// wrapErr classifies a raw sqlite error into a typed store error and records
// it. SQLITE_BUSY and SQLITE_LOCKED are the only retryable conditions.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		metrics.IncStoreError(string(KindNotFound))
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	kind := KindFatal
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		kind = KindTransient
	}
	metrics.IncStoreError(string(kind))
	return &Error{Kind: kind, Op: op, Err: err}
}

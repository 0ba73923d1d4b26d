// SPDX-License-Identifier: MIT

// Package store provides the typed persistence layer over a single-file
// SQLite database. All SQL in the daemon lives in this package; callers go
// through the typed accessors or the generic Execute helpers, never raw
// handles.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go driver

	vflog "github.com/Alexi5000/videoforge/internal/log"
)

// Config defines operational parameters for the SQLite pool.
type Config struct {
	Path            string
	PoolSize        int           // max open connections
	CheckoutTimeout time.Duration // bound on waiting for a free connection
	StmtCacheSize   int           // bounded prepared-statement cache
}

// DefaultConfig returns the standard operational parameters.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		PoolSize:        5,
		CheckoutTimeout: 5 * time.Second,
		StmtCacheSize:   50,
	}
}

// Store owns the database handle pool and the prepared-statement cache.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	stmts map[string]*sql.Stmt // keyed by SQL text hash
	order []string             // FIFO eviction order
}

// Open initializes the SQLite pool with mandatory PRAGMAs. The pragmas ride
// in the DSN so they apply to every connection in the pool: WAL journaling,
// foreign keys on, 64 MB page cache, memory temp store, busy timeout, and
// immediate transaction locking.
func Open(cfg Config) (*Store, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
	if cfg.StmtCacheSize <= 0 {
		cfg.StmtCacheSize = 50
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(%d)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=cache_size(-65536)"+
		"&_pragma=temp_store(MEMORY)",
		cfg.Path, cfg.CheckoutTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapErr("ping", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: vflog.WithComponent("store"),
		stmts:  make(map[string]*sql.Stmt),
	}

	// Foreign keys must be active on every connection; a pool handle that
	// lost the pragma would silently allow orphan rows.
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		_ = db.Close()
		return nil, &Error{Kind: KindFatal, Op: "open", Err: fmt.Errorf("foreign key enforcement not active")}
	}

	return s, nil
}

// Close releases cached statements and the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.order = nil
	s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// prepared returns a cached prepared statement for the SQL text, preparing
// and caching it on first use. The cache is bounded with FIFO eviction.
func (s *Store) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	sum := sha256.Sum256([]byte(query))
	key := hex.EncodeToString(sum[:8])

	s.mu.Lock()
	if st, ok := s.stmts[key]; ok {
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.stmts[key]; ok {
		// Raced with another caller; keep theirs.
		_ = st.Close()
		return existing, nil
	}
	if len(s.order) >= s.cfg.StmtCacheSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.stmts[oldest]; ok {
			_ = old.Close()
			delete(s.stmts, oldest)
		}
	}
	s.stmts[key] = st
	s.order = append(s.order, key)
	return st, nil
}

// checkoutCtx bounds connection checkout waits when the caller has no
// tighter deadline.
func (s *Store) checkoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
}

// Row is a generic result row keyed by column name.
type Row map[string]any

// ExecuteQuery runs a SELECT through the statement cache and returns
// generic rows. Typed accessors are preferred; this form serves the query
// cache and the integrity tooling.
func (s *Store) ExecuteQuery(ctx context.Context, query string, args ...any) ([]Row, error) {
	ctx, cancel := s.checkoutCtx(ctx)
	defer cancel()

	st, err := s.prepared(ctx, query)
	if err != nil {
		return nil, wrapErr("query", err)
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, wrapErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapErr("query", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapErr("scan", err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
			} else {
				r[c] = vals[i]
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query", err)
	}
	return out, nil
}

// ExecuteUpdate runs an INSERT/UPDATE/DELETE and returns the affected row
// count.
func (s *Store) ExecuteUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := s.checkoutCtx(ctx)
	defer cancel()

	st, err := s.prepared(ctx, query)
	if err != nil {
		return 0, wrapErr("update", err)
	}
	res, err := st.ExecContext(ctx, args...)
	if err != nil {
		return 0, wrapErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("update", err)
	}
	return n, nil
}

// ExecuteBatch runs the same statement for each argument tuple inside a
// single transaction per batch of batchSize. Returns the total affected row
// count; any failure rolls back the current batch.
func (s *Store) ExecuteBatch(ctx context.Context, query string, argsList [][]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var total int64
	for start := 0; start < len(argsList); start += batchSize {
		end := start + batchSize
		if end > len(argsList) {
			end = len(argsList)
		}
		var batchTotal int64
		err := s.WithTx(ctx, func(tx *Tx) error {
			for _, args := range argsList[start:end] {
				n, err := tx.Exec(ctx, query, args...)
				if err != nil {
					return err
				}
				batchTotal += n
			}
			return nil
		})
		if err != nil {
			// A failed batch rolled back; its rows never count.
			return total, err
		}
		total += batchTotal
	}
	return total, nil
}

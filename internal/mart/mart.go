// Package mart owns the data-mart database: the connection pool, the
// dialect differences between SQLite and PostgreSQL, the sz_dm_* schema,
// and the typed row operations the replicator's handlers are written
// against.
//
// All mutations are expressed as idempotent upserts keyed by stable
// identifiers, so READ COMMITTED is sufficient on PostgreSQL and the
// single-writer connection is sufficient on SQLite.
package mart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/entresolve/martd/internal/connuri"
)

// ErrTransient marks retryable database failures: lock timeouts, busy
// databases, serialization aborts. The scheduler retries tasks that
// fail with it; anything else from this package is treated as fatal.
var ErrTransient = errors.New("transient database error")

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries the row operations shared by Mart (autocommit) and Tx.
type ops struct {
	q querier
	d Dialect
}

// Mart is the mart database accessor.
type Mart struct {
	ops
	db      *sql.DB
	dialect Dialect

	// beforeStamp runs between the candidate select and the guarded
	// update in ClaimMessages; tests use it to interleave a competing
	// consumer.
	beforeStamp func()
}

// Tx is one mart transaction. Obtain it through Mart.WithTx.
type Tx struct {
	ops
	tx *sql.Tx
}

// Open connects to the mart database named by a parsed connection URI.
// Pool sizing is dialect-driven: SQLite is clamped to a single
// connection (single writer), PostgreSQL gets poolSize connections.
func Open(ctx context.Context, uri connuri.URI, poolSize int) (*Mart, error) {
	switch u := uri.(type) {
	case *connuri.SQLiteURI:
		return openSQLite(ctx, u)
	case *connuri.PostgresURI:
		return openPostgres(ctx, u, poolSize)
	default:
		return nil, fmt.Errorf("unsupported mart database URI %q", uri)
	}
}

// memSeq distinguishes in-memory databases opened in the same process;
// a shared-cache name is process-global, so each Open gets its own.
var memSeq atomic.Int64

func openSQLite(ctx context.Context, uri *connuri.SQLiteURI) (*Mart, error) {
	connStr := uri.ConnString()
	if uri.InMemory {
		connStr = fmt.Sprintf(
			"file:martdb%d?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite",
			memSeq.Add(1))
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite mart: %w", err)
	}
	// One writer. SQLite serializes writes anyway; a pool of one keeps
	// busy-timeouts out of the hot path entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite mart: %w", err)
	}
	m := &Mart{db: db, dialect: SQLite}
	m.ops = ops{q: db, d: SQLite}
	return m, nil
}

func openPostgres(ctx context.Context, uri *connuri.PostgresURI, poolSize int) (*Mart, error) {
	db, err := sql.Open("postgres", uri.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres mart: %w", err)
	}
	if poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres mart: %w", err)
	}
	m := &Mart{db: db, dialect: Postgres}
	m.ops = ops{q: db, d: Postgres}
	return m, nil
}

// Dialect reports which SQL flavor the mart speaks.
func (m *Mart) Dialect() Dialect { return m.dialect }

// Close releases the connection pool.
func (m *Mart) Close() error { return m.db.Close() }

// WithTx runs fn inside one mart transaction, committing on nil and
// rolling back on error or panic. Begin is retried with exponential
// backoff when the database reports busy, which SQLite does under
// writer contention.
func (m *Mart) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	// READ COMMITTED on PostgreSQL; SQLite only knows serializable, so
	// it gets the driver default.
	opts := &sql.TxOptions{}
	if m.dialect == Postgres {
		opts.Isolation = sql.LevelReadCommitted
	}

	var sqlTx *sql.Tx
	begin := func() error {
		var err error
		sqlTx, err = m.db.BeginTx(ctx, opts)
		if err != nil && IsTransient(err) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(begin, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("begin mart transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{tx: sqlTx, ops: ops{q: sqlTx, d: m.dialect}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if IsTransient(err) {
			return fmt.Errorf("%w: commit: %v", ErrTransient, err)
		}
		return fmt.Errorf("commit mart transaction: %w", err)
	}
	committed = true
	return nil
}

// IsTransient classifies database errors that are worth retrying:
// SQLite busy/locked and PostgreSQL serialization or lock failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// now returns the timestamp bound into lease and audit columns. Always
// UTC so SQLite text timestamps and PostgreSQL timestamptz agree.
func now() time.Time {
	return time.Now().UTC()
}

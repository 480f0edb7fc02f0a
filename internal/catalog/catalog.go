package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBQuerier is implemented by both *sql.DB and *sql.Tx, the same seam the
// teacher's internal/database/repository.go uses to let every query method
// run either standalone or inside a transaction.
type DBQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Catalog is the durable store described by spec.md §3/§6.
type Catalog struct {
	db DBQuerier
	sqlDB *sql.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // advisory lock per folder_id
}

// Open creates/migrates the SQLite database at path and returns a Catalog.
func Open(ctx context.Context, path string) (*Catalog, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite: serialize writers, matches WAL + busy_timeout discipline

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, fmt.Errorf("apply catalog migrations: %w", err)
	}

	return &Catalog{
		db:    sqlDB,
		sqlDB: sqlDB,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	if c.sqlDB == nil {
		return nil
	}
	return c.sqlDB.Close()
}

// WithTransaction runs fn against a Catalog scoped to one transaction,
// committing on success and rolling back on error, matching the teacher's
// Repository.WithTransaction.
func (c *Catalog) WithTransaction(ctx context.Context, fn func(*Catalog) error) error {
	tx, err := c.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}

	txCatalog := &Catalog{db: tx, sqlDB: c.sqlDB, locks: c.locks}

	if err := fn(txCatalog); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback catalog transaction (original error: %w): %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog transaction: %w", err)
	}
	return nil
}

// AdvisoryLock acquires the per-folder advisory lock spec.md §5 requires
// around cross-component folder state transitions, and returns a function
// that releases it. The lock is process-local: the core is a single
// binary, so an in-memory keyed mutex satisfies "a single advisory lock per
// folder_id" without requiring a second coordination channel through
// SQLite.
func (c *Catalog) AdvisoryLock(folderID string) func() {
	c.lockMu.Lock()
	l, ok := c.locks[folderID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[folderID] = l
	}
	c.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

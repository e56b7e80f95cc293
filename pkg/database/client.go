// Copyright 2025 LedgerVault Project
//
// Database client for the ledger engine. The engine is a single-writer,
// many-reader embedder: at most one append/rollback transaction runs at a
// time (the chain engine serializes them) while streaming scans page
// through blocks concurrently. The pool is sized with that profile in
// mind, and every mutation goes through writeTx so begin/commit
// bookkeeping lives in one place. Schema migrations run under a Postgres
// advisory lock so concurrently starting engines do not race on DDL.

package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ledgervault/ledgervault/pkg/config"
	"github.com/ledgervault/ledgervault/pkg/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey is the advisory-lock key guarding schema migrations.
// Derived once from the project name; any value works as long as every
// engine instance agrees on it.
const migrationLockKey = 0x1ed6e7_70a511

// connectTimeout bounds the initial reachability check
const connectTimeout = 10 * time.Second

// Client owns the database handle for one engine instance
type Client struct {
	db     *sql.DB
	config *config.Config
	logger *logging.Logger
}

// Open connects to the ledger database and verifies reachability. It does
// not touch the schema; call Migrate before first use.
func Open(cfg *config.Config, logger *logging.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("database")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The pool is shared by the write path and streaming reads; no
	// connection is reserved for either. A floor of two open connections
	// applies to a smaller configured maximum.
	maxConns := cfg.DatabaseMaxConns
	if maxConns < 2 {
		maxConns = 2
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(cfg.DatabaseMinConns, maxConns))
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Connected to ledger database",
		"max_conns", maxConns,
		"stream_page_size", cfg.StreamPageSize,
		"batch_size", cfg.BatchSize)

	return &Client{db: db, config: cfg, logger: logger}, nil
}

// DB returns the underlying handle, for callers outside this package
// (health endpoints, tests).
func (c *Client) DB() *sql.DB {
	return c.db
}

// Config returns the configuration the client was built with
func (c *Client) Config() *config.Config {
	return c.config
}

// Close closes the database handle
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	c.logger.Info("Closing ledger database")
	return c.db.Close()
}

// writeTx runs fn inside one transaction on the write path. The chain
// engine serializes writers above this layer; here lives only the
// begin/commit bookkeeping and the rollback on error.
func (c *Client) writeTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ============================================================================
// SCHEMA MIGRATIONS
// ============================================================================

type migration struct {
	version string
	sql     string
}

// Migrate applies pending schema migrations. The whole run holds a
// session-level advisory lock so that several engines pointed at the same
// database (a rolling restart, a test matrix) apply DDL exactly once.
func (c *Client) Migrate(ctx context.Context) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("obtain migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := c.applyOne(ctx, conn, m); err != nil {
			return err
		}
		c.logger.Info("Applied schema migration", "version", m.version)
		pending++
	}
	if pending == 0 {
		c.logger.Debug("Schema is current", "versions", len(migrations))
	}
	return nil
}

// applyOne runs one migration and records its version in a single
// transaction on the lock-holding connection.
func (c *Client) applyOne(ctx context.Context, conn *sql.Conn, m migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version) VALUES ($1)
		ON CONFLICT (version) DO NOTHING`, m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// loadMigrations reads the embedded migration files, ordered by filename.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		version := strings.TrimSuffix(name[len("migrations/"):], ".sql")
		out = append(out, migration{version: version, sql: string(content)})
	}
	return out, nil
}

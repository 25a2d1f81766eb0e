package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"willhaben-tracker/utils"
)

// Options describes how to reach the database.
type Options struct {
	// Driver is one of "sqlite", "postgres" (lib/pq) or "pgx".
	Driver string
	DSN    string
	// PingAttempts defaults to 10, matching a database container that is
	// still starting up.
	PingAttempts int
	Logger       *slog.Logger
}

// Open connects, waits for the server to answer and applies the schema.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	if d == dialectSQLite && opts.DSN != ":memory:" && !strings.HasPrefix(opts.DSN, "file:") {
		if dir := filepath.Dir(opts.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%s: create data dir: %w", opts.Driver, err)
			}
		}
	}

	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", opts.Driver, err)
	}
	if d == dialectSQLite {
		// One connection: an in-memory database lives and dies with its
		// connection, and SQLite has a single writer anyway. It is never
		// recycled, so the per-connection pragmas below stay in effect.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	attempts := opts.PingAttempts
	if attempts <= 0 {
		attempts = 10
	}
	retry := &utils.RetryConfig{MaxAttempts: attempts, BaseDelay: 500 * time.Millisecond, Logger: opts.Logger}
	if err := retry.Do(ctx, opts.Driver+"-ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", opts.Driver, err)
	}

	if d == dialectSQLite {
		if err := applyPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: pragmas: %w", opts.Driver, err)
		}
	}

	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: migrate: %w", opts.Driver, err)
	}
	return db, nil
}

// sqlitePragmas let the dashboard read while a cycle commits: WAL keeps
// readers off the writer's lock and busy_timeout makes writers wait for each
// other instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"PRAGMA busy_timeout = 10000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func migrate(ctx context.Context, db *sqlx.DB, d dialect) error {
	for _, stmt := range schemaStatements(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// dbTime normalises timestamps before they are written so that equality on
// (listing_id, scraped_at) behaves the same in every backend.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

package storage

import (
	"fmt"
	"strings"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return dialectSQLite, nil
	case "postgres", "pgx":
		return dialectPostgres, nil
	default:
		return 0, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ad_id         TEXT      UNIQUE NOT NULL,
	url           TEXT      NOT NULL DEFAULT '',
	first_seen_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	listing_id     INTEGER   NOT NULL REFERENCES listings(id),
	scraped_at     TIMESTAMP NOT NULL,
	title          TEXT      NOT NULL DEFAULT '',
	price          TEXT      NOT NULL DEFAULT '',
	price_value    INTEGER,
	location       TEXT      NOT NULL DEFAULT '',
	rooms          TEXT      NOT NULL DEFAULT '',
	size_sqm       TEXT      NOT NULL DEFAULT '',
	size_sqm_value REAL,
	price_per_sqm  REAL,
	UNIQUE (listing_id, scraped_at)
);

CREATE TABLE IF NOT EXISTS listing_status (
	listing_id INTEGER PRIMARY KEY REFERENCES listings(id),
	status     TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
	closed_at  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP,
	listings_found  INTEGER NOT NULL DEFAULT 0,
	new_listings    INTEGER NOT NULL DEFAULT 0,
	closed_listings INTEGER NOT NULL DEFAULT 0,
	status          TEXT    NOT NULL DEFAULT 'running'
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id            BIGSERIAL   PRIMARY KEY,
	ad_id         TEXT        UNIQUE NOT NULL,
	url           TEXT        NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS snapshots (
	id             BIGSERIAL   PRIMARY KEY,
	listing_id     BIGINT      NOT NULL REFERENCES listings(id),
	scraped_at     TIMESTAMPTZ NOT NULL,
	title          TEXT        NOT NULL DEFAULT '',
	price          TEXT        NOT NULL DEFAULT '',
	price_value    BIGINT,
	location       TEXT        NOT NULL DEFAULT '',
	rooms          TEXT        NOT NULL DEFAULT '',
	size_sqm       TEXT        NOT NULL DEFAULT '',
	size_sqm_value DOUBLE PRECISION,
	price_per_sqm  DOUBLE PRECISION,
	UNIQUE (listing_id, scraped_at)
);

CREATE TABLE IF NOT EXISTS listing_status (
	listing_id BIGINT PRIMARY KEY REFERENCES listings(id),
	status     TEXT   NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
	closed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id              BIGSERIAL   PRIMARY KEY,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	listings_found  INTEGER     NOT NULL DEFAULT 0,
	new_listings    INTEGER     NOT NULL DEFAULT 0,
	closed_listings INTEGER     NOT NULL DEFAULT 0,
	status          TEXT        NOT NULL DEFAULT 'running'
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_snapshots_listing_id      ON snapshots(listing_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_scraped_at      ON snapshots(scraped_at);
CREATE INDEX IF NOT EXISTS idx_listing_status_status     ON listing_status(status);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_started_at    ON scrape_runs(started_at);
`

// schemaStatements splits the DDL so each statement runs on its own; not
// every driver accepts several statements in one Exec.
func schemaStatements(d dialect) []string {
	ddl := sqliteSchema
	if d == dialectPostgres {
		ddl = postgresSchema
	}
	var out []string
	for _, stmt := range strings.Split(ddl+indexes, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

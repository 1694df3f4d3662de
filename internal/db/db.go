// Package db handles database connectivity, migrations, and data access for
// the driftboard federation core. It supports both SQLite (default, no
// external dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert hits a uniqueness constraint.
// Inbox handlers treat it as success: the object was already processed.
var ErrAlreadyExists = errors.New("already exists")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "driftboard.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	for _, tmpl := range migrations {
		stmt := strings.ReplaceAll(tmpl, "{{PK}}", pk)
		if _, err := s.db.Exec(stmt); err != nil {
			// Ignore "already exists" on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// {{PK}} is replaced with the driver's autoincrement primary key clause.
// Timestamps are stored as Unix seconds so both drivers scan them identically.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id       {{PK}},
		username TEXT NOT NULL UNIQUE,
		ap_public_key            TEXT,
		ap_private_key_encrypted TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS boards (
		id            {{PK}},
		slug          TEXT NOT NULL UNIQUE,
		title         TEXT NOT NULL DEFAULT '',
		visibility    TEXT NOT NULL DEFAULT 'public',
		accept_policy TEXT NOT NULL DEFAULT 'open',
		ap_public_key            TEXT,
		ap_private_key_encrypted TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS remote_actors (
		id             {{PK}},
		ap_id          TEXT NOT NULL UNIQUE,
		username       TEXT NOT NULL,
		domain         TEXT NOT NULL,
		display_name   TEXT NOT NULL DEFAULT '',
		avatar_url     TEXT NOT NULL DEFAULT '',
		summary        TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		inbox          TEXT NOT NULL,
		shared_inbox   TEXT NOT NULL DEFAULT '',
		actor_type     TEXT NOT NULL DEFAULT 'Person',
		fetched_at     BIGINT NOT NULL,
		UNIQUE(username, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS followers (
		id              {{PK}},
		actor_uri       TEXT NOT NULL,
		follower_uri    TEXT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		activity_id     TEXT NOT NULL DEFAULT '',
		accepted_at     BIGINT,
		UNIQUE(actor_uri, follower_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS followers_remote_actor ON followers(remote_actor_id)`,
	`CREATE TABLE IF NOT EXISTS user_follows (
		id              {{PK}},
		user_id         BIGINT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending',
		ap_id           TEXT NOT NULL UNIQUE,
		accepted_at     BIGINT,
		rejected_at     BIGINT,
		UNIQUE(user_id, remote_actor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS board_follows (
		id              {{PK}},
		board_id        BIGINT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending',
		ap_id           TEXT NOT NULL UNIQUE,
		accepted_at     BIGINT,
		rejected_at     BIGINT,
		UNIQUE(board_id, remote_actor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id            {{PK}},
		activity_json TEXT NOT NULL,
		inbox_url     TEXT NOT NULL,
		actor_uri     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INT NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		next_retry_at BIGINT,
		delivered_at  BIGINT,
		inserted_at   BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL
	)`,
	// The authoritative outbound mutual-exclusion primitive: at most one
	// in-flight job per (inbox, signer).
	`CREATE UNIQUE INDEX IF NOT EXISTS delivery_jobs_inflight
		ON delivery_jobs(inbox_url, actor_uri)
		WHERE status IN ('pending','failed')`,
	`CREATE INDEX IF NOT EXISTS delivery_jobs_due ON delivery_jobs(status, next_retry_at)`,
	`CREATE TABLE IF NOT EXISTS articles (
		id              {{PK}},
		ap_id           TEXT NOT NULL UNIQUE,
		user_id         BIGINT,
		board_id        BIGINT,
		remote_actor_id BIGINT,
		title           TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL DEFAULT '',
		deleted_at      BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS article_boards (
		article_id BIGINT NOT NULL,
		board_id   BIGINT NOT NULL,
		UNIQUE(article_id, board_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id              {{PK}},
		ap_id           TEXT NOT NULL UNIQUE,
		article_id      BIGINT NOT NULL,
		parent_id       BIGINT,
		remote_actor_id BIGINT,
		body            TEXT NOT NULL DEFAULT '',
		deleted_at      BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS article_likes (
		id              {{PK}},
		ap_id           TEXT NOT NULL UNIQUE,
		article_id      BIGINT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		UNIQUE(article_id, remote_actor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS announces (
		id              {{PK}},
		ap_id           TEXT NOT NULL UNIQUE,
		object_uri      TEXT NOT NULL,
		article_id      BIGINT,
		remote_actor_id BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feed_items (
		id              {{PK}},
		ap_id           TEXT NOT NULL,
		user_id         BIGINT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL DEFAULT '',
		UNIQUE(ap_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_messages (
		id              {{PK}},
		ap_id           TEXT NOT NULL UNIQUE,
		user_id         BIGINT NOT NULL,
		remote_actor_id BIGINT NOT NULL,
		body            TEXT NOT NULL DEFAULT '',
		conversation    TEXT NOT NULL DEFAULT '',
		deleted_at      BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id              {{PK}},
		remote_actor_id BIGINT NOT NULL,
		article_id      BIGINT,
		comment_id      BIGINT,
		content         TEXT NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// rebind converts ?-style placeholders to $N for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnore prefixes an INSERT with the driver's conflict-skip form.
// The statement must end before any ON CONFLICT clause.
func (s *Store) insertIgnore(q string) string {
	if s.driver == "sqlite" {
		return strings.Replace(q, "INSERT", "INSERT OR IGNORE", 1)
	}
	return q + " ON CONFLICT DO NOTHING"
}

// execInsertIgnore runs a conflict-skipping insert and returns
// ErrAlreadyExists when the row was skipped.
func (s *Store) execInsertIgnore(q string, args ...any) error {
	res, err := s.db.Exec(s.rebind(s.insertIgnore(q)), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

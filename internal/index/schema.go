// Package index is the SQLite cache derived from the document tree: document
// metadata, the link graph, labels, allocation counters, directory roots,
// content cache and the reconciliation watermark. Every byte in it can be
// re-derived from the tree, so corruption is healed by dropping and
// rebuilding rather than by repair.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/trellis/internal/apperr"
)

// SchemaVersion is bumped whenever the layout below changes; a cache with a
// different version is rebuilt from scratch.
const SchemaVersion = 1

const coreSchemaSQL = `
CREATE TABLE watermark (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	schema_version INTEGER NOT NULL,
	last_commit    TEXT    NOT NULL DEFAULT '',
	dirty_paths    TEXT    NOT NULL DEFAULT '{}',
	last_indexed   DATETIME
);

CREATE TABLE documents (
	id               TEXT PRIMARY KEY,
	parent_id        TEXT    NOT NULL DEFAULT '',
	path             TEXT    NOT NULL UNIQUE,
	name             TEXT    NOT NULL DEFAULT '',
	description      TEXT    NOT NULL DEFAULT '',
	kind             TEXT    NOT NULL DEFAULT '',
	status           TEXT    NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 2,
	context_priority INTEGER NOT NULL DEFAULT 0,
	context_position INTEGER NOT NULL DEFAULT 0,
	body_hash        TEXT    NOT NULL DEFAULT '',
	file_hash        TEXT    NOT NULL DEFAULT '',
	body_length      INTEGER NOT NULL DEFAULT 0,
	link_count       INTEGER NOT NULL DEFAULT 0,
	backlink_count   INTEGER NOT NULL DEFAULT 0,
	view_count       INTEGER NOT NULL DEFAULT 0,
	is_closed        INTEGER NOT NULL DEFAULT 0,
	is_root          INTEGER NOT NULL DEFAULT 0,
	is_materialized  INTEGER NOT NULL DEFAULT 1,
	created_at       DATETIME,
	updated_at       DATETIME,
	closed_at        DATETIME,
	indexed_at       DATETIME NOT NULL
);

CREATE INDEX idx_documents_parent ON documents(parent_id);
CREATE INDEX idx_documents_status ON documents(status);
CREATE INDEX idx_documents_kind ON documents(kind);
CREATE INDEX idx_documents_priority ON documents(priority);
CREATE INDEX idx_documents_updated ON documents(updated_at);
CREATE INDEX idx_documents_root ON documents(is_root);

CREATE TABLE links (
	source_id   TEXT    NOT NULL,
	target_id   TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	position    INTEGER NOT NULL,
	target_path TEXT    NOT NULL DEFAULT '',
	path_stale  INTEGER NOT NULL DEFAULT 0,
	line        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, position)
);

CREATE INDEX idx_links_target ON links(target_id);

CREATE TABLE labels (
	document_id TEXT NOT NULL,
	label       TEXT NOT NULL,
	PRIMARY KEY (document_id, label)
);

CREATE INDEX idx_labels_label ON labels(label);

CREATE TABLE context_labels (
	document_id TEXT NOT NULL,
	label       TEXT NOT NULL,
	PRIMARY KEY (document_id, label)
);

CREATE INDEX idx_context_labels_label ON context_labels(label);

CREATE TABLE counters (
	contributor  TEXT PRIMARY KEY,
	next_counter TEXT NOT NULL
);

CREATE TABLE directory_roots (
	directory        TEXT PRIMARY KEY,
	root_id          TEXT    NOT NULL,
	parent_directory TEXT    NOT NULL DEFAULT '',
	depth            INTEGER NOT NULL
);

CREATE TABLE content_cache (
	document_id  TEXT PRIMARY KEY,
	content      TEXT    NOT NULL,
	content_hash TEXT    NOT NULL,
	accessed_at  INTEGER NOT NULL,
	source_mtime INTEGER NOT NULL
);

CREATE INDEX idx_content_cache_accessed ON content_cache(accessed_at);

CREATE TABLE views (
	document_id TEXT PRIMARY KEY,
	view_count  INTEGER NOT NULL DEFAULT 0,
	last_viewed DATETIME
);
`

var managedTables = []string{
	"watermark", "documents", "links", "labels", "context_labels", "counters",
	"directory_roots", "content_cache", "views", "fts_content",
}

// DefaultContentEntries bounds the persisted content cache.
const DefaultContentEntries = 100

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the read operations shared by DB and Tx.
type queries struct {
	q querier
}

// DB wraps a sql.DB with cache-specific operations.
type DB struct {
	queries
	conn           *sql.DB
	path           string
	busyTimeout    time.Duration
	contentEntries int
	logger         *slog.Logger
}

// Option configures Open.
type Option func(*DB)

// WithBusyTimeout bounds how long a writer waits for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(db *DB) { db.busyTimeout = d }
}

// WithContentEntries bounds the persisted content cache.
func WithContentEntries(n int) Option {
	return func(db *DB) { db.contentEntries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// Open opens (or creates) the cache file. It does not create the schema;
// the reconciler decides whether the existing one can be reused.
func Open(path string, opts ...Option) (*DB, error) {
	db := &DB{
		path:           path,
		busyTimeout:    5 * time.Second,
		contentEntries: DefaultContentEntries,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("index: create cache dir: %w", err)
	}
	err := db.connect()
	if err != nil && !hasSQLiteHeader(path) {
		err = fmt.Errorf("%w: %w", apperr.ErrCorrupt, err)
	}
	if errors.Is(err, apperr.ErrCorrupt) {
		db.logger.Warn("index: cache unreadable, starting over",
			slog.String("path", path), slog.String("error", err.Error()))
		if err := RemoveFiles(path); err != nil {
			return nil, err
		}
		err = db.connect()
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) connect() error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		db.path, db.busyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return fmt.Errorf("index: ping %s: %w", db.path, classify(err))
	}
	db.conn = conn
	db.q = conn
	return nil
}

// Wipe deletes the cache files and reopens an empty database in their
// place. It is the recovery for a file SQLite no longer recognises.
func (db *DB) Wipe() error {
	if db.conn != nil {
		db.conn.Close()
	}
	if err := RemoveFiles(db.path); err != nil {
		return err
	}
	db.logger.Warn("index: cache files removed", slog.String("path", db.path))
	return db.connect()
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the cache file location.
func (db *DB) Path() string { return db.path }

// SchemaVersion returns the version recorded in the cache, or 0 when the
// cache has no schema yet.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'watermark'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: inspect schema: %w", classify(err))
	}
	if n == 0 {
		return 0, nil
	}
	var v int
	err = db.conn.QueryRowContext(ctx, `SELECT schema_version FROM watermark WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("index: watermark row missing: %w", apperr.ErrCorrupt)
	}
	if err != nil {
		return 0, fmt.Errorf("index: read schema version: %w", classify(err))
	}
	return v, nil
}

// Reset drops and recreates the schema in one transaction.
func (db *DB) Reset(ctx context.Context) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.Recreate(ctx) })
}

// Recreate drops every cache table and creates the current schema with an
// empty watermark.
func (tx *Tx) Recreate(ctx context.Context) error {
	for _, t := range managedTables {
		if _, err := tx.tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+t); err != nil {
			return fmt.Errorf("index: drop %s: %w", t, classify(err))
		}
	}
	if _, err := tx.tx.ExecContext(ctx, coreSchemaSQL); err != nil {
		return fmt.Errorf("index: apply core schema: %w", classify(err))
	}
	if err := initFTS(ctx, tx.tx); err != nil {
		return fmt.Errorf("index: apply fts schema: %w", classify(err))
	}
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO watermark (id, schema_version) VALUES (1, ?)`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("index: init watermark: %w", classify(err))
	}
	return nil
}

// RemoveFiles deletes the cache file and its WAL side files.
func RemoveFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("index: remove %s: %w", p, err)
		}
	}
	return nil
}

const sqliteHeader = "SQLite format 3\x00"

// hasSQLiteHeader reports whether path is absent, empty or starts like a
// SQLite database.
func hasSQLiteHeader(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, len(sqliteHeader))
	n, _ := io.ReadFull(f, buf)
	return n == 0 || string(buf[:n]) == sqliteHeader
}

// Exists reports whether a cache file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

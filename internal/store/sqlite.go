package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB is the embedded SQLite store backing entities, the sync queue, and
// sync cursors. It runs in embedded mode with WAL so readers are not
// blocked during writes.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".shedsync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL keeps a torn write from ever being readable.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Close closes the database connection after a WAL checkpoint.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		key TEXT PRIMARY KEY,
		local_id TEXT NOT NULL,
		remote_id TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		sync_version INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER NOT NULL DEFAULT 0,
		payload TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_ops (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		resource TEXT NOT NULL,
		entity TEXT NOT NULL,  -- JSON snapshot
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
	CREATE INDEX IF NOT EXISTS idx_entities_local ON entities(local_id);
	CREATE INDEX IF NOT EXISTS idx_ops_status ON sync_ops(status);
	CREATE INDEX IF NOT EXISTS idx_ops_created ON sync_ops(created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ===== Store interface =====

// Save upserts an entity under the given key in a single statement, so a
// crash mid-write never exposes a partial row.
func (db *DB) Save(ctx context.Context, key string, e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	query := `
	INSERT INTO entities (
		key, local_id, remote_id, kind, status, sync_version,
		checksum, created_at, updated_at, deleted_at, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		local_id = excluded.local_id,
		remote_id = excluded.remote_id,
		kind = excluded.kind,
		status = excluded.status,
		sync_version = excluded.sync_version,
		checksum = excluded.checksum,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		payload = excluded.payload
	`

	_, err := db.conn.ExecContext(ctx, query,
		key, e.LocalID, e.RemoteID, string(e.Kind), string(e.Status),
		e.SyncVersion, e.Checksum, e.CreatedAt, e.UpdatedAt, e.DeletedAt,
		string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", key, err)
	}
	return nil
}

// Load returns the entity stored under key, or ErrNotFound.
func (db *DB) Load(ctx context.Context, key string) (*entity.Entity, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT local_id, remote_id, kind, status, sync_version,
		       checksum, created_at, updated_at, deleted_at, payload
		FROM entities WHERE key = ?`, key)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", key, err)
	}
	return e, nil
}

// Delete removes the key. Absent keys are not an error.
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", key, err)
	}
	return nil
}

// ListKeys returns all stored entity keys.
func (db *DB) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key FROM entities ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListEntities returns all entities, optionally filtered by status.
func (db *DB) ListEntities(ctx context.Context, statuses ...entity.Status) ([]*entity.Entity, error) {
	query := `
		SELECT local_id, remote_id, kind, status, sync_version,
		       checksum, created_at, updated_at, deleted_at, payload
		FROM entities`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY updated_at`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SyncToken returns the stored sync cursor for the given user, or "" when
// no cycle has completed yet.
func (db *DB) SyncToken(ctx context.Context, userID string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, tokenKey(userID)).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sync token: %w", err)
	}
	return v, nil
}

// SetSyncToken persists the sync cursor for the given user.
func (db *DB) SetSyncToken(ctx context.Context, userID, token string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		tokenKey(userID), token)
	if err != nil {
		return fmt.Errorf("failed to save sync token: %w", err)
	}
	return nil
}

func tokenKey(userID string) string {
	return "sync_token/" + userID
}

// ===== queue.Storage interface =====

// InsertOperation persists a new sync operation.
func (db *DB) InsertOperation(ctx context.Context, op *queue.Operation) error {
	snapshot, err := json.Marshal(op.Entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity snapshot: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sync_ops (id, kind, resource, entity, created_at, status, retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			resource = excluded.resource,
			entity = excluded.entity,
			status = excluded.status,
			retries = excluded.retries,
			last_error = excluded.last_error`,
		op.ID, string(op.Kind), op.Resource, string(snapshot),
		op.CreatedAt, string(op.Status), op.Retries, op.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}
	return nil
}

// UpdateOperation rewrites an existing operation's mutable fields.
func (db *DB) UpdateOperation(ctx context.Context, op *queue.Operation) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE sync_ops SET status = ?, retries = ?, last_error = ? WHERE id = ?`,
		string(op.Status), op.Retries, op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return queue.ErrOpNotFound
	}
	return nil
}

// GetOperation loads one operation by id.
func (db *DB) GetOperation(ctx context.Context, id string) (*queue.Operation, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, kind, resource, entity, created_at, status, retries, last_error
		FROM sync_ops WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, queue.ErrOpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation %s: %w", id, err)
	}
	return op, nil
}

// PendingOperations returns up to limit pending operations, oldest first.
func (db *DB) PendingOperations(ctx context.Context, limit int) ([]*queue.Operation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, resource, entity, created_at, status, retries, last_error
		FROM sync_ops WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		string(queue.OpPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var out []*queue.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListOperations returns all operations, optionally filtered by status and
// a minimum creation time (epoch ms). Used by the history command.
func (db *DB) ListOperations(ctx context.Context, since int64, statuses ...queue.OpStatus) ([]*queue.Operation, error) {
	query := `
		SELECT id, kind, resource, entity, created_at, status, retries, last_error
		FROM sync_ops WHERE created_at >= ?`
	args := []any{since}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []*queue.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeleteOperation removes one operation by id.
func (db *DB) DeleteOperation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// CountOperations counts operations, optionally filtered by status.
func (db *DB) CountOperations(ctx context.Context, statuses ...queue.OpStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sync_ops`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

// ClearOperations drops all operations.
func (db *DB) ClearOperations(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_ops`); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	return nil
}

// ===== scanning helpers =====

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*entity.Entity, error) {
	var e entity.Entity
	var kind, status, payload string
	var remoteID sql.NullString
	if err := row.Scan(&e.LocalID, &remoteID, &kind, &status, &e.SyncVersion,
		&e.Checksum, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt, &payload); err != nil {
		return nil, err
	}
	e.RemoteID = remoteID.String
	e.Kind = entity.Kind(kind)
	e.Status = entity.Status(status)
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

func scanOperation(row rowScanner) (*queue.Operation, error) {
	var op queue.Operation
	var kind, status, snapshot string
	var lastError sql.NullString
	if err := row.Scan(&op.ID, &kind, &op.Resource, &snapshot,
		&op.CreatedAt, &status, &op.Retries, &lastError); err != nil {
		return nil, err
	}
	op.Kind = queue.OpKind(kind)
	op.Status = queue.OpStatus(status)
	op.LastError = lastError.String
	if err := json.Unmarshal([]byte(snapshot), &op.Entity); err != nil {
		return nil, fmt.Errorf("corrupt entity snapshot for operation %s: %w", op.ID, err)
	}
	return &op, nil
}

func placeholders(n int) string {
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tesserbridge/bridge/internal/domain"
	_ "modernc.org/sqlite"
)

// isBusyError reports whether err is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked"). The driver does not expose typed
// errors for these, so the message is the only signal.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryBusy runs fn, retrying on SQLite concurrency errors. WAL mode plus
// the busy timeout covers most contention; this catches write bursts that
// outlast the timeout.
func retryBusy(fn func() error) error {
	const maxRetries = 3
	delay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		if i < maxRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	connMu sync.Mutex // serializes op-log appends to avoid SQLITE_BUSY under write bursts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		peer_kind TEXT NOT NULL,
		group_id TEXT,
		state TEXT NOT NULL,
		protocol_version INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		connected_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at) WHERE state != 'closed';

	CREATE TABLE IF NOT EXISTS state_ops (
		state_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		op_type TEXT NOT NULL,
		position INTEGER NOT NULL,
		length INTEGER NOT NULL,
		payload TEXT NOT NULL,
		origin_session TEXT NOT NULL,
		base_revision INTEGER NOT NULL,
		applied_at INTEGER NOT NULL,
		PRIMARY KEY (state_id, seq)
	);

	CREATE TABLE IF NOT EXISTS shared_states (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL,
		class TEXT NOT NULL,
		ops_json TEXT NOT NULL,
		resolution TEXT,
		resolved INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_pending ON conflicts(created_at) WHERE resolved = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, peer_id, peer_kind, group_id, state, protocol_version,
		       last_activity_at, connected_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var groupID sql.NullString
	var lastActivity, connectedAt int64

	err := row.Scan(
		&sess.ID, &sess.PeerID, &sess.Kind, &groupID, &sess.State,
		&sess.ProtocolVersion, &lastActivity, &connectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.GroupID = groupID.String
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	sess.ConnectedAt = time.Unix(connectedAt, 0)

	return &sess, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
		INSERT INTO sessions (id, peer_id, peer_kind, group_id, state, protocol_version, last_activity_at, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_kind = excluded.peer_kind,
			group_id = excluded.group_id,
			state = excluded.state,
			protocol_version = excluded.protocol_version,
			last_activity_at = excluded.last_activity_at`

	err := retryBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.PeerID, string(sess.Kind), nullString(sess.GroupID), string(sess.State),
			sess.ProtocolVersion, sess.LastActivityAt.Unix(), sess.ConnectedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateSessionState transitions a session's connection state.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, state domain.ConnectionState, at time.Time) error {
	query := `UPDATE sessions SET state = ?, last_activity_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(state), at.Unix(), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session state: session %s not found", id)
	}
	return nil
}

// GetIdleSessions returns non-closed sessions idle for longer than ttl.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	query := `
		SELECT id, peer_id, peer_kind, group_id, state, protocol_version,
		       last_activity_at, connected_at
		FROM sessions
		WHERE state != 'closed' AND last_activity_at < ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var groupID sql.NullString
		var lastActivity, connectedAt int64
		if err := rows.Scan(
			&sess.ID, &sess.PeerID, &sess.Kind, &groupID, &sess.State,
			&sess.ProtocolVersion, &lastActivity, &connectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		sess.GroupID = groupID.String
		sess.LastActivityAt = time.Unix(lastActivity, 0)
		sess.ConnectedAt = time.Unix(connectedAt, 0)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendOperation appends an operation to the shared-state log in arrival
// order. The sequence number is assigned under a lock so concurrent appends
// to the same state never race on MAX(seq).
func (s *SQLiteStore) AppendOperation(ctx context.Context, stateID string, op domain.Operation) (int64, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin op append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM state_ops WHERE state_id = ?`, stateID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read op sequence: %w", err)
	}
	next := seq.Int64 + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_ops (state_id, seq, op_type, position, length, payload, origin_session, base_revision, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stateID, next, string(op.Type), op.Position, op.Length, op.Payload,
		op.OriginSession, op.BaseRevision, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit op append: %w", err)
	}
	return next, nil
}

// OperationsSince returns logged operations after a sequence number.
func (s *SQLiteStore) OperationsSince(ctx context.Context, stateID string, afterSeq int64) ([]domain.Operation, error) {
	query := `
		SELECT seq, op_type, position, length, payload, origin_session, base_revision
		FROM state_ops WHERE state_id = ? AND seq > ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, stateID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		var op domain.Operation
		if err := rows.Scan(&op.Seq, &op.Type, &op.Position, &op.Length,
			&op.Payload, &op.OriginSession, &op.BaseRevision); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetSharedState retrieves a shared-state snapshot.
func (s *SQLiteStore) GetSharedState(ctx context.Context, id string) (*domain.SharedState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, revision, content FROM shared_states WHERE id = ?`, id)

	var st domain.SharedState
	err := row.Scan(&st.ID, &st.GroupID, &st.Revision, &st.Content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan shared state: %w", err)
	}
	return &st, nil
}

// UpsertSharedState stores a shared-state snapshot.
func (s *SQLiteStore) UpsertSharedState(ctx context.Context, st *domain.SharedState) error {
	query := `
		INSERT INTO shared_states (id, group_id, revision, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			content = excluded.content,
			updated_at = excluded.updated_at`

	err := retryBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			st.ID, st.GroupID, st.Revision, st.Content, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert shared state: %w", err)
	}
	return nil
}

// GetCacheEntry retrieves a persistent cache record, treating expired
// records as misses.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, payload, expires_at FROM cache_entries WHERE fingerprint = ?`, fingerprint)

	var rec CacheRecord
	var expires int64
	err := row.Scan(&rec.Fingerprint, &rec.Payload, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}

	rec.ExpiresAt = time.Unix(expires, 0)
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// PutCacheEntry stores a persistent cache record.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, rec *CacheRecord) error {
	query := `
		INSERT INTO cache_entries (fingerprint, payload, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query, rec.Fingerprint, rec.Payload, rec.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCache removes expired persistent cache records.
func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}

// EnqueueConflict adds a conflict to the human-resolution queue.
func (s *SQLiteStore) EnqueueConflict(ctx context.Context, c *domain.Conflict) error {
	opsJSON, err := json.Marshal(c.Ops)
	if err != nil {
		return fmt.Errorf("marshal conflict ops: %w", err)
	}

	query := `
		INSERT INTO conflicts (id, state_id, class, ops_json, resolution, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.StateID, string(c.Class), string(opsJSON),
		nullString(c.Resolution), boolToInt(c.Resolved), c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("enqueue conflict: %w", err)
	}
	return nil
}

// PendingConflicts lists unresolved conflicts, oldest first.
func (s *SQLiteStore) PendingConflicts(ctx context.Context) ([]*domain.Conflict, error) {
	query := `
		SELECT id, state_id, class, ops_json, created_at
		FROM conflicts WHERE resolved = 0 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conflict
	for rows.Next() {
		var c domain.Conflict
		var opsJSON string
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.StateID, &c.Class, &opsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(opsJSON), &c.Ops); err != nil {
			return nil, fmt.Errorf("unmarshal conflict ops: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict resolved.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1, resolution = ? WHERE id = ? AND resolved = 0`,
		resolution, id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("resolve conflict: %s not pending", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

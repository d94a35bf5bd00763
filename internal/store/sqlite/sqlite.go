package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	host_id    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS room_sync (
	room_id       TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	position_seconds REAL NOT NULL,
	playback_rate REAL NOT NULL,
	source_kind   TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	host_id       TEXT NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	caller_id    TEXT NOT NULL,
	callee_id    TEXT NOT NULL,
	call_type    TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	connected_at DATETIME,
	ended_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_calls_room ON calls(room_id, created_at);
`

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a reduced schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== SyncStore implementation ====

// SaveSyncState upserts the latest snapshot for a room. Latest wins;
// no history is kept.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, roomID string, st proto.SyncState) error {
	query := `
		INSERT INTO room_sync (room_id, status, position_seconds, playback_rate, source_kind, source_url, host_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			status = excluded.status,
			position_seconds = excluded.position_seconds,
			playback_rate = excluded.playback_rate,
			source_kind = excluded.source_kind,
			source_url = excluded.source_url,
			host_id = excluded.host_id,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		roomID, string(st.Status), st.CurrentTime, st.PlaybackRate,
		st.SourceKind, st.SourceURL, st.HostID, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// LatestSyncState returns the last saved snapshot for a room.
func (s *SQLiteStore) LatestSyncState(ctx context.Context, roomID string) (proto.SyncState, error) {
	query := `
		SELECT status, position_seconds, playback_rate, source_kind, source_url, host_id, updated_at
		FROM room_sync WHERE room_id = ?
	`
	var st proto.SyncState
	var status string
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&status, &st.CurrentTime, &st.PlaybackRate,
		&st.SourceKind, &st.SourceURL, &st.HostID, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.SyncState{}, store.ErrNotFound
	}
	if err != nil {
		return proto.SyncState{}, fmt.Errorf("get sync state: %w", err)
	}
	st.Status = proto.PlayStatus(status)
	return st, nil
}

// ==== CallStore implementation ====

// CreateCall inserts a new call session.
func (s *SQLiteStore) CreateCall(ctx context.Context, c *store.CallSession) error {
	query := `
		INSERT INTO calls (id, room_id, caller_id, callee_id, call_type, status, reason, created_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.RoomID, c.CallerID, c.CalleeID, string(c.CallType),
		string(c.Status), c.Reason, c.CreatedAt, c.ConnectedAt, c.EndedAt)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// UpdateCall updates status, reason and timestamps of a session.
func (s *SQLiteStore) UpdateCall(ctx context.Context, c *store.CallSession) error {
	query := `
		UPDATE calls SET status = ?, reason = ?, connected_at = ?, ended_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(c.Status), c.Reason, c.ConnectedAt, c.EndedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetCall retrieves a call session by ID.
func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*store.CallSession, error) {
	query := `
		SELECT id, room_id, caller_id, callee_id, call_type, status, reason, created_at, connected_at, ended_at
		FROM calls WHERE id = ?
	`
	return s.scanCall(s.db.QueryRowContext(ctx, query, id))
}

// ActiveCallForRoom returns the room's non-terminal session, if any.
func (s *SQLiteStore) ActiveCallForRoom(ctx context.Context, roomID string) (*store.CallSession, error) {
	query := `
		SELECT id, room_id, caller_id, callee_id, call_type, status, reason, created_at, connected_at, ended_at
		FROM calls
		WHERE room_id = ? AND status NOT IN ('ended', 'rejected', 'cancelled', 'failed')
		ORDER BY created_at DESC LIMIT 1
	`
	return s.scanCall(s.db.QueryRowContext(ctx, query, roomID))
}

// ListCallsForRoom returns the room's sessions, newest first.
func (s *SQLiteStore) ListCallsForRoom(ctx context.Context, roomID string, limit int) ([]*store.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, room_id, caller_id, callee_id, call_type, status, reason, created_at, connected_at, ended_at
		FROM calls WHERE room_id = ?
		ORDER BY created_at DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*store.CallSession
	for rows.Next() {
		c, err := scanCallRow(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCall(row *sql.Row) (*store.CallSession, error) {
	c, err := scanCallRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func scanCallRow(row rowScanner) (*store.CallSession, error) {
	var c store.CallSession
	var callType, status string
	err := row.Scan(&c.ID, &c.RoomID, &c.CallerID, &c.CalleeID, &callType,
		&status, &c.Reason, &c.CreatedAt, &c.ConnectedAt, &c.EndedAt)
	if err != nil {
		return nil, err
	}
	c.CallType = proto.CallType(callType)
	c.Status = store.CallStatus(status)
	return &c, nil
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	query := `INSERT INTO users (username, password_hash) VALUES (?, ?)`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`
	var u store.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`
	var u store.User
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ==== RoomStore implementation ====

// CreateRoom creates a room hosted by creatorID. The host assignment is
// permanent; playback authority derives from this row alone.
func (s *SQLiteStore) CreateRoom(ctx context.Context, id string, creatorID string) (*store.Room, error) {
	now := time.Now()
	query := `INSERT INTO rooms (id, host_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, creatorID, now); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &store.Room{ID: id, HostID: creatorID, CreatedAt: now}, nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	query := `SELECT id, host_id, created_at FROM rooms WHERE id = ?`
	var r store.Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.HostID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &r, nil
}

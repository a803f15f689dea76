// Package store persists session state that must outlive the sandbox:
// conversation turns and git-safety bookkeeping. The compute
// environment is ephemeral; this database lives on the mounted state
// volume and is reopened by every sandbox incarnation of a session.
//
// One database file per repository keeps sequential sessions against
// the same repository in a single partition without cross-repository
// interference.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"harvest/log"
)

// UnavailableError wraps an underlying I/O failure of the store. The
// caller must retry or escalate; data loss is never silent.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("session store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Turn is one prompt/response exchange. Turns are append-only: once
// recorded they are never mutated.
type Turn struct {
	SessionID    string    `json:"session_id"`
	Index        int       `json:"index"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	FilesTouched []string  `json:"files_touched"`
	Completed    bool      `json:"completed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Checkpoint is the bookkeeping record of a recovery branch. The
// branch itself lives in the repository; this row tracks whether the
// protected operation has been resolved and when the checkpoint may be
// swept. Expiry is advisory: deletion of the underlying branch is
// performed by external maintenance, never by this store.
type Checkpoint struct {
	SessionID  string     `json:"session_id"`
	Name       string     `json:"name"`
	Branch     string     `json:"branch"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SessionRecord is the durable row for a session.
type SessionRecord struct {
	ID           string    `json:"id"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	Branch       string    `json:"branch"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	repo_owner     TEXT NOT NULL,
	repo_name      TEXT NOT NULL,
	branch         TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	session_id    TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	prompt        TEXT NOT NULL,
	response      TEXT NOT NULL,
	files_touched TEXT NOT NULL DEFAULT '[]',
	completed     INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	branch      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	resolved_at INTEGER,
	PRIMARY KEY (session_id, name)
);
`

// Store is the durable, per-repository session state store. Safe for
// concurrent use across sessions; sessions are keyed independently so
// no cross-session locking is needed beyond SQLite's own.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the state database for a repository
// partition under dir.
func Open(dir, repoOwner, repoName string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &UnavailableError{Op: "open", Err: err}
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.db", sanitize(repoOwner), sanitize(repoName)))
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			// WAL for concurrent readers, busy_timeout so concurrent
			// appends wait instead of failing with SQLITE_BUSY. Pragmas
			// run transient: ExecuteScript wraps in a savepoint and
			// synchronous cannot change inside a transaction.
			for _, pragma := range []string{
				"PRAGMA journal_mode = WAL;",
				"PRAGMA synchronous = NORMAL;",
				"PRAGMA busy_timeout = 5000;",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return err
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, &UnavailableError{Op: "open", Err: err}
	}

	log.InfoLog.Printf("session store opened: %s", path)
	return &Store{pool: pool, path: path}, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return &UnavailableError{Op: "close", Err: err}
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SaveSession inserts or updates the durable session row.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &UnavailableError{Op: "saveSession", Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, repo_owner, repo_name, branch, status, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_active_at = excluded.last_active_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.ID, rec.RepoOwner, rec.RepoName, rec.Branch, rec.Status,
				rec.CreatedAt.UnixNano(), rec.LastActiveAt.UnixNano(),
			},
		})
	if err != nil {
		return &UnavailableError{Op: "saveSession", Err: err}
	}
	return nil
}

// TouchSession updates a session's status and last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID, status string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &UnavailableError{Op: "touchSession", Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET status = ?, last_active_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, time.Now().UnixNano(), sessionID}})
	if err != nil {
		return &UnavailableError{Op: "touchSession", Err: err}
	}
	return nil
}

// GetSession loads one session row. Returns (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &UnavailableError{Op: "getSession", Err: err}
	}
	defer s.pool.Put(conn)

	var rec *SessionRecord
	err = sqlitex.Execute(conn,
		`SELECT id, repo_owner, repo_name, branch, status, created_at, last_active_at
		 FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = &SessionRecord{
					ID:           stmt.ColumnText(0),
					RepoOwner:    stmt.ColumnText(1),
					RepoName:     stmt.ColumnText(2),
					Branch:       stmt.ColumnText(3),
					Status:       stmt.ColumnText(4),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(5)),
					LastActiveAt: time.Unix(0, stmt.ColumnInt64(6)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, &UnavailableError{Op: "getSession", Err: err}
	}
	return rec, nil
}

// AppendTurn records a completed (or cancelled-incomplete) turn.
// Append-only: inserting an index that already exists is an error, not
// an overwrite.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &UnavailableError{Op: "appendTurn", Err: err}
	}
	defer s.pool.Put(conn)

	files, err := json.Marshal(turn.FilesTouched)
	if err != nil {
		return &UnavailableError{Op: "appendTurn", Err: err}
	}

	completed := 0
	if turn.Completed {
		completed = 1
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO turns (session_id, idx, prompt, response, files_touched, completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				turn.SessionID, turn.Index, turn.Prompt, turn.Response,
				string(files), completed, turn.CreatedAt.UnixNano(),
			},
		})
	if err != nil {
		return &UnavailableError{Op: "appendTurn", Err: err}
	}
	return nil
}

// LoadRecentTurns returns at most limit most-recent turns for the
// session, oldest first, for context reconstruction.
func (s *Store) LoadRecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &UnavailableError{Op: "loadRecentTurns", Err: err}
	}
	defer s.pool.Put(conn)

	var turns []Turn
	err = sqlitex.Execute(conn, `
		SELECT session_id, idx, prompt, response, files_touched, completed, created_at
		FROM turns WHERE session_id = ?
		ORDER BY idx DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var files []string
				if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &files); err != nil {
					// Tolerate a malformed row rather than poisoning
					// the whole context rebuild.
					log.WarningLog.Printf("malformed files_touched for turn %d: %v", stmt.ColumnInt64(1), err)
				}
				turns = append(turns, Turn{
					SessionID:    stmt.ColumnText(0),
					Index:        int(stmt.ColumnInt64(1)),
					Prompt:       stmt.ColumnText(2),
					Response:     stmt.ColumnText(3),
					FilesTouched: files,
					Completed:    stmt.ColumnInt64(5) == 1,
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, &UnavailableError{Op: "loadRecentTurns", Err: err}
	}

	// Query returned newest first; callers want oldest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// NextTurnIndex returns the ordinal for the next turn of a session.
func (s *Store) NextTurnIndex(ctx context.Context, sessionID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, &UnavailableError{Op: "nextTurnIndex", Err: err}
	}
	defer s.pool.Put(conn)

	next := 0
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM turns WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				next = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, &UnavailableError{Op: "nextTurnIndex", Err: err}
	}
	return next, nil
}

// RecordCheckpoint stores the bookkeeping row for a newly created
// checkpoint branch.
func (s *Store) RecordCheckpoint(ctx context.Context, cp Checkpoint) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &UnavailableError{Op: "recordCheckpoint", Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO checkpoints (session_id, name, branch, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		&sqlitex.ExecOptions{
			Args: []any{
				cp.SessionID, cp.Name, cp.Branch,
				cp.CreatedAt.UnixNano(), cp.ExpiresAt.UnixNano(),
			},
		})
	if err != nil {
		return &UnavailableError{Op: "recordCheckpoint", Err: err}
	}
	return nil
}

// ResolveCheckpoint marks a checkpoint's protected operation as
// verified successful.
func (s *Store) ResolveCheckpoint(ctx context.Context, sessionID, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &UnavailableError{Op: "resolveCheckpoint", Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE checkpoints SET resolved_at = ? WHERE session_id = ? AND name = ? AND resolved_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{time.Now().UnixNano(), sessionID, name}})
	if err != nil {
		return &UnavailableError{Op: "resolveCheckpoint", Err: err}
	}
	return nil
}

// ListActiveCheckpoints returns the session's unresolved checkpoints,
// newest first. At most one should exist at a time; more than one
// indicates an interrupted recovery worth surfacing.
func (s *Store) ListActiveCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &UnavailableError{Op: "listActiveCheckpoints", Err: err}
	}
	defer s.pool.Put(conn)

	var cps []Checkpoint
	err = sqlitex.Execute(conn, `
		SELECT session_id, name, branch, created_at, expires_at
		FROM checkpoints
		WHERE session_id = ? AND resolved_at IS NULL
		ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cps = append(cps, Checkpoint{
					SessionID: stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					Branch:    stmt.ColumnText(2),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(3)),
					ExpiresAt: time.Unix(0, stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, &UnavailableError{Op: "listActiveCheckpoints", Err: err}
	}
	return cps, nil
}

// SweepExpiredCheckpoints reports unresolved checkpoints whose advisory
// expiry has passed. It does NOT delete anything; the underlying
// branches belong to the repository and their removal is an external
// maintenance concern.
func (s *Store) SweepExpiredCheckpoints(ctx context.Context, now time.Time) ([]Checkpoint, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &UnavailableError{Op: "sweepExpiredCheckpoints", Err: err}
	}
	defer s.pool.Put(conn)

	var cps []Checkpoint
	err = sqlitex.Execute(conn, `
		SELECT session_id, name, branch, created_at, expires_at
		FROM checkpoints
		WHERE resolved_at IS NULL AND expires_at < ?
		ORDER BY expires_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cps = append(cps, Checkpoint{
					SessionID: stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					Branch:    stmt.ColumnText(2),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(3)),
					ExpiresAt: time.Unix(0, stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, &UnavailableError{Op: "sweepExpiredCheckpoints", Err: err}
	}
	return cps, nil
}

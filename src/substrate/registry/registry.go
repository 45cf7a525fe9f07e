// Package registry implements the durable Session descriptor store: a
// single-file embedded transactional store (sqlite, grounded in the
// sibling uvm-api repo's process.go use of database/sql +
// mattn/go-sqlite3) guarded by an advisory single-writer file lock
// (gofrs/flock) on top of sqlite's own serialization, making the
// single-writer transactional store invariant explicit and crash-safe.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
)

// Role mirrors the descriptor's role field, used for default supervision
// policy.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBuilder   Role = "builder"
	RoleShell     Role = "shell"
	RoleUtility   Role = "utility"
	RoleFile      Role = "file"
)

// Descriptor is one persisted Session row.
type Descriptor struct {
	SessionID        string
	WorkspaceKey     string
	Role             Role
	SocketPath       string
	SidecarPid       int
	SidecarStartTime string
	Cmd              string
	Args             []string
	Cwd              string
	Env              map[string]string
	Cols, Rows       int
	CreatedAt        time.Time
	Supervised       bool
	Persistent       bool
}

// Registry is the durable descriptor store. All mutations must go through
// it; readers outside it (e.g. an API handler listing sessions) must treat
// what they read as a snapshot, never as a basis for lifetime decisions.
type Registry struct {
	db   *sql.DB
	lock *flock.Flock
}

// schemaVersion is the current linear migration step. The schema is
// versioned; migration steps are numbered and applied in order.
const schemaVersion = 1

// Open opens (creating if necessary) the sqlite-backed registry at dbPath,
// taking an advisory lock at lockPath for the lifetime of the returned
// Registry. Close releases both.
func Open(dbPath, lockPath string) (*Registry, error) {
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("registry: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("registry: another process already holds the registry lock at %s", lockPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("registry: open sqlite: %w", err)
	}
	// sqlite serializes writers itself; a single connection avoids
	// SQLITE_BUSY under our own flock discipline without needing a
	// connection-pool-wide busy_timeout dance.
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, lock: lock}
	if err := r.migrate(); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("registry: create schema_meta: %w", err)
	}

	var current int
	row := r.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		current = 0
	}

	if current < 1 {
		if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			workspace_key TEXT NOT NULL,
			role TEXT NOT NULL,
			socket_path TEXT NOT NULL DEFAULT '',
			sidecar_pid INTEGER NOT NULL DEFAULT 0,
			sidecar_start_time TEXT NOT NULL DEFAULT '',
			cmd TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			cwd TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '{}',
			cols INTEGER NOT NULL DEFAULT 80,
			rows INTEGER NOT NULL DEFAULT 24,
			created_at DATETIME NOT NULL,
			supervised INTEGER NOT NULL DEFAULT 0,
			persistent INTEGER NOT NULL DEFAULT 1
		)`); err != nil {
			return fmt.Errorf("registry: migration 1 create sessions: %w", err)
		}
	}

	if _, err := r.db.Exec(`DELETE FROM schema_meta`); err != nil {
		return fmt.Errorf("registry: reset schema_meta: %w", err)
	}
	if _, err := r.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("registry: record schema version: %w", err)
	}
	return nil
}

// Close closes the sqlite handle and releases the advisory lock.
func (r *Registry) Close() error {
	dbErr := r.db.Close()
	lockErr := r.lock.Unlock()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// Insert adds a new descriptor row. session_id must be unique; Insert fails
// if it is already present.
func (r *Registry) Insert(d Descriptor) error {
	argsJSON, err := json.Marshal(d.Args)
	if err != nil {
		return fmt.Errorf("registry: marshal args: %w", err)
	}
	envJSON, err := json.Marshal(d.Env)
	if err != nil {
		return fmt.Errorf("registry: marshal env: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err = r.db.Exec(`INSERT INTO sessions
		(session_id, workspace_key, role, socket_path, sidecar_pid, sidecar_start_time,
		 cmd, args, cwd, env, cols, rows, created_at, supervised, persistent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.WorkspaceKey, string(d.Role), d.SocketPath, d.SidecarPid, d.SidecarStartTime,
		d.Cmd, string(argsJSON), d.Cwd, string(envJSON), d.Cols, d.Rows, d.CreatedAt, boolToInt(d.Supervised), boolToInt(d.Persistent))
	if err != nil {
		return fmt.Errorf("registry: insert session %s: %w", d.SessionID, err)
	}
	return nil
}

// Get returns the descriptor for sessionID, or (Descriptor{}, false) if absent.
func (r *Registry) Get(sessionID string) (Descriptor, bool, error) {
	row := r.db.QueryRow(`SELECT session_id, workspace_key, role, socket_path, sidecar_pid,
		sidecar_start_time, cmd, args, cwd, env, cols, rows, created_at, supervised, persistent
		FROM sessions WHERE session_id = ?`, sessionID)
	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return Descriptor{}, false, nil
	}
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("registry: get %s: %w", sessionID, err)
	}
	return d, true, nil
}

// List returns every descriptor, for the workspace API's session-list
// surface. Callers must not derive lifetime decisions from this alone
// (SessionManager's in-memory table is the runtime source of truth).
func (r *Registry) List() ([]Descriptor, error) {
	rows, err := r.db.Query(`SELECT session_id, workspace_key, role, socket_path, sidecar_pid,
		sidecar_start_time, cmd, args, cwd, env, cols, rows, created_at, supervised, persistent
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListWithSocket returns every descriptor with a non-empty socket_path, the
// input set for reconciliation.
func (r *Registry) ListWithSocket() ([]Descriptor, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range all {
		if d.SocketPath != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// UpdateDimensions persists a RESIZE for sessionID.
func (r *Registry) UpdateDimensions(sessionID string, cols, rows int) error {
	_, err := r.db.Exec(`UPDATE sessions SET cols = ?, rows = ? WHERE session_id = ?`, cols, rows, sessionID)
	if err != nil {
		return fmt.Errorf("registry: update dimensions for %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a descriptor row, used by kill_session and by the sweep
// pass for orphan descriptors with no live sidecar.
func (r *Registry) Delete(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", sessionID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDescriptor(row scanner) (Descriptor, error) {
	var d Descriptor
	var role, argsJSON, envJSON string
	var supervised, persistent int
	err := row.Scan(&d.SessionID, &d.WorkspaceKey, &role, &d.SocketPath, &d.SidecarPid,
		&d.SidecarStartTime, &d.Cmd, &argsJSON, &d.Cwd, &envJSON, &d.Cols, &d.Rows,
		&d.CreatedAt, &supervised, &persistent)
	if err != nil {
		return Descriptor{}, err
	}
	d.Role = Role(role)
	d.Supervised = supervised != 0
	d.Persistent = persistent != 0
	if err := json.Unmarshal([]byte(argsJSON), &d.Args); err != nil {
		return Descriptor{}, fmt.Errorf("registry: unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &d.Env); err != nil {
		return Descriptor{}, fmt.Errorf("registry: unmarshal env: %w", err)
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

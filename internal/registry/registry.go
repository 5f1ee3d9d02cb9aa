// Package registry implements the global, cross-process record of every
// Pumas library on a machine: where it lives, which daemon instance (if
// any) currently serves it, and cleanup of stale instance rows left
// behind by a process that died without unregistering.
package registry

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pumas-run/pumas/internal/perrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS libraries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	path          TEXT NOT NULL UNIQUE,
	created_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	version       TEXT,
	metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS instances (
	library_path TEXT PRIMARY KEY,
	pid          INTEGER NOT NULL,
	port         INTEGER NOT NULL,
	started_at   INTEGER NOT NULL,
	version      TEXT
);
`

// Library is one registered library.
type Library struct {
	ID           int64
	Name         string
	Path         string
	CreatedAt    time.Time
	LastAccessed time.Time
	Version      string
	Metadata     map[string]any
}

// Instance is a running daemon's claim on a library path.
type Instance struct {
	LibraryPath string
	PID         int
	Port        int
	StartedAt   time.Time
	Version     string
}

// Registry is the SQLite-backed global library registry.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// DefaultPath returns the platform well-known location for the registry
// database, rooted at the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", perrors.Io("registry.DefaultPath", "", err)
	}
	return filepath.Join(dir, "pumas", "registry.db"), nil
}

// Open creates or opens the registry database at path, enabling WAL
// journaling and the given busy timeout so two daemon processes sharing
// the file never deadlock on a write.
func Open(path string, busyTimeoutMs int) (*Registry, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, perrors.Io("registry.Open", dir, err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(" + strconv.Itoa(busyTimeoutMs) + ")"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, perrors.WrapDB("registry.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, perrors.WrapDB("registry.Open schema", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register canonicalizes path and inserts or refreshes its row's name
// and last_accessed timestamp.
func (r *Registry) Register(path, name string) (*Library, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	_, err = r.db.Exec(`
		INSERT INTO libraries (name, path, created_at, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET name = excluded.name, last_accessed = excluded.last_accessed
	`, name, canon, now, now)
	if err != nil {
		return nil, perrors.WrapDB("registry.Register", err)
	}
	return r.getByPathLocked(canon)
}

// List returns every registered library, most recently accessed first.
func (r *Registry) List() ([]Library, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, name, path, created_at, last_accessed, version, metadata_json FROM libraries ORDER BY last_accessed DESC`)
	if err != nil {
		return nil, perrors.WrapDB("registry.List", err)
	}
	defer rows.Close()

	var out []Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lib)
	}
	return out, rows.Err()
}

// GetByPath returns the library registered at path, if any.
func (r *Registry) GetByPath(path string) (*Library, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getByPathLocked(canon)
}

func (r *Registry) getByPathLocked(canon string) (*Library, error) {
	row := r.db.QueryRow(`SELECT id, name, path, created_at, last_accessed, version, metadata_json FROM libraries WHERE path = ?`, canon)
	lib, err := scanLibrary(row)
	if err == sql.ErrNoRows {
		return nil, perrors.NotFound("registry.GetByPath", canon)
	}
	if err != nil {
		return nil, perrors.WrapDB("registry.GetByPath", err)
	}
	return &lib, nil
}

// GetDefault returns the most-recently-accessed library, if any exist. A
// tie on the second-resolution last_accessed goes to the later-registered
// row.
func (r *Registry) GetDefault() (*Library, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRow(`SELECT id, name, path, created_at, last_accessed, version, metadata_json FROM libraries ORDER BY last_accessed DESC, id DESC LIMIT 1`)
	lib, err := scanLibrary(row)
	if err == sql.ErrNoRows {
		return nil, perrors.NotFound("registry.GetDefault", "")
	}
	if err != nil {
		return nil, perrors.WrapDB("registry.GetDefault", err)
	}
	return &lib, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLibrary(row rowScanner) (Library, error) {
	var lib Library
	var createdAt, lastAccessed int64
	var version, metadataJSON sql.NullString
	if err := row.Scan(&lib.ID, &lib.Name, &lib.Path, &createdAt, &lastAccessed, &version, &metadataJSON); err != nil {
		return Library{}, err
	}
	lib.CreatedAt = time.Unix(createdAt, 0).UTC()
	lib.LastAccessed = time.Unix(lastAccessed, 0).UTC()
	lib.Version = version.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &lib.Metadata)
	}
	return lib, nil
}

// RegisterInstance upserts the running-instance row for libraryPath.
func (r *Registry) RegisterInstance(libraryPath string, pid, port int, version string) error {
	canon, err := canonicalize(libraryPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO instances (library_path, pid, port, started_at, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(library_path) DO UPDATE SET pid = excluded.pid, port = excluded.port, started_at = excluded.started_at, version = excluded.version
	`, canon, pid, port, time.Now().Unix(), version)
	if err != nil {
		return perrors.WrapDB("registry.RegisterInstance", err)
	}
	return nil
}

// GetInstance returns the running instance for libraryPath, if any.
func (r *Registry) GetInstance(libraryPath string) (*Instance, error) {
	canon, err := canonicalize(libraryPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRow(`SELECT library_path, pid, port, started_at, version FROM instances WHERE library_path = ?`, canon)
	var inst Instance
	var startedAt int64
	var version sql.NullString
	err = row.Scan(&inst.LibraryPath, &inst.PID, &inst.Port, &startedAt, &version)
	if err == sql.ErrNoRows {
		return nil, perrors.NotFound("registry.GetInstance", canon)
	}
	if err != nil {
		return nil, perrors.WrapDB("registry.GetInstance", err)
	}
	inst.StartedAt = time.Unix(startedAt, 0).UTC()
	inst.Version = version.String
	return &inst, nil
}

// UnregisterInstance removes libraryPath's instance row, called on clean
// daemon shutdown.
func (r *Registry) UnregisterInstance(libraryPath string) error {
	canon, err := canonicalize(libraryPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(`DELETE FROM instances WHERE library_path = ?`, canon)
	if err != nil {
		return perrors.WrapDB("registry.UnregisterInstance", err)
	}
	return nil
}

// CleanupResult tallies what CleanupStale removed.
type CleanupResult struct {
	StaleInstances    int
	VanishedLibraries int
}

// CleanupStale deletes instance rows whose PID is no longer alive or
// whose library_path no longer exists on disk, and removes library rows
// whose path has vanished.
func (r *Registry) CleanupStale() (CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result CleanupResult

	instRows, err := r.db.Query(`SELECT library_path, pid FROM instances`)
	if err != nil {
		return result, perrors.WrapDB("registry.CleanupStale", err)
	}
	type instKey struct {
		path string
		pid  int
	}
	var toDelete []instKey
	for instRows.Next() {
		var path string
		var pid int
		if err := instRows.Scan(&path, &pid); err != nil {
			instRows.Close()
			return result, perrors.WrapDB("registry.CleanupStale", err)
		}
		if !isProcessRunning(pid) || !pathExists(path) {
			toDelete = append(toDelete, instKey{path, pid})
		}
	}
	instRows.Close()

	for _, k := range toDelete {
		if _, err := r.db.Exec(`DELETE FROM instances WHERE library_path = ? AND pid = ?`, k.path, k.pid); err != nil {
			return result, perrors.WrapDB("registry.CleanupStale", err)
		}
		result.StaleInstances++
	}

	libRows, err := r.db.Query(`SELECT path FROM libraries`)
	if err != nil {
		return result, perrors.WrapDB("registry.CleanupStale", err)
	}
	var vanished []string
	for libRows.Next() {
		var path string
		if err := libRows.Scan(&path); err != nil {
			libRows.Close()
			return result, perrors.WrapDB("registry.CleanupStale", err)
		}
		if !pathExists(path) {
			vanished = append(vanished, path)
		}
	}
	libRows.Close()

	for _, path := range vanished {
		if _, err := r.db.Exec(`DELETE FROM libraries WHERE path = ?`, path); err != nil {
			return result, perrors.WrapDB("registry.CleanupStale", err)
		}
		result.VanishedLibraries++
	}

	return result, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", perrors.InvalidInput("registry.canonicalize", path, err.Error())
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// Package identity manages the participant identifier shown to other room
// members. The identifier is ephemeral in spirit — `User-<n>` with an
// optional coarse device-class decoration — but survives restarts within a
// session directory so reconnecting does not mint a new identity.
package identity

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// DeviceSeparator splits the identifier base from its device-class tag.
// `User-4821|desktop` and `User-4821` refer to the same participant.
const DeviceSeparator = "|"

// Store is a small SQLite-backed session store. It holds the identity row
// plus free-form settings the viewer persists between runs.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the session store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "session.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure session store: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _session (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UserID returns the stored participant identifier, generating and storing a
// fresh one if absent.
func (s *Store) UserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`SELECT value FROM _session WHERE key = 'user_id'`).Scan(&id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read user id: %w", err)
	}

	id = Generate()
	if _, err := s.db.Exec(
		`INSERT INTO _session (key, value) VALUES ('user_id', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id); err != nil {
		return "", fmt.Errorf("store user id: %w", err)
	}
	return id, nil
}

// SetUserID overwrites the stored identifier. An empty value resets it so
// the next UserID call generates a new one.
func (s *Store) SetUserID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(id) == "" {
		_, err := s.db.Exec(`DELETE FROM _session WHERE key = 'user_id'`)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO _session (key, value) VALUES ('user_id', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id)
	return err
}

// Setting returns the stored value for key, or "" when unset.
func (s *Store) Setting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.db.QueryRow(`SELECT value FROM _session WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetSetting stores a free-form setting.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO _session (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Generate mints a fresh identifier: User-<0..9999>, decorated with the
// device class when one is known.
func Generate() string {
	id := fmt.Sprintf("User-%d", rand.Intn(10000))
	if dc := DeviceClass(); dc != "" {
		id += DeviceSeparator + dc
	}
	return id
}

// DeviceClass returns a coarse, informational device tag derived from the
// platform. Empty when the platform maps to nothing useful.
func DeviceClass() string {
	switch goruntime.GOOS {
	case "android", "ios":
		return "mobile"
	case "linux", "darwin", "windows", "freebsd":
		return "desktop"
	default:
		return ""
	}
}

// Normalize strips the device-class decoration so identifiers compare equal
// regardless of which device variant addressed them.
func Normalize(id string) string {
	if i := strings.Index(id, DeviceSeparator); i >= 0 {
		return id[:i]
	}
	return id
}

// Tag returns the device-class decoration of id, or "".
func Tag(id string) string {
	if i := strings.Index(id, DeviceSeparator); i >= 0 {
		return id[i+len(DeviceSeparator):]
	}
	return ""
}

// Package store keeps serialized Xenon modules in a SQLite database,
// keyed by program name and addressable by content hash.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/xenon/vm/dist"
	_ "modernc.org/sqlite"
)

// ErrModuleNotFound indicates the requested module doesn't exist.
var ErrModuleNotFound = errors.New("store: module not found")

// Entry describes a stored module without its bytes.
type Entry struct {
	Name    string
	Hash    [32]byte
	Size    int
	Updated time.Time
}

// Store is a SQLite-backed module store.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens (creating if needed) the store at dbPath. ":memory:" gives a
// private in-memory store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		name    TEXT PRIMARY KEY,
		hash    BLOB NOT NULL,
		data    BLOB NOT NULL,
		updated INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS modules_hash ON modules (hash)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a module under name, replacing any previous version, and
// returns its content hash.
func (s *Store) Put(name string, data []byte) ([32]byte, error) {
	if name == "" {
		return [32]byte{}, fmt.Errorf("store: put: empty name")
	}
	h := dist.HashModule(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO modules (name, hash, data, updated) VALUES (?, ?, ?, ?)",
		name, h[:], data, time.Now().UnixNano(),
	)
	if err != nil {
		return h, fmt.Errorf("saving module %s: %w", name, err)
	}
	return h, nil
}

// Get returns the module stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM modules WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
		}
		return nil, fmt.Errorf("querying module %s: %w", name, err)
	}
	return data, nil
}

// GetByHash returns the name and bytes of a module with the given content
// hash.
func (s *Store) GetByHash(h [32]byte) (string, []byte, error) {
	var (
		name string
		data []byte
	)
	err := s.db.QueryRow("SELECT name, data FROM modules WHERE hash = ? ORDER BY name LIMIT 1", h[:]).Scan(&name, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, fmt.Errorf("%x: %w", h[:8], ErrModuleNotFound)
		}
		return "", nil, fmt.Errorf("querying hash %x: %w", h[:8], err)
	}
	return name, data, nil
}

// List returns every stored module, ordered by name.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT name, hash, length(data), updated FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			hash    []byte
			updated int64
		)
		if err := rows.Scan(&e.Name, &hash, &e.Size, &updated); err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		copy(e.Hash[:], hash)
		e.Updated = time.Unix(0, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the module stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM modules WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting module %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", name, ErrModuleNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Bundles
// ---------------------------------------------------------------------------

// PutBundle verifies a bundle and stores each of its chunks.
func (s *Store) PutBundle(b *dist.Bundle, provided ...string) error {
	if err := b.Verify(provided...); err != nil {
		return err
	}
	for _, c := range b.Chunks {
		if _, err := s.Put(c.Name, c.Module); err != nil {
			return err
		}
	}
	return nil
}

// Bundle builds a bundle for entry from the stored modules it reaches.
// Dependencies that are not stored are left out; Verify with the names
// the host provides decides whether that is acceptable.
func (s *Store) Bundle(entry string) (*dist.Bundle, error) {
	modules := make(map[string][]byte)
	pending := []string{entry}
	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := modules[name]; ok {
			continue
		}
		data, err := s.Get(name)
		if err != nil {
			if name != entry && errors.Is(err, ErrModuleNotFound) {
				continue
			}
			return nil, err
		}
		modules[name] = data
		c, err := dist.ModuleToChunk(name, data)
		if err != nil {
			return nil, err
		}
		pending = append(pending, c.Dependencies...)
	}
	return dist.BundleFromModules(entry, modules)
}

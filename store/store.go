// Package store implements the runtime module cache: content-addressed
// artifact blobs on disk with metadata in SQLite. One manifest's module set
// may be pinned as the last-known-good state; pinned entries are exempt
// from eviction and back the loader's fallback path.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested module is not in the store.
	ErrNotFound = errors.New("module not found in store")

	// ErrNoPin indicates no last-known-good manifest has been pinned yet.
	ErrNoPin = errors.New("no pinned manifest")
)

// Store is the runtime module cache. It owns its root directory exclusively:
// blobs/ holds artifact bytes named by content hash, store.db the metadata.
type Store struct {
	mu  sync.Mutex
	dir string
	db  *sql.DB
}

// Open creates or opens a module store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating modules table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pins (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		manifest BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pins table: %w", err)
	}

	return &Store{dir: dir, db: db}, nil
}

// Close closes the store's database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// blobPath maps an integrity hash to its blob file. The algorithm prefix is
// stripped so the filename is plain hex.
func (s *Store) blobPath(hash string) string {
	name := hash
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(s.dir, "blobs", name)
}

// Put inserts verified artifact bytes keyed by integrity hash. The write is
// publish-after-write: bytes land in a temp file, a rename makes the blob
// visible, and only then does the metadata row appear, so a reader never
// observes a partially written entry. Re-putting an existing hash is a
// no-op refresh of fetched_at.
func (s *Store) Put(hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobDir := filepath.Join(s.dir, "blobs")
	tmp, err := os.CreateTemp(blobDir, ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmpName, s.blobPath(hash)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing blob: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO modules (hash, size, fetched_at, pinned) VALUES (?, ?, ?, 0)
		 ON CONFLICT(hash) DO UPDATE SET fetched_at = excluded.fetched_at`,
		hash, len(data), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording module %s: %w", hash, err)
	}
	return nil
}

// Get returns the artifact bytes for an integrity hash, or ErrNotFound.
func (s *Store) Get(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	err := s.db.QueryRow(`SELECT size FROM modules WHERE hash = ?`, hash).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up module %s: %w", hash, err)
	}

	data, err := os.ReadFile(s.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	return data, nil
}

// Has reports whether the store holds the given hash.
func (s *Store) Has(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM modules WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pin atomically records manifestBytes and its module hashes as the
// last-known-good state, replacing any previous pin. The swap happens in a
// single transaction: until it commits, the old pin remains valid for any
// in-flight fallback read.
func (s *Store) Pin(manifestBytes []byte, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning pin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE modules SET pinned = 0 WHERE pinned = 1`); err != nil {
		return fmt.Errorf("unpinning previous set: %w", err)
	}
	for _, h := range hashes {
		res, err := tx.Exec(`UPDATE modules SET pinned = 1 WHERE hash = ?`, h)
		if err != nil {
			return fmt.Errorf("pinning %s: %w", h, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("pinning %s: %w", h, ErrNotFound)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO pins (slot, manifest) VALUES (1, ?)`, manifestBytes,
	); err != nil {
		return fmt.Errorf("recording pinned manifest: %w", err)
	}

	return tx.Commit()
}

// PinnedManifest returns the last-known-good manifest bytes, or ErrNoPin.
func (s *Store) PinnedManifest() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(`SELECT manifest FROM pins WHERE slot = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPin
	}
	if err != nil {
		return nil, fmt.Errorf("reading pinned manifest: %w", err)
	}
	return data, nil
}

// Evict removes the oldest unpinned entries until total stored bytes drop
// to maxBytes or below. Pinned entries are never evicted. Returns the
// number of entries removed.
func (s *Store) Evict(maxBytes int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM modules`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sizing store: %w", err)
	}
	if total <= maxBytes {
		return 0, nil
	}

	rows, err := s.db.Query(`SELECT hash, size FROM modules WHERE pinned = 0 ORDER BY fetched_at ASC, rowid ASC`)
	if err != nil {
		return 0, fmt.Errorf("listing eviction candidates: %w", err)
	}
	type victim struct {
		hash string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.hash, &v.size); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	evicted := 0
	for _, v := range victims {
		if total <= maxBytes {
			break
		}
		if _, err := s.db.Exec(`DELETE FROM modules WHERE hash = ?`, v.hash); err != nil {
			return evicted, fmt.Errorf("evicting %s: %w", v.hash, err)
		}
		if err := os.Remove(s.blobPath(v.hash)); err != nil && !os.IsNotExist(err) {
			return evicted, fmt.Errorf("removing blob %s: %w", v.hash, err)
		}
		total -= v.size
		evicted++
	}
	return evicted, nil
}

// Count returns the number of stored modules.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM modules`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

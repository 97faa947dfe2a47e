package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite (session + credential state). Set stages a write; Save flushes staged writes.
type DB struct {
	*sql.DB

	mu      sync.Mutex
	pending map[string][]byte
	deleted map[string]bool
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one conn: keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, pending: make(map[string][]byte), deleted: make(map[string]bool)}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Get returns staged value, else stored value; ok=false if absent.
func (db *DB) Get(key string) ([]byte, bool, error) {
	db.mu.Lock()
	if v, ok := db.pending[key]; ok {
		db.mu.Unlock()
		return append([]byte(nil), v...), true, nil
	}
	if db.deleted[key] {
		db.mu.Unlock()
		return nil, false, nil
	}
	db.mu.Unlock()
	var v []byte
	err := db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stages value for key (visible to Get, durable after Save).
func (db *DB) Set(key string, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pending[key] = append([]byte(nil), value...)
	delete(db.deleted, key)
	return nil
}

// Delete stages removal of key.
func (db *DB) Delete(key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.pending, key)
	db.deleted[key] = true
	return nil
}

// Has true if key has a staged or stored value.
func (db *DB) Has(key string) (bool, error) {
	_, ok, err := db.Get(key)
	return ok, err
}

// Save flushes staged writes in one tx.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.pending) == 0 && len(db.deleted) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for k := range db.deleted {
		if _, err := tx.Exec("DELETE FROM kv WHERE key = ?", k); err != nil {
			tx.Rollback()
			return err
		}
	}
	for k, v := range db.pending {
		_, err := tx.Exec("INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at", k, v, now)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.pending = make(map[string][]byte)
	db.deleted = make(map[string]bool)
	return nil
}

// Clear erases all keys, staged and stored.
func (db *DB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.Exec("DELETE FROM kv"); err != nil {
		return err
	}
	db.pending = make(map[string][]byte)
	db.deleted = make(map[string]bool)
	return nil
}

// Keys lists stored + staged keys.
func (db *DB) Keys() ([]string, error) {
	rows, err := db.Query("SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, err
	}
	var stored []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		stored = append(stored, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	seen := make(map[string]bool)
	var list []string
	for _, k := range stored {
		if db.deleted[k] {
			continue
		}
		seen[k] = true
		list = append(list, k)
	}
	for k := range db.pending {
		if !seen[k] {
			list = append(list, k)
		}
	}
	return list, nil
}

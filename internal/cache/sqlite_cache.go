package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

var sqliteSchema = []string{
	"PRAGMA journal_mode=WAL",
	"CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)",
	`CREATE TABLE IF NOT EXISTS entries (
		store TEXT NOT NULL,
		key TEXT NOT NULL,
		bytes BLOB,
		PRIMARY KEY (store, key)
	)`,
}

// SQLiteStorage keeps every store in a single SQLite database
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (or creates) the database at path
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("cache database path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize cache database: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(name string) (GenericCache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("failed to create store %s: %w", name, err)
	}
	return &SQLiteCache{storage: s, store: name}, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM stores WHERE name = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SQLiteCache is one named store inside a SQLiteStorage
type SQLiteCache struct {
	storage *SQLiteStorage
	store   string
}

func (c *SQLiteCache) Get(key string) ([]byte, error) {
	var bytes []byte
	err := c.storage.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", c.store, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// Set writes the entry. Writes to a store deleted in the meantime are dropped.
func (c *SQLiteCache) Set(key string, value []byte) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	_, err := c.storage.db.Exec(
		"INSERT OR REPLACE INTO entries (store, key, bytes) SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)",
		c.store, key, value, c.store,
	)
	return err
}

func (c *SQLiteCache) Delete(key string) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	_, err := c.storage.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", c.store, key)
	return err
}

func (c *SQLiteCache) Keys() ([]string, error) {
	rows, err := c.storage.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", c.store)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *SQLiteCache) Init() error {
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    key TEXT NOT NULL,
    idx TEXT,
    value BLOB NOT NULL,
    PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS idx_records_collection_idx ON records(collection, idx);
CREATE TABLE IF NOT EXISTS sequences (
    collection TEXT PRIMARY KEY,
    seq INTEGER NOT NULL
);
`

// SQLiteStore implements LocalStore on a single SQLite table
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates a SQLite store at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer keeps sequence allocation serialized
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := applySQLitePragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}
	if err := EnsureFilePermissions(path); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify store permissions: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec pragma %q: %w", q, err)
		}
	}
	return nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get returns the value stored under key
func (s *SQLiteStore) Get(collection, key string) ([]byte, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM records WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return value, nil
}

// Put stores value under key and clears its index
func (s *SQLiteStore) Put(collection, key string, value []byte) error {
	return s.put(collection, key, sql.NullString{}, value)
}

// PutIndexed stores value under key and files it under index
func (s *SQLiteStore) PutIndexed(collection, key, index string, value []byte) error {
	return s.put(collection, key, sql.NullString{String: index, Valid: true}, value)
}

func (s *SQLiteStore) put(collection, key string, index sql.NullString, value []byte) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty key for collection %s", collection)
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(`
INSERT INTO records (collection, key, idx, value) VALUES (?, ?, ?, ?)
ON CONFLICT(collection, key) DO UPDATE SET idx = excluded.idx, value = excluded.value`,
		collection, key, index, value)
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// Add stores value under the next sequence number of the collection
func (s *SQLiteStore) Add(collection string, value []byte) (string, error) {
	if err := validCollection(collection); err != nil {
		return "", err
	}
	if value == nil {
		value = []byte{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRow(`
INSERT INTO sequences (collection, seq) VALUES (?, 1)
ON CONFLICT(collection) DO UPDATE SET seq = seq + 1
RETURNING seq`, collection).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("allocate key: %w", err)
	}

	key := sequenceKey(seq)
	if _, err := tx.Exec(
		`INSERT INTO records (collection, key, value) VALUES (?, ?, ?)`, collection, key, value,
	); err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return key, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(collection, key string) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// GetAll returns every record of the collection in key order
func (s *SQLiteStore) GetAll(collection string) ([]Record, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	return s.query(`SELECT key, idx, value FROM records WHERE collection = ? ORDER BY key`, collection)
}

// GetAllByIndex returns the records filed under index, in key order
func (s *SQLiteStore) GetAllByIndex(collection, index string) ([]Record, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	return s.query(`SELECT key, idx, value FROM records WHERE collection = ? AND idx = ? ORDER BY key`, collection, index)
}

func (s *SQLiteStore) query(q string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec   Record
			index sql.NullString
		)
		if err := rows.Scan(&rec.Key, &index, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Index = index.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

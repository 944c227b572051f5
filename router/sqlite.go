package router

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore is a BucketStore persisted to a SQLite database, so cached
// responses survive restarts and can be served with no network at all.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLiteStore opens (and if needed initializes) the database at
// filename. Use "file::memory:?cache=shared" for a throwaway store.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS buckets (bucket TEXT, key TEXT, stored INTEGER, bytes BLOB, PRIMARY KEY (bucket, key))",
		"CREATE INDEX IF NOT EXISTS stored_idx ON buckets (bucket, stored)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, bool, error) {
	var bts []byte
	err := s.db.QueryRow("SELECT bytes FROM buckets WHERE bucket = ? AND key = ?", bucket, key).Scan(&bts)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bts, true, nil
}

func (s *SQLiteStore) Put(bucket, key string, storedAt time.Time, b []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO buckets (bucket, key, stored, bytes) VALUES (?, ?, ?, ?)",
		bucket, key, storedAt.Unix(), b)
	return err
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM buckets WHERE bucket = ? AND key = ?", bucket, key)
	return err
}

func (s *SQLiteStore) Keys(bucket string) ([]KeyAge, error) {
	rows, err := s.db.Query("SELECT key, stored FROM buckets WHERE bucket = ? ORDER BY stored", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]KeyAge, 0)
	for rows.Next() {
		var ka KeyAge
		var stored int64
		if err := rows.Scan(&ka.Key, &stored); err != nil {
			return keys, err
		}
		ka.StoredAt = time.Unix(stored, 0)
		keys = append(keys, ka)
	}
	return keys, rows.Err()
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/sqlite"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// ErrPathRequired indicates a persistent engine was configured without a path.
var ErrPathRequired = errors.New("storage: path required")

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN returns a DSN for a named shared in-memory SQLite database.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// SQLiteDB keeps entries in a single kv table. BLOB keys compare with memcmp
// so ORDER BY key yields byte order.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database behind dsn and ensures the schema exists.
func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Put(key []byte, value []byte) error {
	if _, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, nonNil(value)); err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (s *SQLiteDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return nonNil(value), nil
}

func (s *SQLiteDB) Delete(key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteDB) NewIterator(prefix []byte) Iterator {
	start, limit := prefixRange(prefix)
	return &pagedIterator{fetch: func(after []byte, first bool) ([]kvPair, error) {
		var (
			clauses []string
			args    []any
		)
		if first {
			clauses = append(clauses, "key >= ?")
			args = append(args, nonNil(start))
		} else {
			clauses = append(clauses, "key > ?")
			args = append(args, after)
		}
		if limit != nil {
			clauses = append(clauses, "key < ?")
			args = append(args, limit)
		}
		args = append(args, iteratorPageSize)
		query := fmt.Sprintf(`SELECT key, value FROM kv WHERE %s ORDER BY key LIMIT ?`, strings.Join(clauses, " AND "))
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite iterate: %w", err)
		}
		defer rows.Close()
		page := make([]kvPair, 0, iteratorPageSize)
		for rows.Next() {
			var p kvPair
			if err := rows.Scan(&p.key, &p.value); err != nil {
				return nil, fmt.Errorf("sqlite iterate: %w", err)
			}
			page = append(page, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite iterate: %w", err)
		}
		return page, nil
	}}
}

func (s *SQLiteDB) Write(batch *Batch) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, op := range batch.ops() {
		if op.delete {
			if _, err = tx.Exec(`DELETE FROM kv WHERE key = ?`, op.key); err != nil {
				return fmt.Errorf("sqlite write batch: %w", err)
			}
			continue
		}
		if _, err = tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.key, nonNil(op.value)); err != nil {
			return fmt.Errorf("sqlite write batch: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

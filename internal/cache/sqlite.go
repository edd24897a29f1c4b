package cache

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// sqliteMaxVars keeps IN (...) lists under SQLite's bound-parameter limit
const sqliteMaxVars = 500

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// SQLiteCache implements Backend on a single SQLite file so a wallet keeps
// its synced records across restarts without running a server.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteCache opens (creating if needed) the cache database at path
func OpenSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite cache path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	c := &SQLiteCache{db: db, now: time.Now}
	if err := c.Purge(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (s *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if s.expired(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expiresAt)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, chunk := range util.Chunk(keys, sqliteMaxVars) {
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		query := `SELECT key, value, expires_at FROM kv WHERE key IN (?` + strings.Repeat(`, ?`, len(chunk)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("get multiple: %w", err)
		}
		for rows.Next() {
			var key string
			var value []byte
			var expiresAt int64
			if err := rows.Scan(&key, &value, &expiresAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan kv row: %w", err)
			}
			if !s.expired(expiresAt) {
				result[key] = value
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate kv rows: %w", err)
		}
	}
	return result, nil
}

func (s *SQLiteCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	expiresAt := s.expiresAt(ttl)
	for key, value := range items {
		if _, err := stmt.ExecContext(ctx, key, value, expiresAt); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteCache) Clear(ctx context.Context, prefix string) error {
	var err error
	if prefix == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM kv`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE substr(key, 1, ?) = ?`,
			utf8.RuneCountInString(prefix), prefix)
	}
	if err != nil {
		return fmt.Errorf("clear %q: %w", prefix, err)
	}
	return nil
}

// Purge deletes every expired row
func (s *SQLiteCache) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("purge expired: %w", err)
	}
	return nil
}

func (s *SQLiteCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCache) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

func (s *SQLiteCache) expired(expiresAt int64) bool {
	return expiresAt > 0 && s.now().UnixNano() >= expiresAt
}

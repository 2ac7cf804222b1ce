package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	store_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	type TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	stored_at INTEGER NOT NULL,
	UNIQUE (store_id, url)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_store_seq ON cache_entries (store_id, seq);
`

// NewSQLiteStorage 在 dir 下打开（或创建）cache.db。仓库以 id 区分代际：
// 删除后同名重建会得到新 id，旧句柄的写入因此返回 ErrStoreDeleted。
func NewSQLiteStorage(dir string) (Storage, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	cleanPath := filepath.Clean(filepath.Join(dir, sqliteFileName))
	// modernc.org/sqlite 只识别 _pragma 参数，每个新连接都会执行一遍。
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写连接，避免 Trim 与 Put 并发时出现 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStorage{db: sqlDB}, nil
}

type sqliteStorage struct {
	db     *sql.DB
	closed atomic.Bool
}

type sqliteStore struct {
	db   *sql.DB
	id   int64
	name string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixMilli(),
	); err != nil {
		return nil, s.wrap("open store", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM cache_stores WHERE name = ?`, name).Scan(&id); err != nil {
		return nil, s.wrap("lookup store", err)
	}
	return &sqliteStore{db: s.db, id: id, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM cache_stores WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("lookup store", err)
	}
	return true, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.wrap("begin delete store", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM cache_stores WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("lookup store", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store_id = ?`, id); err != nil {
		return false, s.wrap("delete entries", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE id = ?`, id); err != nil {
		return false, s.wrap("delete store", err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.wrap("commit delete store", err)
	}
	return true, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, s.wrap("list stores", err)
	}
	defer rows.Close()

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

func (s *sqliteStorage) Match(ctx context.Context, key string) (*Response, error) {
	return matchAcross(ctx, s, key)
}

func (s *sqliteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStorage) wrap(op string, err error) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: %w", op, ErrStorageClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key string) (*Response, error) {
	var (
		typ      string
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT type, status, header, body, stored_at FROM cache_entries WHERE store_id = ? AND url = ?`,
		s.id, key,
	).Scan(&typ, &status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match entry: %w", err)
	}

	resp := &Response{
		URL:      key,
		Type:     ResponseType(typ),
		Status:   status,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return resp, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, resp *Response) error {
	if key == "" {
		return ErrInvalidKey
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE id = ?`, s.id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreDeleted
	}
	if err != nil {
		return fmt.Errorf("lookup store: %w", err)
	}

	// 先删后插，使覆盖写入获得新的 seq。
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store_id = ? AND url = ?`, s.id, key,
	); err != nil {
		return fmt.Errorf("replace entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (store_id, url, type, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.id, key, string(resp.Type), resp.Status, string(header), body, storedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store_id = ? AND url = ?`, s.id, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM cache_entries WHERE store_id = ? ORDER BY seq`, s.id,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

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

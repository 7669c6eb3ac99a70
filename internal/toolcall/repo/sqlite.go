package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
)

const createStateTable = `CREATE TABLE IF NOT EXISTS toolcall_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
)`

// SQLiteStore keeps keys in a single table. Each statement is atomic.
type SQLiteStore struct {
	db *sql.DB
}

var _ model.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates the backing table when missing.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, createStateTable); err != nil {
		return nil, errx.WrapStorage(err, "create state table")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errx.InvalidArgument("key is required")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO toolcall_state (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to save state to sqlite")
		return errx.WrapStorage(err, "")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM toolcall_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errx.NotFound("key %q not found", key)
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load state from sqlite")
		return nil, errx.WrapStorage(err, "")
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM toolcall_state WHERE key = ?`, key); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete state from sqlite")
		return errx.WrapStorage(err, "")
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM toolcall_state WHERE key = ?`, key).Scan(&n); err != nil {
		return false, errx.WrapStorage(err, "")
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM toolcall_state WHERE key >= ? ORDER BY key`, prefix)
	if err != nil {
		logx.Error().Err(err).Str("prefix", prefix).Msg("failed to list state keys in sqlite")
		return nil, errx.WrapStorage(err, "")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errx.WrapStorage(err, "")
		}
		// keys sort bytewise, so the prefix range ends at the first miss
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStorage(err, "")
	}
	return keys, nil
}

func (s *SQLiteStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM toolcall_state`).Scan(&n); err != nil {
		return 0, errx.WrapStorage(err, "")
	}
	return n, nil
}

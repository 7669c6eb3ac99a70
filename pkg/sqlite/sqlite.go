package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path          string `envconfig:"SQLITE_PATH" default:"toolcall-state.db"`
	BusyTimeoutMs int    `envconfig:"SQLITE_BUSY_TIMEOUT_MS" default:"5000"`
}

// Open opens a SQLite database at cfg.Path with WAL journaling and a busy
// timeout, and pings it before returning. The busy timeout is part of the
// DSN so every pooled connection gets it, not only the first one.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", cfg.Path, err)
	}

	return db, nil
}

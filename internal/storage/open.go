package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"dispatchd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// DB is an open database with the dispatchd schema applied.
type DB struct {
	db      *sql.DB
	dialect string
	log     logx.Logger
	now     func() time.Time

	writes     atomic.Uint64
	pruneEvery uint64
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = DefaultPath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		db, err = openSQLite(path, cfg.BusyTimeout)
		dialect = dialectSQLite
	case "memory":
		db, err = openSQLite(":memory:", cfg.BusyTimeout)
		dialect = dialectSQLite
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("storage.dsn is required for postgres")
		}
		db, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			db.SetMaxOpenConns(16)
			db.SetMaxIdleConns(4)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
		dialect = dialectPostgres
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	s := &DB{db: db, dialect: dialect, log: log.With(logx.String("comp", "storage")), now: time.Now, pruneEvery: 256}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	s.log.Info("storage ready", logx.String("driver", dialect))
	return s, nil
}

func openSQLite(path string, busy time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also pins :memory: to one
	// connection so every query sees the same database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec("PRAGMA busy_timeout = " + strconv.FormatInt(busy.Milliseconds(), 10))
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}
	return db, nil
}

func (s *DB) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrations, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports "sqlite" or "postgres".
func (s *DB) Dialect() string { return s.dialect }

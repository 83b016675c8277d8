package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "memory": private in-memory SQLite database
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	DefaultPath = "./dispatchd.db"
)

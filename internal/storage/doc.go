// Package storage is the SQL persistence layer of dispatchd.
//
// One schema serves SQLite (modernc.org/sqlite, also used in-memory) and
// PostgreSQL (lib/pq). A *DB implements:
//   - the shared rate-limit counter store
//   - the durable queue's job and repeat store
//   - the campaign repository
//   - the chat message/session store
//
// Times are stored as unix milliseconds so both dialects compare them the
// same way.
package storage

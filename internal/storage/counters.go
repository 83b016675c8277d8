package storage

import (
	"context"
	"database/sql"
	"time"

	"dispatchd/pkg/logx"
)

// IncrWindow implements ratelimit.CounterStore in one statement: the row
// is created with its expiry, later increments keep the first expiry, and
// an expired row restarts at 1 with a fresh one.
func (s *DB) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	now := s.now()
	nowMS := millis(now)
	var exp any
	if ttl > 0 {
		exp = millis(now.Add(ttl))
	}

	var (
		count     int64
		expiresAt sql.NullInt64
	)
	err := s.queryRow(ctx, `
		INSERT INTO rate_counters(key, count, expires_at) VALUES(?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
		  count = CASE WHEN rate_counters.expires_at IS NOT NULL AND rate_counters.expires_at <= ?
		               THEN 1 ELSE rate_counters.count + 1 END,
		  expires_at = CASE WHEN rate_counters.expires_at IS NULL OR rate_counters.expires_at <= ?
		                    THEN ? ELSE rate_counters.expires_at END
		RETURNING count, expires_at`,
		key, exp, nowMS, nowMS, exp,
	).Scan(&count, &expiresAt)
	if err != nil {
		return 0, 0, err
	}

	if s.writes.Add(1)%s.pruneEvery == 0 {
		s.pruneCounters(nowMS)
	}

	if !expiresAt.Valid {
		return count, -1, nil
	}
	return count, time.Duration(expiresAt.Int64-nowMS) * time.Millisecond, nil
}

func (s *DB) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.exec(ctx, `UPDATE rate_counters SET expires_at = ? WHERE key = ?`, millis(s.now().Add(ttl)), key)
	return err
}

func (s *DB) pruneCounters(nowMS int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := s.exec(ctx, `DELETE FROM rate_counters WHERE expires_at IS NOT NULL AND expires_at < ?`, nowMS)
	if err != nil {
		s.log.Debug("counter prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned rate counters", logx.Int64("rows", n))
	}
}

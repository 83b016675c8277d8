package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"dispatchd/internal/queue"
)

const jobColumns = `id, name, payload, state, attempts, attempts_made, run_at, last_error, repeat_key, created_at, updated_at, finished_at`

func (s *DB) InsertJob(ctx context.Context, j queue.Job) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Name, payloadText(j.Payload), string(j.State), j.Attempts, j.AttemptsMade,
		millis(j.RunAt), nullStr(j.LastError), nullStr(j.RepeatKey),
		millis(j.CreatedAt), millis(j.UpdatedAt), nullMillis(j.FinishedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) GetJob(ctx context.Context, id string) (queue.Job, bool, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return queue.Job{}, false, err
	}
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return queue.Job{}, false, err
	}
	return jobs[0], true, nil
}

func (s *DB) UpdateJob(ctx context.Context, j queue.Job) error {
	_, err := s.exec(ctx, `
		UPDATE jobs SET state = ?, attempts_made = ?, run_at = ?, last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(j.State), j.AttemptsMade, millis(j.RunAt), nullStr(j.LastError),
		millis(j.UpdatedAt), nullMillis(j.FinishedAt), j.ID,
	)
	return err
}

func (s *DB) DueJobs(ctx context.Context, now time.Time, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND run_at <= ?
		ORDER BY run_at, created_at
		LIMIT ?`,
		string(queue.StateWaiting), string(queue.StateDelayed), millis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *DB) ResetActive(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		string(queue.StateWaiting), millis(s.now()), string(queue.StateActive))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *DB) CountJobs(ctx context.Context) (map[queue.State]int, error) {
	rows, err := s.query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[queue.State]int, len(queue.AllStates))
	for _, st := range queue.AllStates {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[queue.State(st)] = n
	}
	return out, rows.Err()
}

func (s *DB) PruneJobs(ctx context.Context, state queue.State, keep int) (int, error) {
	res, err := s.exec(ctx, `
		DELETE FROM jobs WHERE state = ? AND id NOT IN (
		  SELECT id FROM jobs WHERE state = ? ORDER BY finished_at DESC, id DESC LIMIT ?
		)`,
		string(state), string(state), max(0, keep),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *DB) PutRepeat(ctx context.Context, r queue.Repeat) error {
	_, err := s.exec(ctx, `
		INSERT INTO job_repeats(key, name, cron, timezone, payload, created_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name, cron = excluded.cron,
		  timezone = excluded.timezone, payload = excluded.payload, created_at = excluded.created_at`,
		r.Key, r.Name, r.Cron, r.Timezone, payloadText(r.Payload), millis(r.CreatedAt),
	)
	return err
}

func (s *DB) DeleteRepeat(ctx context.Context, key string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM job_repeats WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *DB) ListRepeats(ctx context.Context) ([]queue.Repeat, error) {
	rows, err := s.query(ctx, `SELECT key, name, cron, timezone, payload, created_at FROM job_repeats ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Repeat
	for rows.Next() {
		var (
			r       queue.Repeat
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&r.Key, &r.Name, &r.Cron, &r.Timezone, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanJobs(rows *sql.Rows) ([]queue.Job, error) {
	defer rows.Close()
	var out []queue.Job
	for rows.Next() {
		var (
			j                          queue.Job
			payload, lastErr, repeat   sql.NullString
			state                      string
			runAt, createdAt, updateAt int64
			finished                   sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.Name, &payload, &state, &j.Attempts, &j.AttemptsMade,
			&runAt, &lastErr, &repeat, &createdAt, &updateAt, &finished); err != nil {
			return nil, err
		}
		if payload.Valid {
			j.Payload = json.RawMessage(payload.String)
		}
		j.State = queue.State(state)
		j.RunAt = fromMillis(runAt)
		j.LastError = lastErr.String
		j.RepeatKey = repeat.String
		j.CreatedAt = fromMillis(createdAt)
		j.UpdatedAt = fromMillis(updateAt)
		j.FinishedAt = fromNullMillis(finished)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func payloadText(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

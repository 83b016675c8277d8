package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/campaign"
)

const campaignColumns = `id, name, message, bot_id, status, total_targets, sent_count, failed_count, created_at, updated_at`

func (s *DB) CreateCampaign(ctx context.Context, c campaign.Campaign, targets []campaign.Target) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO campaigns(`+campaignColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.Name, c.Message, c.BotID, string(c.Status), c.TotalTargets, c.SentCount, c.FailedCount,
		millis(c.CreatedAt), millis(c.UpdatedAt),
	); err != nil {
		return err
	}
	if len(targets) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO campaign_targets(campaign_id, position, audience_id, bot_id, address) VALUES(?,?,?,?,?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, t := range targets {
			if _, err := stmt.ExecContext(ctx, c.ID, i, t.AudienceID, t.BotID, t.To); err != nil {
				return fmt.Errorf("target %d: %w", i, err)
			}
		}
	}
	return tx.Commit()
}

func (s *DB) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	rows, err := s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	out, err := scanCampaigns(rows)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if len(out) == 0 {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return out[0], nil
}

func (s *DB) ListCampaigns(ctx context.Context, offset, limit int) ([]campaign.Campaign, int, error) {
	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM campaigns`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, max(0, offset))
	if err != nil {
		return nil, 0, err
	}
	out, err := scanCampaigns(rows)
	return out, total, err
}

func (s *DB) TransitionCampaign(ctx context.Context, id string, from []campaign.Status, to campaign.Status, resetCounts bool, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	set := `status = ?, updated_at = ?`
	if resetCounts {
		set += `, sent_count = 0, failed_count = 0`
	}
	args := []any{string(to), millis(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, `UPDATE campaigns SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *DB) AddCounts(ctx context.Context, id string, sent, failed int, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ?, updated_at = ?
		WHERE id = ?`,
		sent, failed, millis(at), id)
	return err
}

func (s *DB) Targets(ctx context.Context, campaignID string) ([]campaign.Target, error) {
	rows, err := s.query(ctx, `SELECT audience_id, bot_id, address FROM campaign_targets WHERE campaign_id = ? ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Target
	for rows.Next() {
		var t campaign.Target
		if err := rows.Scan(&t.AudienceID, &t.BotID, &t.To); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) AppendDelivery(ctx context.Context, d campaign.Delivery) error {
	_, err := s.exec(ctx, `
		INSERT INTO campaign_deliveries(id, campaign_id, run_id, audience_id, status, sent_at, error, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		d.ID, d.CampaignID, d.RunID, d.AudienceID, string(d.Status), nullMillis(d.SentAt), nullStr(d.Error), millis(d.CreatedAt),
	)
	return err
}

func (s *DB) ProcessedAudience(ctx context.Context, campaignID, runID string) (map[string]bool, error) {
	rows, err := s.query(ctx, `
		SELECT DISTINCT audience_id FROM campaign_deliveries
		WHERE campaign_id = ? AND run_id = ?`,
		campaignID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *DB) Deliveries(ctx context.Context, campaignID string, limit int) ([]campaign.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT id, campaign_id, run_id, audience_id, status, sent_at, error, created_at
		FROM campaign_deliveries WHERE campaign_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Delivery
	for rows.Next() {
		var (
			d       campaign.Delivery
			status  string
			sentAt  sql.NullInt64
			errText sql.NullString
			created int64
		)
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.RunID, &d.AudienceID, &status, &sentAt, &errText, &created); err != nil {
			return nil, err
		}
		d.Status = campaign.DeliveryStatus(status)
		d.SentAt = fromNullMillis(sentAt)
		d.Error = errText.String
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

const scheduleColumns = `id, campaign_id, cron_expression, timezone, idempotency_key, is_active, created_at, updated_at`

func (s *DB) CreateSchedule(ctx context.Context, sc campaign.Schedule) error {
	_, err := s.exec(ctx, `INSERT INTO campaign_schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		sc.ID, sc.CampaignID, sc.CronExpression, sc.Timezone, sc.IdempotencyKey, boolInt(sc.IsActive),
		millis(sc.CreatedAt), millis(sc.UpdatedAt))
	return err
}

func (s *DB) GetSchedule(ctx context.Context, id string) (campaign.Schedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM campaign_schedules WHERE id = ?`, id)
	if err != nil {
		return campaign.Schedule{}, err
	}
	out, err := scanSchedules(rows)
	if err != nil {
		return campaign.Schedule{}, err
	}
	if len(out) == 0 {
		return campaign.Schedule{}, campaign.ErrScheduleNotFound
	}
	return out[0], nil
}

func (s *DB) UpdateSchedule(ctx context.Context, sc campaign.Schedule) error {
	res, err := s.exec(ctx, `
		UPDATE campaign_schedules SET cron_expression = ?, timezone = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		sc.CronExpression, sc.Timezone, boolInt(sc.IsActive), millis(sc.UpdatedAt), sc.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return campaign.ErrScheduleNotFound
	}
	return nil
}

func (s *DB) ListSchedules(ctx context.Context, campaignID string) ([]campaign.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM campaign_schedules`
	var args []any
	if campaignID != "" {
		q += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	rows, err := s.query(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func scanCampaigns(rows *sql.Rows) ([]campaign.Campaign, error) {
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		var (
			c                campaign.Campaign
			status           string
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Message, &c.BotID, &status, &c.TotalTargets,
			&c.SentCount, &c.FailedCount, &created, &updated); err != nil {
			return nil, err
		}
		c.Status = campaign.Status(status)
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSchedules(rows *sql.Rows) ([]campaign.Schedule, error) {
	defer rows.Close()
	var out []campaign.Schedule
	for rows.Next() {
		var (
			sc               campaign.Schedule
			active           int
			created, updated int64
		)
		if err := rows.Scan(&sc.ID, &sc.CampaignID, &sc.CronExpression, &sc.Timezone, &sc.IdempotencyKey,
			&active, &created, &updated); err != nil {
			return nil, err
		}
		sc.IsActive = active != 0
		sc.CreatedAt = fromMillis(created)
		sc.UpdatedAt = fromMillis(updated)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

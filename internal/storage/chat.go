package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/chat"
)

func (s *DB) CreateMessage(ctx context.Context, m *chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	attMeta, err := jsonText(m.AttachmentMeta)
	if err != nil {
		return err
	}
	meta, err := jsonText(m.Meta)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO chat_messages(id, tenant, bot_id, platform, session_id, sender_type, type, text,
		  attachment_url, attachment_meta, platform_message_id, meta, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Tenant, m.BotID, m.Platform, m.SessionID, string(m.Sender), string(m.Type), nullStr(m.Text),
		nullStr(m.AttachmentURL), attMeta, nullStr(m.PlatformMessageID), meta, millis(m.CreatedAt),
	)
	return err
}

func (s *DB) TouchSession(ctx context.Context, sessionID, lastText string, sender chat.Sender, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE chat_sessions SET last_message_at = ?, last_text = COALESCE(?, last_text), last_direction = ?
		WHERE id = ?`,
		millis(at), nullStr(lastText), string(sender), sessionID)
	return err
}

// UpsertSession keys sessions by (bot, user). An existing session gets its
// activity time and, when given, display name refreshed.
func (s *DB) UpsertSession(ctx context.Context, in chat.Session) (chat.Session, error) {
	now := s.now()
	if in.LastMessageAt.IsZero() {
		in.LastMessageAt = now
	}
	_, err := s.exec(ctx, `
		INSERT INTO chat_sessions(id, tenant, bot_id, platform, user_id, display_name, last_message_at, created_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(bot_id, user_id) DO UPDATE SET
		  last_message_at = excluded.last_message_at,
		  display_name = COALESCE(excluded.display_name, chat_sessions.display_name)`,
		uuid.NewString(), in.Tenant, in.BotID, in.Platform, in.UserID, nullStr(in.DisplayName),
		millis(in.LastMessageAt), millis(now),
	)
	if err != nil {
		return chat.Session{}, err
	}

	var (
		out                        chat.Session
		display, lastText, lastDir sql.NullString
		lastAt, created            int64
	)
	err = s.queryRow(ctx, `
		SELECT id, tenant, bot_id, platform, user_id, display_name, last_text, last_direction, last_message_at, created_at
		FROM chat_sessions WHERE bot_id = ? AND user_id = ?`,
		in.BotID, in.UserID,
	).Scan(&out.ID, &out.Tenant, &out.BotID, &out.Platform, &out.UserID, &display, &lastText, &lastDir, &lastAt, &created)
	if err != nil {
		return chat.Session{}, err
	}
	out.DisplayName = display.String
	out.LastText = lastText.String
	out.LastSender = chat.Sender(lastDir.String)
	out.LastMessageAt = fromMillis(lastAt)
	out.CreatedAt = fromMillis(created)
	return out, nil
}

func (s *DB) HasPlatformMessage(ctx context.Context, sessionID, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var id string
	err := s.queryRow(ctx, `SELECT id FROM chat_messages WHERE session_id = ? AND platform_message_id = ? LIMIT 1`,
		sessionID, platformMessageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Messages returns the newest messages of a session, oldest first.
func (s *DB) Messages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, tenant, bot_id, platform, session_id, sender_type, type, text, attachment_url,
		  attachment_meta, platform_message_id, meta, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m                                      chat.Message
			sender, typ                            string
			text, attURL, attMeta, platformID, mta sql.NullString
			created                                int64
		)
		if err := rows.Scan(&m.ID, &m.Tenant, &m.BotID, &m.Platform, &m.SessionID, &sender, &typ, &text,
			&attURL, &attMeta, &platformID, &mta, &created); err != nil {
			return nil, err
		}
		m.Sender = chat.Sender(sender)
		m.Type = chat.MessageType(typ)
		m.Text = text.String
		m.AttachmentURL = attURL.String
		m.AttachmentMeta = parseJSONText(attMeta)
		m.PlatformMessageID = platformID.String
		m.Meta = parseJSONText(mta)
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *DB) CreateCase(ctx context.Context, c *chat.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	meta, err := jsonText(c.Meta)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO cases(id, tenant, bot_id, platform, session_id, user_id, kind, text, meta, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Tenant, c.BotID, c.Platform, c.SessionID, c.UserID, c.Kind, c.Text, meta, millis(c.CreatedAt))
	return err
}

func (s *DB) AddDailyStats(ctx context.Context, d chat.StatDelta) error {
	if d.Day == "" {
		d.Day = chat.DayKey(s.now())
	}
	_, err := s.exec(ctx, `
		INSERT INTO stat_daily(bot_id, day, tenant, total, text_count, issues) VALUES(?,?,?,?,?,?)
		ON CONFLICT(bot_id, day) DO UPDATE SET
		  total = stat_daily.total + excluded.total,
		  text_count = stat_daily.text_count + excluded.text_count,
		  issues = stat_daily.issues + excluded.issues`,
		d.BotID, d.Day, d.Tenant, d.Total, d.Text, d.Issues)
	return err
}

// DailyStats reads one bot's counters for day.
func (s *DB) DailyStats(ctx context.Context, botID, day string) (chat.StatDelta, error) {
	out := chat.StatDelta{BotID: botID, Day: day}
	err := s.queryRow(ctx, `SELECT tenant, total, text_count, issues FROM stat_daily WHERE bot_id = ? AND day = ?`,
		botID, day).Scan(&out.Tenant, &out.Total, &out.Text, &out.Issues)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	return out, err
}

// PutKnowledge inserts or replaces a knowledge chunk.
func (s *DB) PutKnowledge(ctx context.Context, k chat.KnowledgeChunk) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO knowledge_chunks(id, tenant, bot_id, doc_id, doc_title, content, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  doc_title = excluded.doc_title, content = excluded.content, updated_at = excluded.updated_at`,
		k.ID, k.Tenant, k.BotID, k.DocID, k.DocTitle, k.Content, millis(k.UpdatedAt))
	return err
}

// RelevantKnowledge returns the bot's most recently updated chunks whose
// content contains any of the keywords. No keywords matches every chunk.
func (s *DB) RelevantKnowledge(ctx context.Context, tenant, botID string, keywords []string, limit int) ([]chat.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 5
	}
	q := `SELECT id, tenant, bot_id, doc_id, doc_title, content, updated_at
		FROM knowledge_chunks WHERE tenant = ? AND bot_id = ?`
	args := []any{tenant, botID}
	if len(keywords) > 0 {
		conds := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			conds = append(conds, "LOWER(content) LIKE ?")
			args = append(args, "%"+strings.ToLower(kw)+"%")
		}
		q += " AND (" + strings.Join(conds, " OR ") + ")"
	}
	q += " ORDER BY updated_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.KnowledgeChunk
	for rows.Next() {
		var (
			k  chat.KnowledgeChunk
			at int64
		)
		if err := rows.Scan(&k.ID, &k.Tenant, &k.BotID, &k.DocID, &k.DocTitle, &k.Content, &at); err != nil {
			return nil, err
		}
		k.UpdatedAt = fromMillis(at)
		out = append(out, k)
	}
	return out, rows.Err()
}

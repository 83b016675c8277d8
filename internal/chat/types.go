// Package chat holds the conversation records shared by the inbound
// pipeline, the action engine, channel adapters and storage.
package chat

import (
	"context"
	"strings"
	"time"
)

type MessageType string

const (
	TypeText    MessageType = "TEXT"
	TypeImage   MessageType = "IMAGE"
	TypeFile    MessageType = "FILE"
	TypeSticker MessageType = "STICKER"
	TypeSystem  MessageType = "SYSTEM"
)

// ParseType maps free-form input onto a known type; unknown values are
// reported with ok=false.
func ParseType(s string) (MessageType, bool) {
	switch t := MessageType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeText, TypeImage, TypeFile, TypeSticker, TypeSystem:
		return t, true
	}
	return "", false
}

// Sender is who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAdmin Sender = "admin"
)

type Message struct {
	ID                string         `json:"id"`
	Tenant            string         `json:"tenant"`
	BotID             string         `json:"botId"`
	Platform          string         `json:"platform"`
	SessionID         string         `json:"sessionId"`
	Sender            Sender         `json:"senderType"`
	Type              MessageType    `json:"type"`
	Text              string         `json:"text,omitempty"`
	AttachmentURL     string         `json:"attachmentUrl,omitempty"`
	AttachmentMeta    map[string]any `json:"attachmentMeta,omitempty"`
	PlatformMessageID string         `json:"platformMessageId,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Session is one end user talking to one bot.
type Session struct {
	ID            string    `json:"id"`
	Tenant        string    `json:"tenant"`
	BotID         string    `json:"botId"`
	Platform      string    `json:"platform"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName,omitempty"`
	LastText      string    `json:"lastText,omitempty"`
	LastSender    Sender    `json:"lastDirection,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Case is an issue raised from a classified message.
type Case struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	BotID     string         `json:"botId"`
	Platform  string         `json:"platform"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Kind      string         `json:"kind"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// StatDelta increments the per-bot daily counters.
type StatDelta struct {
	Tenant string
	BotID  string
	Day    string // YYYY-MM-DD, UTC
	Total  int
	Text   int
	Issues int
}

// DayKey formats t as a StatDelta day.
func DayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// Outbound is a normalized message ready for a channel adapter.
type Outbound struct {
	Type           MessageType    `json:"type"`
	Text           string         `json:"text"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentMeta map[string]any `json:"attachmentMeta,omitempty"`
}

// MessageStore persists conversation records.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	// TouchSession records the latest activity on a session.
	TouchSession(ctx context.Context, sessionID, lastText string, sender Sender, at time.Time) error
}

// Store is the full persistence contract of the inbound pipeline.
type Store interface {
	MessageStore
	// UpsertSession finds the session for (BotID, UserID) or creates it.
	UpsertSession(ctx context.Context, s Session) (Session, error)
	// HasPlatformMessage reports whether a message with the given
	// platform id was already stored in the session.
	HasPlatformMessage(ctx context.Context, sessionID, platformMessageID string) (bool, error)
	CreateCase(ctx context.Context, c *Case) error
	AddDailyStats(ctx context.Context, d StatDelta) error
}

// KnowledgeChunk is a slice of a knowledge document attached to a bot.
type KnowledgeChunk struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	BotID     string    `json:"botId"`
	DocID     string    `json:"docId"`
	DocTitle  string    `json:"docTitle"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

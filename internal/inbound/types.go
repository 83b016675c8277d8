// Package inbound turns an incoming chat message into a stored
// conversation turn, a classified reply and executed actions.
package inbound

import (
	"context"
	"encoding/json"

	"dispatchd/internal/actions"
	"dispatchd/internal/chat"
)

// Request is one message received from a channel.
type Request struct {
	BotID             string           `json:"botId"`
	Platform          string           `json:"platform"`
	UserID            string           `json:"userId"`
	DisplayName       string           `json:"displayName,omitempty"`
	Type              chat.MessageType `json:"messageType,omitempty"`
	Text              string           `json:"text"`
	AttachmentURL     string           `json:"attachmentUrl,omitempty"`
	AttachmentMeta    map[string]any   `json:"attachmentMeta,omitempty"`
	PlatformMessageID string           `json:"platformMessageId,omitempty"`
	RawPayload        json.RawMessage  `json:"rawPayload,omitempty"`
	RequestID         string           `json:"requestId,omitempty"`
}

// Result is always returned, even when processing failed.
type Result struct {
	Reply   string           `json:"reply"`
	Intent  string           `json:"intent"`
	IsIssue bool             `json:"isIssue"`
	Actions []actions.Result `json:"actions"`
}

// Intents reported without calling the classifier.
const (
	IntentOther     = "other"
	IntentDuplicate = "duplicate"
	IntentNonText   = "non_text"
)

// Fallback replies.
const (
	FallbackReply = "Sorry, the system is temporarily unavailable. Please try again later."
	ThanksReply   = "Thanks for the information."
)

func fallback() Result {
	return Result{Reply: FallbackReply, Intent: IntentOther, Actions: []actions.Result{}}
}

type Intent struct {
	Code     string
	Title    string
	Keywords []string
}

// Bot is the per-bot configuration the pipeline needs.
type Bot struct {
	ID           string
	Tenant       string
	Platform     string
	SystemPrompt string
	Intents      []Intent
}

// BotDirectory resolves bots by id.
type BotDirectory interface {
	Bot(id string) (Bot, bool)
}

// BotMap is a static BotDirectory.
type BotMap map[string]Bot

func (m BotMap) Bot(id string) (Bot, bool) {
	b, ok := m[id]
	return b, ok
}

// Knowledge looks up document chunks relevant to a message.
type Knowledge interface {
	RelevantKnowledge(ctx context.Context, tenant, botID string, keywords []string, limit int) ([]chat.KnowledgeChunk, error)
}

// Classifier returns the raw model output for a prompt. The output is
// parsed with ParseClassification.
type Classifier interface {
	Classify(ctx context.Context, p Prompt) (string, error)
}

// Executor runs classifier actions.
type Executor interface {
	Execute(ctx context.Context, items []actions.Item, ec actions.ExecContext) []actions.Result
}

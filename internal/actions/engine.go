package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"dispatchd/internal/chat"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/followup"
	"dispatchd/internal/queue"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

type Status string

const (
	StatusHandled   Status = "handled"
	StatusSkipped   Status = "skipped"
	StatusScheduled Status = "scheduled"
	StatusError     Status = "error"
)

// Result details of send_message.
const (
	DetailSent       = "sent_to_platform"
	DetailStoredOnly = "stored_only"
)

type Result struct {
	Type   Kind   `json:"type"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Bot struct {
	ID       string
	Tenant   string
	Platform string
}

// ExecContext is the conversation an action list runs in. UserID is the
// platform recipient of outbound messages.
type ExecContext struct {
	Bot       Bot
	SessionID string
	UserID    string
	RequestID string
}

// Sender submits rate-limited sends.
type Sender interface {
	Enqueue(ctx context.Context, job queue.SendJob) queue.SendResult
}

// Pusher reaches the bot's channel adapter.
type Pusher interface {
	Push(ctx context.Context, botID, to string, msg chat.Outbound) (bool, error)
}

// Timers holds delayed follow-ups.
type Timers interface {
	Schedule(id string, delay time.Duration, payload any, h followup.Handler) string
}

type Config struct {
	// FollowUpDelay applies to follow_up items without delaySeconds.
	FollowUpDelay time.Duration
}

const DefaultFollowUpDelay = 60 * time.Second

type Engine struct {
	cfg    Config
	store  chat.MessageStore
	sender Sender
	pusher Pusher
	timers Timers
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, store chat.MessageStore, sender Sender, pusher Pusher, timers Timers, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = DefaultFollowUpDelay
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		sender: sender,
		pusher: pusher,
		timers: timers,
		bus:    bus,
		log:    log.With(logx.String("comp", "actions")),
		now:    time.Now,
	}
}

// Execute runs items in order and returns one result per executed item.
// Unrecognized items are skipped without a result. A failing item never
// stops the ones after it.
func (e *Engine) Execute(ctx context.Context, items []Item, ec ExecContext) []Result {
	log := e.log.With(logx.String("session", ec.SessionID), logx.String("request", ec.RequestID))
	out := make([]Result, 0, len(items))
	for i, it := range items {
		var r Result
		switch it.Kind {
		case KindSendMessage:
			r = e.sendMessage(ctx, normalize(it.Message), ec, log)
		case KindTagAdd, KindTagRemove:
			r = e.note(ctx, it.Kind, "["+string(it.Kind)+"] "+it.Tag, map[string]any{"action": string(it.Kind), "tag": it.Tag}, ec, log)
		case KindSegmentUpdate:
			meta := map[string]any{"action": string(it.Kind)}
			if len(it.Segment) > 0 {
				meta["segment"] = it.Segment
			}
			r = e.note(ctx, it.Kind, "[segment_update]", meta, ec, log)
		case KindFollowUp:
			r = e.followUp(it, ec, log)
		default:
			log.Debug("unrecognized action skipped", logx.Int("index", i), logx.String("raw", string(it.Raw)))
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) sendMessage(ctx context.Context, msg chat.Outbound, ec ExecContext, log logx.Logger) Result {
	fail := func(err error) Result {
		log.Error("send_message failed", logx.Err(err))
		return Result{Type: KindSendMessage, Status: StatusError, Detail: err.Error()}
	}

	now := e.now()
	rec := &chat.Message{
		Tenant:         ec.Bot.Tenant,
		BotID:          ec.Bot.ID,
		Platform:       ec.Bot.Platform,
		SessionID:      ec.SessionID,
		Sender:         chat.SenderBot,
		Type:           msg.Type,
		Text:           msg.Text,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentMeta: msg.AttachmentMeta,
		Meta:           map[string]any{"source": ec.Bot.Platform, "via": "action"},
		CreatedAt:      now,
	}
	if err := e.store.CreateMessage(ctx, rec); err != nil {
		return fail(fmt.Errorf("store message: %w", err))
	}
	lastText := msg.Text
	if lastText == "" {
		lastText = msg.AttachmentURL
	}
	if err := e.store.TouchSession(ctx, ec.SessionID, lastText, chat.SenderBot, now); err != nil {
		return fail(fmt.Errorf("touch session: %w", err))
	}
	e.publish(ec, rec)

	res := e.sender.Enqueue(ctx, queue.SendJob{
		ID:        rec.ID + ":send",
		ChannelID: transport.ChannelID(ec.Bot.Platform, ec.Bot.ID),
		Handler: func(ctx context.Context) (bool, error) {
			return e.pusher.Push(ctx, ec.Bot.ID, ec.UserID, msg)
		},
	})
	switch {
	case res.Err != nil:
		return fail(res.Err)
	case res.Scheduled:
		log.Warn("send_message rate-limited", logx.String("message", rec.ID), logx.Duration("delay", res.Delay))
		return Result{Type: KindSendMessage, Status: StatusSkipped, Detail: DetailStoredOnly}
	case res.Delivered:
		log.Info("send_message delivered", logx.String("message", rec.ID), logx.String("type", string(msg.Type)))
		return Result{Type: KindSendMessage, Status: StatusHandled, Detail: DetailSent}
	}
	log.Info("send_message stored only", logx.String("message", rec.ID))
	return Result{Type: KindSendMessage, Status: StatusSkipped, Detail: DetailStoredOnly}
}

// note persists a SYSTEM message recording a tag or segment action.
func (e *Engine) note(ctx context.Context, kind Kind, text string, meta map[string]any, ec ExecContext, log logx.Logger) Result {
	err := e.store.CreateMessage(ctx, &chat.Message{
		Tenant:    ec.Bot.Tenant,
		BotID:     ec.Bot.ID,
		Platform:  ec.Bot.Platform,
		SessionID: ec.SessionID,
		Sender:    chat.SenderBot,
		Type:      chat.TypeSystem,
		Text:      text,
		Meta:      meta,
		CreatedAt: e.now(),
	})
	if err != nil {
		log.Error("action note failed", logx.String("type", string(kind)), logx.Err(err))
		return Result{Type: kind, Status: StatusError, Detail: err.Error()}
	}
	log.Info("action noted", logx.String("type", string(kind)), logx.String("text", text))
	return Result{Type: kind, Status: StatusHandled}
}

// MaxFollowUpDelay caps delaySeconds coming from classifier output.
const MaxFollowUpDelay = 30 * 24 * time.Hour

// FollowUpDelay converts delaySeconds into the scheduled delay: the default
// when absent, otherwise seconds*1000 ms floored at 1 ms and capped at
// MaxFollowUpDelay.
func FollowUpDelay(delaySeconds *float64, def time.Duration) time.Duration {
	d := def
	if delaySeconds != nil && !math.IsNaN(*delaySeconds) {
		secs := max(0, min(*delaySeconds, MaxFollowUpDelay.Seconds()))
		d = time.Duration(int64(secs*1000)) * time.Millisecond
	}
	return min(max(time.Millisecond, d.Truncate(time.Millisecond)), MaxFollowUpDelay)
}

// FollowUpID is the idempotency id of a follow-up: identical follow-ups in
// one session collapse into one timer.
func FollowUpID(sessionID string, t chat.MessageType, delay time.Duration) string {
	return sessionID + ":" + string(t) + ":" + strconv.FormatInt(delay.Milliseconds(), 10)
}

func (e *Engine) followUp(it Item, ec ExecContext, log logx.Logger) Result {
	msg := normalize(it.Message)
	delay := FollowUpDelay(it.DelaySeconds, e.cfg.FollowUpDelay)
	id := FollowUpID(ec.SessionID, msg.Type, delay)

	e.timers.Schedule(id, delay, msg, func(ctx context.Context, payload any) error {
		m, ok := payload.(chat.Outbound)
		if !ok {
			return errors.New("follow_up: unexpected payload")
		}
		if r := e.sendMessage(ctx, m, ec, log); r.Status == StatusError {
			return errors.New(r.Detail)
		}
		return nil
	})
	log.Info("follow_up scheduled", logx.String("id", id), logx.Duration("delay", delay))
	return Result{Type: KindFollowUp, Status: StatusScheduled, Detail: id}
}

func (e *Engine) publish(ec ExecContext, m *chat.Message) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:   eventbus.TypeChatMessageNew,
		Tenant: ec.Bot.Tenant,
		BotID:  ec.Bot.ID,
		Data:   map[string]any{"sessionId": ec.SessionID, "message": m},
	})
}

package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/actions"
	"dispatchd/internal/chat"
	"dispatchd/internal/eventbus"
	"dispatchd/pkg/logx"
)

const knowledgeLimit = 5

type Processor struct {
	bots       BotDirectory
	store      chat.Store
	knowledge  Knowledge
	classifier Classifier
	exec       Executor
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
}

// NewProcessor wires the pipeline. knowledge and classifier may be nil: no
// knowledge means an empty context, no classifier means every text message
// gets the fallback reply.
func NewProcessor(bots BotDirectory, store chat.Store, knowledge Knowledge, classifier Classifier, exec Executor, bus eventbus.Bus, log logx.Logger) *Processor {
	return &Processor{
		bots:       bots,
		store:      store,
		knowledge:  knowledge,
		classifier: classifier,
		exec:       exec,
		bus:        bus,
		log:        log.With(logx.String("comp", "inbound")),
		now:        time.Now,
	}
}

// Process never fails: any error is logged and answered with the fallback
// reply plus whatever actions already ran.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	log := p.log.With(
		logx.String("bot", req.BotID),
		logx.String("platform", req.Platform),
		logx.String("request", req.RequestID),
	)
	typ := req.Type
	if typ == "" {
		typ = chat.TypeText
	}
	if typ == chat.TypeText && strings.TrimSpace(req.Text) == "" {
		return fallback()
	}

	bot, ok := p.bots.Bot(req.BotID)
	if !ok {
		log.Warn("bot not found")
		return fallback()
	}
	if req.Platform == "" {
		req.Platform = bot.Platform
	}

	res, err := p.process(ctx, bot, typ, req, log)
	if err != nil {
		log.Error("inbound processing failed", logx.Err(err))
		out := fallback()
		out.Actions = append(out.Actions, res.Actions...)
		return out
	}
	return res
}

func (p *Processor) process(ctx context.Context, bot Bot, typ chat.MessageType, req Request, log logx.Logger) (Result, error) {
	now := p.now()
	sess, err := p.store.UpsertSession(ctx, chat.Session{
		Tenant:        bot.Tenant,
		BotID:         bot.ID,
		Platform:      req.Platform,
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		LastMessageAt: now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert session: %w", err)
	}
	log = log.With(logx.String("session", sess.ID))

	if req.PlatformMessageID != "" {
		dup, err := p.store.HasPlatformMessage(ctx, sess.ID, req.PlatformMessageID)
		if err != nil {
			return Result{}, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			log.Info("duplicate message skipped", logx.String("platform_message", req.PlatformMessageID))
			return Result{Intent: IntentDuplicate, Actions: []actions.Result{}}, nil
		}
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && typ != chat.TypeText {
		text = "[" + strings.ToLower(string(typ)) + "]"
	}
	meta := map[string]any{"source": req.Platform}
	if len(req.RawPayload) > 0 {
		meta["rawPayload"] = req.RawPayload
	}
	userMsg := &chat.Message{
		Tenant:            bot.Tenant,
		BotID:             bot.ID,
		Platform:          req.Platform,
		SessionID:         sess.ID,
		Sender:            chat.SenderUser,
		Type:              typ,
		Text:              text,
		AttachmentURL:     req.AttachmentURL,
		AttachmentMeta:    req.AttachmentMeta,
		PlatformMessageID: req.PlatformMessageID,
		Meta:              meta,
		CreatedAt:         now,
	}
	if err := p.store.CreateMessage(ctx, userMsg); err != nil {
		return Result{}, fmt.Errorf("store user message: %w", err)
	}
	p.publish(eventbus.TypeChatMessageNew, bot, map[string]any{"sessionId": sess.ID, "message": userMsg})

	if typ != chat.TypeText {
		return Result{Intent: IntentNonText, Actions: []actions.Result{}}, nil
	}
	if p.classifier == nil {
		return Result{}, errors.New("no classifier configured")
	}

	var chunks []chat.KnowledgeChunk
	if p.knowledge != nil {
		chunks, err = p.knowledge.RelevantKnowledge(ctx, bot.Tenant, bot.ID, Keywords(req.Text), knowledgeLimit)
		if err != nil {
			log.Warn("knowledge lookup failed", logx.Err(err))
			chunks = nil
		}
	}
	know := Summarize(chunks)
	if len(chunks) > 0 {
		log.Debug("knowledge attached", logx.Any("docs", know.DocIDs), logx.Int("chunks", len(chunks)))
	}

	raw, err := p.classifier.Classify(ctx, BuildPrompt(bot, req.Platform, req.Text, know.Text))
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	cls, ok := ParseClassification(raw)
	if !ok {
		log.Warn("classifier output is not JSON", logx.Int("len", len(raw)))
	}

	caseID := p.recordStats(ctx, bot, sess, req, cls, log)

	replyMsg := &chat.Message{
		Tenant:    bot.Tenant,
		BotID:     bot.ID,
		Platform:  req.Platform,
		SessionID: sess.ID,
		Sender:    chat.SenderBot,
		Type:      chat.TypeText,
		Text:      cls.Reply,
		Meta: map[string]any{
			"source":            req.Platform,
			"via":               "auto_reply",
			"intent":            cls.Intent,
			"isIssue":           cls.IsIssue,
			"caseId":            caseID,
			"usedKnowledge":     len(chunks) > 0,
			"knowledgeDocIds":   know.DocIDs,
			"knowledgeChunkIds": know.ChunkIDs,
		},
		CreatedAt: p.now(),
	}
	if err := p.store.CreateMessage(ctx, replyMsg); err != nil {
		log.Error("store reply failed", logx.Err(err))
	} else {
		p.publish(eventbus.TypeChatMessageNew, bot, map[string]any{"sessionId": sess.ID, "message": replyMsg})
	}

	results := []actions.Result{}
	if len(cls.Actions) > 0 && p.exec != nil {
		results = p.exec.Execute(ctx, cls.Actions, actions.ExecContext{
			Bot:       actions.Bot{ID: bot.ID, Tenant: bot.Tenant, Platform: req.Platform},
			SessionID: sess.ID,
			UserID:    req.UserID,
			RequestID: req.RequestID,
		})
	}
	log.Info("inbound processed", logx.String("intent", cls.Intent), logx.Bool("issue", cls.IsIssue), logx.Int("actions", len(results)))
	return Result{Reply: cls.Reply, Intent: cls.Intent, IsIssue: cls.IsIssue, Actions: results}, nil
}

// recordStats bumps the daily counters and opens a case for issues. Its
// failures are logged only.
func (p *Processor) recordStats(ctx context.Context, bot Bot, sess chat.Session, req Request, cls Classification, log logx.Logger) string {
	day := chat.DayKey(p.now())
	var caseID string
	delta := chat.StatDelta{Tenant: bot.Tenant, BotID: bot.ID, Day: day, Total: 1, Text: 1}

	if cls.IsIssue {
		c := &chat.Case{
			Tenant:    bot.Tenant,
			BotID:     bot.ID,
			Platform:  req.Platform,
			SessionID: sess.ID,
			UserID:    req.UserID,
			Kind:      cls.Intent,
			Text:      req.Text,
			Meta:      map[string]any{"source": req.Platform},
		}
		if err := p.store.CreateCase(ctx, c); err != nil {
			log.Error("create case failed", logx.Err(err))
		} else {
			caseID = c.ID
			delta.Issues = 1
			p.publish(eventbus.TypeCaseNew, bot, map[string]any{"sessionId": sess.ID, "case": c})
		}
	}

	if err := p.store.AddDailyStats(ctx, delta); err != nil {
		log.Error("daily stats failed", logx.Err(err))
		return caseID
	}
	p.publish(eventbus.TypeStatsUpdate, bot, map[string]any{
		"dateKey": day,
		"delta":   map[string]int{"total": delta.Total, "text": delta.Text, "issues": delta.Issues},
	})
	return caseID
}

func (p *Processor) publish(typ string, bot Bot, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Tenant: bot.Tenant, BotID: bot.ID, Data: data})
}

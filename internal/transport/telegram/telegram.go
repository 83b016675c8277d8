// Package telegram is the telebot-backed channel adapter. It pushes
// outbound messages and, when started, long-polls updates into the inbound
// pipeline.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/chat"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

const Platform = "telegram"

type Config struct {
	BotID       string
	Token       string
	PollTimeout time.Duration
	// URL overrides the Bot API endpoint.
	URL string
}

// sender is the part of *tele.Bot used for pushes.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot  *tele.Bot
	send sender

	out     atomic.Value // chan<- transport.Inbound
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, b, log)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, s sender, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram"), logx.String("bot", cfg.BotID)),
		send: s,
	}
	var nilOut chan<- transport.Inbound
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) Platform() string { return Platform }

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if in, ok := a.inbound(c.Message()); ok {
			a.deliver(in)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnDocument, forward)
	a.bot.Handle(tele.OnSticker, forward)
}

func (a *Adapter) inbound(m *tele.Message) (transport.Inbound, bool) {
	if m == nil || m.Chat == nil {
		return transport.Inbound{}, false
	}
	in := transport.Inbound{
		BotID:             a.cfg.BotID,
		Platform:          Platform,
		UserID:            strconv.FormatInt(m.Chat.ID, 10),
		Type:              chat.TypeText,
		Text:              m.Text,
		PlatformMessageID: strconv.Itoa(m.ID),
	}
	if m.Sender != nil {
		in.DisplayName = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		if in.DisplayName == "" {
			in.DisplayName = m.Sender.Username
		}
	}
	switch {
	case m.Photo != nil:
		in.Type, in.Text, in.AttachmentURL = chat.TypeImage, m.Caption, fileRef(m.Photo.FileID)
	case m.Document != nil:
		in.Type, in.Text, in.AttachmentURL = chat.TypeFile, m.Caption, fileRef(m.Document.FileID)
	case m.Sticker != nil:
		in.Type, in.AttachmentURL = chat.TypeSticker, fileRef(m.Sticker.FileID)
	}
	return in, true
}

func fileRef(id string) string { return "tg://file/" + id }

func (a *Adapter) deliver(in transport.Inbound) {
	out, _ := a.out.Load().(chan<- transport.Inbound)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling. Updates go to out; when out is full they are
// dropped and counted.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Inbound) error {
	if a.bot == nil {
		return errors.New("telegram adapter has no bot")
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Inbound
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// getUpdates may still be waiting; never hold shutdown for long.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// Push sends msg to the chat id in to. Long text is split into several
// messages; images and files go out by URL with the text as caption.
func (a *Adapter) Push(ctx context.Context, to string, msg chat.Outbound) (bool, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return false, transport.Rejected(fmt.Errorf("telegram chat id %q: %w", to, err))
	}
	rcpt := &tele.Chat{ID: chatID}

	var what []any
	switch {
	case msg.Type == chat.TypeImage && msg.AttachmentURL != "":
		what = append(what, &tele.Photo{File: tele.FromURL(msg.AttachmentURL), Caption: captionOf(msg.Text)})
	case msg.Type == chat.TypeFile && msg.AttachmentURL != "":
		doc := &tele.Document{File: tele.FromURL(msg.AttachmentURL), Caption: captionOf(msg.Text)}
		if name, ok := msg.AttachmentMeta["fileName"].(string); ok {
			doc.FileName = name
		}
		what = append(what, doc)
	default:
		text := msg.Text
		switch {
		case msg.Type == chat.TypeSticker && text == "":
			text = "[sticker]"
		case text == "" && msg.AttachmentURL != "":
			text = msg.AttachmentURL
		}
		for _, chunk := range splitText(text, textLimit) {
			if chunk != "" {
				what = append(what, chunk)
			}
		}
	}
	if len(what) == 0 {
		return false, nil
	}

	for _, w := range what {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := a.send.Send(rcpt, w, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return false, classify(err)
		}
	}
	return true, nil
}

// classify maps Bot API errors onto transport classes. 4xx other than 429
// are permanent; everything else may succeed later.
func classify(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return transport.Rejected(err)
	}
	return transport.Transport(err)
}

const (
	textLimit    = 4000
	captionLimit = 1024
)

func captionOf(s string) string {
	rs := []rune(s)
	if len(rs) <= captionLimit {
		return s
	}
	return string(rs[:captionLimit])
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package line pushes messages through the LINE Messaging API.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dispatchd/internal/chat"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

const (
	Platform        = "line"
	DefaultEndpoint = "https://api.line.me/v2/bot/message/push"
)

type Config struct {
	BotID string
	// Token is the channel access token.
	Token    string
	Endpoint string
	Timeout  time.Duration
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("line channel access token is empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "line"), logx.String("bot", cfg.BotID)),
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (a *Adapter) Platform() string { return Platform }

type message struct {
	Type               string `json:"type"`
	Text               string `json:"text,omitempty"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

type pushRequest struct {
	To       string    `json:"to"`
	Messages []message `json:"messages"`
}

// toMessage maps an outbound message onto a LINE message object. Only
// images are sent natively; the rest degrade to text.
func toMessage(msg chat.Outbound) message {
	switch {
	case msg.Type == chat.TypeImage && msg.AttachmentURL != "":
		return message{Type: "image", OriginalContentURL: msg.AttachmentURL, PreviewImageURL: msg.AttachmentURL}
	case msg.Type == chat.TypeFile && msg.AttachmentURL != "":
		return message{Type: "text", Text: or(msg.Text, msg.AttachmentURL)}
	case msg.Type == chat.TypeSticker:
		return message{Type: "text", Text: or(msg.Text, "[sticker]")}
	case msg.Type == chat.TypeSystem:
		return message{Type: "text", Text: or(msg.Text, "[system]")}
	}
	return message{Type: "text", Text: msg.Text}
}

func or(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

func (a *Adapter) Push(ctx context.Context, to string, msg chat.Outbound) (bool, error) {
	m := toMessage(msg)
	if m.Type == "text" && m.Text == "" {
		return false, nil
	}
	body, err := json.Marshal(pushRequest{To: to, Messages: []message{m}})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, transport.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("line push: http %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	a.log.Warn("push failed", logx.Int("status", resp.StatusCode), logx.Err(err))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return false, transport.Transport(err)
	}
	return false, transport.Rejected(err)
}

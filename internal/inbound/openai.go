package inbound

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
)

// OpenAIConfig points at an OpenAI compatible chat completions endpoint.
type OpenAIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

const (
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultModel          = "gpt-4o-mini"
)

var ErrNoAPIKey = errors.New("inbound: classifier api key is empty")

// OpenAI is a Classifier backed by the chat completions API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOpenAIEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Classify(ctx context.Context, p Prompt) (string, error) {
	msgs := []chatMessage{{Role: "system", Content: p.System}}
	if p.Knowledge != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.Knowledge})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: p.User})

	body, err := json.Marshal(chatRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("classifier: read: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("classifier: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("classifier: status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return "{}", nil
	}
	return contentText(out.Choices[0].Message.Content), nil
}

// contentText accepts both a plain string and an array of content parts.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "{}"
	}
	var b strings.Builder
	for _, p := range parts {
		if err := json.Unmarshal(p, &s); err == nil {
			b.WriteString(s)
			continue
		}
		var obj struct {
			Text    string `json:"text"`
			Content string `json:"content"`
		}
		if json.Unmarshal(p, &obj) == nil {
			if obj.Text != "" {
				b.WriteString(obj.Text)
			} else {
				b.WriteString(obj.Content)
			}
		}
	}
	return b.String()
}

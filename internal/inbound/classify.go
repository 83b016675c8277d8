package inbound

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"dispatchd/internal/actions"
	"dispatchd/internal/chat"
)

// Classification is the parsed classifier output.
type Classification struct {
	Reply   string
	Intent  string
	IsIssue bool
	Actions []actions.Item
}

type rawClassification struct {
	Reply   *string         `json:"reply"`
	Intent  *string         `json:"intent"`
	IsIssue any             `json:"isIssue"`
	Actions json.RawMessage `json:"actions"`
}

// ParseClassification parses a JSON object {reply, intent, isIssue, actions}.
// Output that is not such an object yields the thanks reply with intent
// "other" and no actions; ok reports whether parsing succeeded.
func ParseClassification(raw string) (c Classification, ok bool) {
	c = Classification{Reply: ThanksReply, Intent: IntentOther}
	var r rawClassification
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return c, false
	}
	if r.Reply != nil && *r.Reply != "" {
		c.Reply = *r.Reply
	}
	if r.Intent != nil && *r.Intent != "" {
		c.Intent = *r.Intent
	}
	c.IsIssue = truthy(r.IsIssue)
	c.Actions = actions.DecodeItems(r.Actions)
	return c, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	}
	return true
}

// Keywords extracts up to five lowercase search words of at least three
// letters or digits.
func Keywords(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		w := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, f)
		if len([]rune(w)) < 3 {
			continue
		}
		out = append(out, w)
		if len(out) == 5 {
			break
		}
	}
	return out
}

const (
	maxKnowledgeTotal = 1800
	maxKnowledgeChunk = 360
)

// Summary is the knowledge context passed to the classifier.
type Summary struct {
	Text     string
	DocIDs   []string
	ChunkIDs []string
}

// Summarize renders chunks as "- [doc: title] content" lines, truncating
// each chunk and stopping once the budget is spent.
func Summarize(chunks []chat.KnowledgeChunk) Summary {
	var (
		s     Summary
		lines []string
		total int
		seen  = map[string]bool{}
	)
	for _, c := range chunks {
		if !seen[c.DocID] {
			seen[c.DocID] = true
			s.DocIDs = append(s.DocIDs, c.DocID)
		}
		s.ChunkIDs = append(s.ChunkIDs, c.ID)
		if total >= maxKnowledgeTotal {
			continue
		}
		content := c.Content
		if r := []rune(content); len(r) > maxKnowledgeChunk {
			content = string(r[:maxKnowledgeChunk])
		}
		line := fmt.Sprintf("- [doc: %s] %s", c.DocTitle, content)
		total += len(line)
		lines = append(lines, line)
	}
	s.Text = strings.Join(lines, "\n")
	return s
}

// Prompt is what the classifier sees.
type Prompt struct {
	System    string
	Knowledge string
	User      string
}

const defaultSystemPrompt = "You are a customer support admin. Answer politely, briefly and like a human."

// BuildPrompt assembles the system instructions for bot on platform.
func BuildPrompt(bot Bot, platform, text, knowledge string) Prompt {
	base := bot.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt
	}

	var intents strings.Builder
	if len(bot.Intents) == 0 {
		intents.WriteString("No intents are configured; always answer intent = other")
	}
	for i, it := range bot.Intents {
		if i > 0 {
			intents.WriteByte('\n')
		}
		fmt.Fprintf(&intents, "- code: %s\n  title: %s\n  keywords: %s", it.Code, it.Title, strings.Join(it.Keywords, ", "))
	}

	instr := `Your job:
1) Analyse the customer's message.
2) Pick one intent from the list below ("other" when none fits).
3) Decide whether this is a real issue (deposit not received, cannot withdraw, failed transaction and so on).
4) Write the reply to the customer.
5) Optionally list actions: send_message, tag_add, tag_remove, segment_update, follow_up.

Customer platform: ` + platform + `

Intents:
` + intents.String() + `

Answer with JSON only, no other text:
{"reply": "...", "intent": "...", "isIssue": true|false, "actions": []}`

	p := Prompt{System: base + "\n\n" + instr, User: text}
	if knowledge != "" {
		p.Knowledge = "Internal knowledge base. Prefer it when the question is related:\n" + knowledge
	}
	return p
}

// Package actions executes the structured actions a classifier attaches to
// its reply: outbound messages, tag and segment notes, and delayed
// follow-ups.
package actions

import (
	"bytes"
	"encoding/json"
	"strings"

	"dispatchd/internal/chat"
)

type Kind string

const (
	KindSendMessage   Kind = "send_message"
	KindTagAdd        Kind = "tag_add"
	KindTagRemove     Kind = "tag_remove"
	KindSegmentUpdate Kind = "segment_update"
	KindFollowUp      Kind = "follow_up"
	// KindUnrecognized marks input with a missing or unknown type, or a
	// known type without its required fields. It is never executed.
	KindUnrecognized Kind = "unrecognized"
)

// Message is the message payload of send_message and follow_up.
type Message struct {
	Type           string         `json:"type,omitempty"`
	Text           string         `json:"text,omitempty"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentMeta map[string]any `json:"attachmentMeta,omitempty"`
}

// Item is one action. Which fields are meaningful depends on Kind:
//
//	send_message   Message
//	tag_add        Tag
//	tag_remove     Tag
//	segment_update Segment
//	follow_up      Message, DelaySeconds (nil = default delay)
type Item struct {
	Kind         Kind
	Message      Message
	Tag          string
	Segment      json.RawMessage
	DelaySeconds *float64
	// Raw keeps the original JSON of unrecognized items for logging.
	Raw json.RawMessage
}

type wireItem struct {
	Type         string          `json:"type"`
	Message      *Message        `json:"message,omitempty"`
	Tag          string          `json:"tag,omitempty"`
	Segment      json.RawMessage `json:"segment,omitempty"`
	DelaySeconds *float64        `json:"delaySeconds,omitempty"`
}

// UnmarshalJSON never fails: input that is not a usable action decodes as
// KindUnrecognized so one bad entry cannot reject a whole list.
func (it *Item) UnmarshalJSON(b []byte) error {
	*it = Item{Kind: KindUnrecognized, Raw: append(json.RawMessage(nil), b...)}
	var w wireItem
	if err := json.Unmarshal(b, &w); err != nil {
		return nil
	}
	switch k := Kind(strings.TrimSpace(w.Type)); k {
	case KindSendMessage, KindFollowUp:
		if w.Message == nil {
			return nil
		}
		*it = Item{Kind: k, Message: *w.Message, DelaySeconds: w.DelaySeconds}
	case KindTagAdd, KindTagRemove:
		tag := strings.TrimSpace(w.Tag)
		if tag == "" {
			return nil
		}
		*it = Item{Kind: k, Tag: tag}
	case KindSegmentUpdate:
		*it = Item{Kind: k, Segment: w.Segment}
	}
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	if it.Kind == KindUnrecognized {
		if len(it.Raw) > 0 {
			return it.Raw, nil
		}
		return []byte("null"), nil
	}
	w := wireItem{Type: string(it.Kind), Tag: it.Tag, Segment: it.Segment, DelaySeconds: it.DelaySeconds}
	if it.Kind == KindSendMessage || it.Kind == KindFollowUp {
		m := it.Message
		w.Message = &m
	}
	return json.Marshal(w)
}

// DecodeItems decodes a JSON array of actions. Anything other than an
// array yields no items.
func DecodeItems(raw json.RawMessage) []Item {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// FallbackAttachmentText is stored as the text of attachment-only messages.
const FallbackAttachmentText = "attachment"

// normalize fills in the message type and, for attachment-only messages,
// a fallback text.
func normalize(m Message) chat.Outbound {
	t, ok := chat.ParseType(m.Type)
	if !ok {
		t = chat.TypeText
	}
	text := m.Text
	if text == "" && m.AttachmentURL != "" {
		text = FallbackAttachmentText
	}
	return chat.Outbound{Type: t, Text: text, AttachmentURL: m.AttachmentURL, AttachmentMeta: m.AttachmentMeta}
}

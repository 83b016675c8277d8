package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/chat"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

type fakeSender struct {
	sent []any
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what)
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestPushShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		msg   chat.Outbound
		check func(t *testing.T, sent []any)
	}{
		{
			name: "text",
			msg:  chat.Outbound{Type: chat.TypeText, Text: "hello"},
			check: func(t *testing.T, sent []any) {
				if len(sent) != 1 || sent[0] != "hello" {
					t.Fatalf("sent=%v", sent)
				}
			},
		},
		{
			name: "image",
			msg:  chat.Outbound{Type: chat.TypeImage, Text: "look", AttachmentURL: "https://x/img.png"},
			check: func(t *testing.T, sent []any) {
				p, ok := sent[0].(*tele.Photo)
				if !ok || p.Caption != "look" || p.FileURL != "https://x/img.png" {
					t.Fatalf("sent=%#v", sent[0])
				}
			},
		},
		{
			name: "file",
			msg: chat.Outbound{Type: chat.TypeFile, AttachmentURL: "https://x/a.pdf",
				AttachmentMeta: map[string]any{"fileName": "a.pdf"}},
			check: func(t *testing.T, sent []any) {
				d, ok := sent[0].(*tele.Document)
				if !ok || d.FileName != "a.pdf" {
					t.Fatalf("sent=%#v", sent[0])
				}
			},
		},
		{
			name: "sticker falls back to text",
			msg:  chat.Outbound{Type: chat.TypeSticker},
			check: func(t *testing.T, sent []any) {
				if len(sent) != 1 || sent[0] != "[sticker]" {
					t.Fatalf("sent=%v", sent)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{}
			a := newAdapter(Config{BotID: "b1"}, fs, logx.Nop())
			ok, err := a.Push(context.Background(), "42", tc.msg)
			if err != nil || !ok {
				t.Fatalf("Push: ok=%v err=%v", ok, err)
			}
			tc.check(t, fs.sent)
		})
	}
}

func TestPushEmptyIsNotDelivered(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := newAdapter(Config{}, fs, logx.Nop())
	ok, err := a.Push(context.Background(), "42", chat.Outbound{Type: chat.TypeText})
	if ok || err != nil || len(fs.sent) != 0 {
		t.Fatalf("ok=%v err=%v sent=%v", ok, err, fs.sent)
	}
}

func TestPushErrorClasses(t *testing.T) {
	t.Parallel()

	a := newAdapter(Config{}, &fakeSender{}, logx.Nop())
	if _, err := a.Push(context.Background(), "not-a-number", chat.Outbound{Text: "x"}); !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("bad chat id: %v", err)
	}

	blocked := newAdapter(Config{}, &fakeSender{err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}}, logx.Nop())
	if _, err := blocked.Push(context.Background(), "1", chat.Outbound{Text: "x"}); !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("403: %v", err)
	}

	down := newAdapter(Config{}, &fakeSender{err: errors.New("dial tcp: timeout")}, logx.Nop())
	_, err := down.Push(context.Background(), "1", chat.Outbound{Text: "x"})
	if !errors.Is(err, transport.ErrTransport) || errors.Is(err, transport.ErrRejected) {
		t.Fatalf("network: %v", err)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short: %v", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split: %q", got)
	}

	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("hard split: %q", got)
	}
}

func TestInboundFromMessage(t *testing.T) {
	t.Parallel()
	a := newAdapter(Config{BotID: "b1"}, &fakeSender{}, logx.Nop())

	in, ok := a.inbound(&tele.Message{
		ID:      7,
		Chat:    &tele.Chat{ID: 99},
		Sender:  &tele.User{FirstName: "Ana"},
		Photo:   &tele.Photo{File: tele.File{FileID: "f1"}},
		Caption: "receipt",
	})
	if !ok {
		t.Fatal("expected inbound")
	}
	if in.UserID != "99" || in.Type != chat.TypeImage || in.Text != "receipt" || in.PlatformMessageID != "7" || in.DisplayName != "Ana" {
		t.Fatalf("inbound=%+v", in)
	}
	if _, ok := a.inbound(nil); ok {
		t.Fatal("nil message accepted")
	}
}

package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"dispatchd/internal/chat"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	bodies []pushRequest
	auth   []string
	status int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body pushRequest
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{}`))
}

func newTestAdapter(t *testing.T, rec *recorder) *Adapter {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	a, err := New(Config{BotID: "b1", Token: "tok", Endpoint: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   chat.Outbound
		want message
	}{
		{"text", chat.Outbound{Type: chat.TypeText, Text: "hi"}, message{Type: "text", Text: "hi"}},
		{"image", chat.Outbound{Type: chat.TypeImage, AttachmentURL: "https://x/i.png"},
			message{Type: "image", OriginalContentURL: "https://x/i.png", PreviewImageURL: "https://x/i.png"}},
		{"image without url", chat.Outbound{Type: chat.TypeImage, Text: "pic"}, message{Type: "text", Text: "pic"}},
		{"file uses url", chat.Outbound{Type: chat.TypeFile, AttachmentURL: "https://x/a.pdf"}, message{Type: "text", Text: "https://x/a.pdf"}},
		{"file keeps text", chat.Outbound{Type: chat.TypeFile, Text: "doc", AttachmentURL: "https://x/a.pdf"}, message{Type: "text", Text: "doc"}},
		{"sticker", chat.Outbound{Type: chat.TypeSticker}, message{Type: "text", Text: "[sticker]"}},
		{"system", chat.Outbound{Type: chat.TypeSystem}, message{Type: "text", Text: "[system]"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := toMessage(tc.in); got != tc.want {
				t.Fatalf("toMessage=%+v want %+v", got, tc.want)
			}
		})
	}
}

func TestPushSendsBearerAndBody(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	a := newTestAdapter(t, rec)

	ok, err := a.Push(context.Background(), "U123", chat.Outbound{Type: chat.TypeText, Text: "hello"})
	if err != nil || !ok {
		t.Fatalf("Push: ok=%v err=%v", ok, err)
	}
	if len(rec.bodies) != 1 {
		t.Fatalf("requests=%d", len(rec.bodies))
	}
	if rec.auth[0] != "Bearer tok" {
		t.Fatalf("auth=%q", rec.auth[0])
	}
	if b := rec.bodies[0]; b.To != "U123" || len(b.Messages) != 1 || b.Messages[0].Text != "hello" {
		t.Fatalf("body=%+v", b)
	}
}

func TestPushEmptyTextSkipsRequest(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	a := newTestAdapter(t, rec)

	ok, err := a.Push(context.Background(), "U1", chat.Outbound{Type: chat.TypeText})
	if ok || err != nil || len(rec.bodies) != 0 {
		t.Fatalf("ok=%v err=%v requests=%d", ok, err, len(rec.bodies))
	}
}

func TestPushErrorClasses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, transport.ErrRejected},
		{http.StatusForbidden, transport.ErrRejected},
		{http.StatusTooManyRequests, transport.ErrTransport},
		{http.StatusBadGateway, transport.ErrTransport},
	}
	for _, tc := range cases {
		a := newTestAdapter(t, &recorder{status: tc.status})
		ok, err := a.Push(context.Background(), "U1", chat.Outbound{Text: "x"})
		if ok || !errors.Is(err, tc.want) {
			t.Fatalf("status %d: ok=%v err=%v", tc.status, ok, err)
		}
	}

	down, err := New(Config{Token: "tok", Endpoint: "http://127.0.0.1:1/push"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := down.Push(context.Background(), "U1", chat.Outbound{Text: "x"}); !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("unreachable: %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

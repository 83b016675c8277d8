package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/config"
	"dispatchd/pkg/logx"
)

const testConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "http": {"addr": "127.0.0.1:0"},
  "metrics": {"enabled": true},
  "queue": {"timezone": "UTC"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dispatchd.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppServesAPI(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig), WithLogging(logx.Config{Level: "error"}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	base := "http://" + a.HTTPAddr()
	resp, err := http.Post(base+"/campaigns", "application/json",
		strings.NewReader(`{"name":"Promo","message":"hi","targets":[{"audienceId":"a1","to":"1"}]}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == "" || created.Status != "draft" {
		t.Fatalf("create: status=%d body=%+v", resp.StatusCode, created)
	}

	got, err := a.Campaigns().Get(ctx, created.ID)
	if err != nil || got.Name != "Promo" {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `dispatchd_http_requests_total{method="POST"`) {
		t.Fatalf("metrics missing request counter:\n%s", body)
	}
}

func TestAppOfflineSkipsPlatforms(t *testing.T) {
	cfg := `{
  "storage": {"driver": "memory"},
  "bots": [{"id": "support", "tenant": "acme", "platform": "telegram"}],
  "default_bot": "support"
}`
	a, err := New(context.Background(), writeConfig(t, cfg), Offline(), WithLogging(logx.Config{Level: "error"}))
	if err != nil {
		t.Fatalf("offline build must not need a token: %v", err)
	}
	if len(a.pollers) != 0 || len(a.reg.Bots()) != 0 {
		t.Fatalf("offline app registered adapters")
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := New(context.Background(), writeConfig(t, cfg), WithLogging(logx.Config{Level: "error"})); err == nil {
		t.Fatal("online build without a telegram token should fail")
	}
}

func TestMapping(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Queue:    config.QueueConfig{BackoffBase: "2s", Timezone: "Asia/Bangkok"},
		FollowUp: config.FollowUpConfig{},
		Bots: []config.BotConfig{{
			ID: "b1", Tenant: "t1", Platform: "line",
			Intents: []config.Intent{{Code: "billing", Title: "Billing"}},
		}},
	}
	qc, err := mapQueue(cfg)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if qc.BackoffBase != 2*time.Second || qc.Location == nil || qc.Location.String() != "Asia/Bangkok" {
		t.Fatalf("queue mapping: %+v", qc)
	}
	if d := mapActions(cfg).FollowUpDelay; d != time.Minute {
		t.Fatalf("default follow-up delay=%v", d)
	}
	bots := botDirectory(cfg)
	if b, ok := bots.Bot("b1"); !ok || b.Tenant != "t1" || len(b.Intents) != 1 || b.Intents[0].Code != "billing" {
		t.Fatalf("bot directory: %+v", b)
	}
	if _, ok := mapBroadcast(cfg); ok {
		t.Fatal("broadcast should be off without an url")
	}

	cfg.Queue.Timezone = "Nowhere/Special"
	if _, err := mapQueue(cfg); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data.db
ratelimit:
  per_minute: 20
  per_channel:
    "telegram:support": 5
  window_ttl: 90s
queue:
  attempts: 3
  backoff_base: 5s
  timezone: Asia/Bangkok
bots:
  - id: support
    tenant: acme
    platform: telegram
default_bot: support
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "dispatchd.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimit.PerMinute != 20 || cfg.RateLimit.PerChannel["telegram:support"] != 5 {
		t.Fatalf("ratelimit not decoded: %+v", cfg.RateLimit)
	}
	if b, ok := cfg.Bot("support"); !ok || b.Platform != "telegram" {
		t.Fatalf("bot lookup failed: %+v", b)
	}
	if m.Get() != cfg {
		t.Fatalf("load should commit")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("x.json", []byte(`{"ratelimit":{"per_minute":1,"bogus":true}}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = Decode("x.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad duration", cfg: Config{RateLimit: RateLimitConfig{WindowTTL: "soon"}}, wantErr: "ratelimit.window_ttl"},
		{name: "bad driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, wantErr: "not supported"},
		{name: "postgres needs dsn", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}, wantErr: "dsn"},
		{name: "unknown platform", cfg: Config{Bots: []BotConfig{{ID: "a", Platform: "fax"}}}, wantErr: "unknown platform"},
		{name: "duplicate bot", cfg: Config{Bots: []BotConfig{{ID: "a", Platform: "line"}, {ID: "a", Platform: "line"}}}, wantErr: "duplicate"},
		{name: "missing default bot", cfg: Config{DefaultBot: "x"}, wantErr: "default_bot"},
		{name: "bad timezone", cfg: Config{Queue: QueueConfig{Timezone: "Mars/Olympus"}}, wantErr: "queue.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvStorageDSN, "postgres://env")
	t.Setenv("DISPATCHD_BOT_TOKEN_SUPPORT_BOT", "tok")
	t.Setenv(EnvRatePerMinute, "7")

	cfg := &Config{Bots: []BotConfig{{ID: "support-bot", Platform: "line"}}}
	ApplyEnv(cfg)
	if cfg.Storage.DSN != "postgres://env" || cfg.Bots[0].Token != "tok" || cfg.RateLimit.PerMinute != 7 {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()

	if got := DurationOr("", time.Minute); got != time.Minute {
		t.Fatalf("got %v", got)
	}
	if got := DurationOr("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := DurationOr("nope", time.Second); got != time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	p := writeFile(t, "dispatchd.json", `{"ratelimit":{"per_minute":1}}`)
	m := NewManager(p)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	updates := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for i := 2; ; i++ {
		body := `{"ratelimit":{"per_minute":` + string(rune('0'+i%10)) + `}}`
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		select {
		case cfg := <-updates:
			if cfg.RateLimit.PerMinute == 1 {
				t.Fatalf("unchanged config published")
			}
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestSummarizeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Classifier: ClassifierConfig{APIKey: "sk-old"}}
	newCfg := &Config{
		Classifier: ClassifierConfig{APIKey: "sk-new"},
		RateLimit:  RateLimitConfig{PerMinute: 30},
	}
	sections, fields := Summarize(oldCfg, newCfg)
	if strings.Join(sections, ",") != "ratelimit,classifier" {
		t.Fatalf("sections=%v", sections)
	}
	if len(fields) != 4 {
		t.Fatalf("fields=%d", len(fields))
	}
	if got := NeedsRestart(sections); len(got) != 1 || got[0] != "classifier" {
		t.Fatalf("restart=%v", got)
	}
	if s, _ := Summarize(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

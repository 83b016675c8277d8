package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "90s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	RateLimit  RateLimitConfig  `json:"ratelimit"`
	FollowUp   FollowUpConfig   `json:"followup"`
	Queue      QueueConfig      `json:"queue"`
	HTTP       HTTPConfig       `json:"http"`
	Classifier ClassifierConfig `json:"classifier"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
	Metrics    MetricsConfig    `json:"metrics"`
	Bots       []BotConfig      `json:"bots"`

	// DefaultBot is used by campaigns created without a bot id.
	DefaultBot string `json:"default_bot,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings to an operator chat through a bot.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Bot        string `json:"bot"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./dispatchd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//	"storage": { "driver": "memory" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RateLimitConfig controls the per-channel send gate.
//
// Defaults: per_minute 60, window_ttl "90s", breaker_trip 5,
// breaker_cooldown "30s", max_fail_open "2m".
type RateLimitConfig struct {
	PerMinute  int            `json:"per_minute"`
	PerChannel map[string]int `json:"per_channel,omitempty"`
	WindowTTL  string         `json:"window_ttl,omitempty"`

	BreakerTrip     int    `json:"breaker_trip,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
	MaxFailOpen     string `json:"max_fail_open,omitempty"`
}

type FollowUpConfig struct {
	// DefaultDelay applies when a follow_up action has no delaySeconds.
	DefaultDelay string `json:"default_delay,omitempty"`
}

// QueueConfig controls the durable job queue and its worker pool.
//
// Defaults: workers 2, queue_size 256, attempts 3, backoff_base "5s",
// backoff_factor 2, backoff_max "10m", retain_completed 1000,
// retain_failed 1000, rate_max 0 (unlimited), rate_duration "1s".
type QueueConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	Attempts      int     `json:"attempts,omitempty"`
	BackoffBase   string  `json:"backoff_base,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
	BackoffMax    string  `json:"backoff_max,omitempty"`
	JobTimeout    string  `json:"job_timeout,omitempty"`

	RetainCompleted int `json:"retain_completed,omitempty"`
	RetainFailed    int `json:"retain_failed,omitempty"`

	// RateMax job starts per RateDuration across all workers.
	RateMax      int    `json:"rate_max,omitempty"`
	RateDuration string `json:"rate_duration,omitempty"`

	// Timezone is used for repeating jobs registered without one.
	Timezone string `json:"timezone,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof on the API listener.
	Pprof bool `json:"pprof,omitempty"`
}

// ClassifierConfig points at an OpenAI compatible chat completions endpoint.
type ClassifierConfig struct {
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// BroadcastConfig enables the AMQP relay for live-update events.
type BroadcastConfig struct {
	AMQPURL  string `json:"amqp_url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BotConfig describes one bot on one platform. Token holds the telegram bot
// token or the LINE channel access token.
type BotConfig struct {
	ID           string   `json:"id"`
	Tenant       string   `json:"tenant"`
	Platform     string   `json:"platform"`
	Token        string   `json:"token,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Intents      []Intent `json:"intents,omitempty"`
}

type Intent struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords,omitempty"`
}

// Bot looks up a bot by id.
func (c *Config) Bot(id string) (BotConfig, bool) {
	for _, b := range c.Bots {
		if b.ID == id {
			return b, true
		}
	}
	return BotConfig{}, false
}

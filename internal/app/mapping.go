package app

import (
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/actions"
	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/inbound"
	"dispatchd/internal/queue"
	"dispatchd/internal/ratelimit"
	"dispatchd/internal/storage"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/line"
	"dispatchd/internal/transport/telegram"
	"dispatchd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func mapRateLimit(cfg *config.Config) ratelimit.Config {
	rl := cfg.RateLimit
	return ratelimit.Config{
		PerMinute:       rl.PerMinute,
		PerChannel:      rl.PerChannel,
		WindowTTL:       config.DurationOr(rl.WindowTTL, 0),
		BreakerTrip:     rl.BreakerTrip,
		BreakerCooldown: config.DurationOr(rl.BreakerCooldown, 0),
		MaxFailOpen:     config.DurationOr(rl.MaxFailOpen, 0),
	}
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	out := queue.Config{
		Workers:         qc.Workers,
		QueueSize:       qc.QueueSize,
		Attempts:        qc.Attempts,
		BackoffBase:     config.DurationOr(qc.BackoffBase, 0),
		BackoffFactor:   qc.BackoffFactor,
		BackoffMax:      config.DurationOr(qc.BackoffMax, 0),
		JobTimeout:      config.DurationOr(qc.JobTimeout, 0),
		RetainCompleted: qc.RetainCompleted,
		RetainFailed:    qc.RetainFailed,
		RateMax:         qc.RateMax,
		RateDuration:    config.DurationOr(qc.RateDuration, 0),
	}
	if tz := strings.TrimSpace(qc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return queue.Config{}, fmt.Errorf("queue.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapActions(cfg *config.Config) actions.Config {
	return actions.Config{FollowUpDelay: config.DurationOr(cfg.FollowUp.DefaultDelay, actions.DefaultFollowUpDelay)}
}

func mapClassifier(cfg *config.Config) inbound.OpenAIConfig {
	c := cfg.Classifier
	return inbound.OpenAIConfig{
		Endpoint:    c.Endpoint,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Timeout:     config.DurationOr(c.Timeout, 0),
	}
}

func mapServer(cfg *config.Config) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  config.DurationOr(cfg.HTTP.ReadTimeout, 0),
		WriteTimeout: config.DurationOr(cfg.HTTP.WriteTimeout, 0),
	}
}

func mapBroadcast(cfg *config.Config) (eventbus.AMQPConfig, bool) {
	url := strings.TrimSpace(cfg.Broadcast.AMQPURL)
	return eventbus.AMQPConfig{URL: url, Exchange: cfg.Broadcast.Exchange}, url != ""
}

// botDirectory exposes configured bots to the inbound pipeline.
func botDirectory(cfg *config.Config) inbound.BotMap {
	out := make(inbound.BotMap, len(cfg.Bots))
	for _, b := range cfg.Bots {
		intents := make([]inbound.Intent, 0, len(b.Intents))
		for _, it := range b.Intents {
			intents = append(intents, inbound.Intent{Code: it.Code, Title: it.Title, Keywords: it.Keywords})
		}
		out[b.ID] = inbound.Bot{
			ID:           b.ID,
			Tenant:       b.Tenant,
			Platform:     b.Platform,
			SystemPrompt: b.SystemPrompt,
			Intents:      intents,
		}
	}
	return out
}

// buildAdapter creates the platform adapter of one bot. Pollers are also
// returned as the second value.
func buildAdapter(b config.BotConfig, log logx.Logger) (transport.Adapter, transport.Poller, error) {
	switch b.Platform {
	case telegram.Platform:
		a, err := telegram.New(telegram.Config{BotID: b.ID, Token: b.Token, URL: b.Endpoint}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("bot %s: %w", b.ID, err)
		}
		return a, a, nil
	case line.Platform:
		a, err := line.New(line.Config{BotID: b.ID, Token: b.Token, Endpoint: b.Endpoint}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("bot %s: %w", b.ID, err)
		}
		return a, nil, nil
	}
	return nil, nil, fmt.Errorf("bot %s: unknown platform %q", b.ID, b.Platform)
}

package config

import (
	"reflect"
	"strings"

	"dispatchd/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":    true,
	"http":       true,
	"bots":       true,
	"classifier": true,
	"broadcast":  true,
	"metrics":    true,
	"followup":   true,
	"queue":      true,
}

// Summarize lists the sections that differ between two configs plus safe
// fields for logging. Tokens, keys and DSNs are reported only as set/unset.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled))
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""))
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "ratelimit")
		fields = append(fields,
			logx.Int("ratelimit.per_minute", newCfg.RateLimit.PerMinute),
			logx.Int("ratelimit.channels", len(newCfg.RateLimit.PerChannel)))
	}
	if oldCfg.FollowUp != newCfg.FollowUp {
		changed = append(changed, "followup")
		fields = append(fields, logx.String("followup.default_delay", newCfg.FollowUp.DefaultDelay))
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Classifier != newCfg.Classifier {
		changed = append(changed, "classifier")
		fields = append(fields,
			logx.String("classifier.model", newCfg.Classifier.Model),
			logx.Bool("classifier.key_set", strings.TrimSpace(newCfg.Classifier.APIKey) != ""))
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		fields = append(fields, logx.Bool("broadcast.amqp_set", newCfg.Broadcast.AMQPURL != ""))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Bots, newCfg.Bots) || oldCfg.DefaultBot != newCfg.DefaultBot {
		changed = append(changed, "bots")
		fields = append(fields, logx.Int("bots.count", len(newCfg.Bots)))
	}
	return changed, fields
}

// NeedsRestart reports the changed sections that cannot be applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets are expected here rather than in the file.
const (
	EnvStorageDriver  = "DISPATCHD_STORAGE_DRIVER"
	EnvStorageDSN     = "DISPATCHD_STORAGE_DSN"
	EnvHTTPAddr       = "DISPATCHD_HTTP_ADDR"
	EnvAMQPURL        = "DISPATCHD_AMQP_URL"
	EnvClassifierKey  = "DISPATCHD_CLASSIFIER_KEY"
	EnvRatePerMinute  = "DISPATCHD_RATE_PER_MINUTE"
	envBotTokenPrefix = "DISPATCHD_BOT_TOKEN_"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables already set. Missing files are
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Bot tokens are read
// from DISPATCHD_BOT_TOKEN_<ID>, with the id upper-cased and dashes
// replaced by underscores.
func ApplyEnv(cfg *Config) {
	cfg.Storage.Driver = getenv(EnvStorageDriver, cfg.Storage.Driver)
	cfg.Storage.DSN = getenv(EnvStorageDSN, cfg.Storage.DSN)
	cfg.HTTP.Addr = getenv(EnvHTTPAddr, cfg.HTTP.Addr)
	cfg.Broadcast.AMQPURL = getenv(EnvAMQPURL, cfg.Broadcast.AMQPURL)
	cfg.Classifier.APIKey = getenv(EnvClassifierKey, cfg.Classifier.APIKey)
	cfg.RateLimit.PerMinute = getint(EnvRatePerMinute, cfg.RateLimit.PerMinute)

	for i := range cfg.Bots {
		key := envBotTokenPrefix + strings.ToUpper(strings.ReplaceAll(cfg.Bots[i].ID, "-", "_"))
		cfg.Bots[i].Token = getenv(key, cfg.Bots[i].Token)
	}
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

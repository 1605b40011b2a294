package config

import (
	"errors"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are read from the environment and override the matching file values.
type Secrets struct {
	PublishToken  string `env:"TWEETQ_PUBLISH_TOKEN"`
	TelegramToken string `env:"TWEETQ_TELEGRAM_TOKEN"`
	PostgresDSN   string `env:"TWEETQ_POSTGRES_DSN"`
	RedisURL      string `env:"TWEETQ_REDIS_URL"`
	AMQPURL       string `env:"TWEETQ_AMQP_URL"`
	APIToken      string `env:"TWEETQ_API_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	loaded := make([]string, 0, len(files))
	var errs []error
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, f)
	}
	return loaded, errors.Join(errs...)
}

// ParseSecrets reads Secrets from environ, or from the process environment when environ
// is nil.
func ParseSecrets(environ map[string]string) (Secrets, error) {
	var s Secrets
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// Overlay applies non-empty secrets to cfg.
func (s Secrets) Overlay(cfg *Config) {
	if s.PublishToken != "" {
		cfg.Publish.Token = s.PublishToken
	}
	if s.PostgresDSN != "" {
		cfg.Storage.DSN = s.PostgresDSN
	}
	if s.RedisURL != "" {
		cfg.Storage.URL = s.RedisURL
	}
	if s.APIToken != "" {
		cfg.HTTP.Token = s.APIToken
	}
	if n := cfg.Notifier; n != nil {
		if n.Telegram != nil && s.TelegramToken != "" {
			n.Telegram.Token = s.TelegramToken
		}
		if n.Redis != nil && s.RedisURL != "" {
			n.Redis.URL = s.RedisURL
		}
		if n.AMQP != nil && s.AMQPURL != "" {
			n.AMQP.URL = s.AMQPURL
		}
	}
}

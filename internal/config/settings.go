package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tweetq/internal/dispatch"
	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/publish"
	"tweetq/internal/storage"
	logx "tweetq/pkg/logx"
)

const (
	DefaultHTTPAddr  = "127.0.0.1:8080"
	DefaultStorePath = "./tweetq_store"
)

func (l LoggingConfig) Settings() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func (s StorageConfig) Settings() (storage.Config, error) {
	bt, err := Duration("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(s.Path),
		DSN:         strings.TrimSpace(s.DSN),
		URL:         strings.TrimSpace(s.URL),
		Namespace:   strings.TrimSpace(s.Namespace),
		BusyTimeout: bt,
	}
	switch driver {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = DefaultStorePath
			if driver != "file" {
				out.Path += ".db"
			}
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return storage.Config{}, errors.New("storage.dsn: required for postgres (or set TWEETQ_POSTGRES_DSN)")
		}
	case "redis":
		if out.URL == "" {
			return storage.Config{}, errors.New("storage.url: required for redis (or set TWEETQ_REDIS_URL)")
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	return out, nil
}

// Settings returns the retry policy; unset fields take the dispatch defaults.
func (d DispatchConfig) Settings() (dispatch.Policy, error) {
	def := dispatch.DefaultPolicy()
	p := def
	if d.RetryMax != nil {
		if *d.RetryMax < 0 {
			return dispatch.Policy{}, errors.New("dispatch.retry_max: must be >= 0")
		}
		p.RetryMax = *d.RetryMax
	}
	var err error
	if p.RetryBase, err = DurationOr("dispatch.retry_base", d.RetryBase, def.RetryBase); err != nil {
		return dispatch.Policy{}, err
	}
	if p.RetryMaxDelay, err = DurationOr("dispatch.retry_max_delay", d.RetryMaxDelay, def.RetryMaxDelay); err != nil {
		return dispatch.Policy{}, err
	}
	if p.PublishTimeout, err = DurationOr("dispatch.publish_timeout", d.PublishTimeout, def.PublishTimeout); err != nil {
		return dispatch.Policy{}, err
	}
	if d.SegmentLimit != 0 {
		if d.SegmentLimit < 16 {
			return dispatch.Policy{}, fmt.Errorf("dispatch.segment_limit: must be >= 16, got %d", d.SegmentLimit)
		}
		p.SegmentLimit = d.SegmentLimit
	}
	return p, nil
}

func (d DispatchConfig) TickSpec() string {
	if s := strings.TrimSpace(d.Tick); s != "" {
		return s
	}
	return dispatch.DefaultTick
}

func (p PublishConfig) Settings() (publish.Config, error) {
	timeout, err := Duration("publish.timeout", p.Timeout)
	if err != nil {
		return publish.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(p.Driver))
	switch driver {
	case "", "dryrun", "dry-run":
		driver = "dryrun"
	case "http":
		if strings.TrimSpace(p.BaseURL) == "" {
			return publish.Config{}, errors.New("publish.base_url: required for the http driver")
		}
	default:
		return publish.Config{}, fmt.Errorf("publish.driver: unknown driver %q", p.Driver)
	}
	if p.RatePerMinute < 0 || p.Burst < 0 {
		return publish.Config{}, errors.New("publish: rate_per_minute and burst must be >= 0")
	}
	return publish.Config{
		Driver:        driver,
		BaseURL:       strings.TrimRight(strings.TrimSpace(p.BaseURL), "/"),
		Timeout:       timeout,
		RatePerMinute: p.RatePerMinute,
		Burst:         p.Burst,
		UserAgent:     p.UserAgent,
	}, nil
}

// TokenExpiry parses TokenExpiresAt; the zero time means no expiry.
func (p PublishConfig) TokenExpiry() (time.Time, error) {
	s := strings.TrimSpace(p.TokenExpiresAt)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("publish.token_expires_at: %w", err)
	}
	return t, nil
}

// NotifierSettings resolves the notifier section. An omitted section means enabled with
// defaults.
func (c *Config) NotifierSettings() (notifier.Config, error) {
	n := c.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	out := notifier.Config{
		Enabled:     n.Enabled,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		HistorySize: n.HistorySize,
	}
	var err error
	if out.RetryBase, err = Duration("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = Duration("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DeliveryTimeout, err = Duration("notifier.delivery_timeout", n.DeliveryTimeout); err != nil {
		return notifier.Config{}, err
	}
	if n.Webhook != nil {
		if strings.TrimSpace(n.Webhook.URL) == "" {
			return notifier.Config{}, errors.New("notifier.webhook.url: required")
		}
		if _, err := Duration("notifier.webhook.timeout", n.Webhook.Timeout); err != nil {
			return notifier.Config{}, err
		}
	}
	if t := n.Telegram; t != nil {
		if _, err := TelegramSettings(t); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func TelegramSettings(t *TelegramNotifConfig) (notifier.TelegramConfig, error) {
	if strings.TrimSpace(t.Token) == "" {
		return notifier.TelegramConfig{}, errors.New("notifier.telegram.token: required (or set TWEETQ_TELEGRAM_TOKEN)")
	}
	if t.ChatID == 0 {
		return notifier.TelegramConfig{}, errors.New("notifier.telegram.chat_id: required")
	}
	kinds := make([]notifier.Kind, 0, len(t.Kinds))
	for _, k := range t.Kinds {
		kind := notifier.Kind(strings.ToLower(strings.TrimSpace(k)))
		switch kind {
		case notifier.KindPosted, notifier.KindFailed, notifier.KindRescheduled, notifier.KindRetrying, notifier.KindPaused:
			kinds = append(kinds, kind)
		default:
			return notifier.TelegramConfig{}, fmt.Errorf("notifier.telegram.kinds: unknown kind %q", k)
		}
	}
	return notifier.TelegramConfig{
		Token:    strings.TrimSpace(t.Token),
		ChatID:   t.ChatID,
		ThreadID: t.ThreadID,
		APIURL:   t.APIURL,
		Kinds:    kinds,
	}, nil
}

// Seed converts the posting section into the initial posting config. Without a section
// posting starts disabled on a daily cadence.
func (c *Config) Seed() posting.Config {
	p := c.Posting
	if p == nil || strings.TrimSpace(p.Cadence) == "" {
		enabled := p != nil && p.Enabled
		return posting.Config{Enabled: enabled, Cadence: posting.CadenceDaily, Interval: 24}
	}
	return posting.Config{
		Enabled:      p.Enabled,
		Cadence:      posting.Cadence(strings.ToLower(strings.TrimSpace(p.Cadence))),
		Interval:     p.Interval,
		RandomWindow: p.RandomWindow,
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Storage.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Dispatch.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := dispatch.ParseTick(c.Dispatch.TickSpec()); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.tick: %w", err))
	}
	if _, err := c.Publish.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Publish.TokenExpiry(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.NotifierSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HTTP.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if _, err := posting.Normalize(c.Seed()); err != nil {
		errs = append(errs, fmt.Errorf("posting: %w", err))
	}
	return errors.Join(errs...)
}

// HTTPTimeouts are the parsed server timeouts; zero means no timeout.
type HTTPTimeouts struct {
	Read, Write, Idle time.Duration
}

func (h HTTPConfig) Timeouts() (HTTPTimeouts, error) {
	var (
		t   HTTPTimeouts
		err error
	)
	if t.Read, err = DurationOr("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return HTTPTimeouts{}, err
	}
	if t.Write, err = Duration("http.write_timeout", h.WriteTimeout); err != nil {
		return HTTPTimeouts{}, err
	}
	if t.Idle, err = DurationOr("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return HTTPTimeouts{}, err
	}
	return t, nil
}

func (h HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Secrets may be left
// out of the file and supplied through the environment (see Secrets).
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Publish  PublishConfig   `json:"publish"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http"`

	// Posting seeds the posting config the first time the store is opened. Once stored,
	// the posting config is changed through the API or CLI, not this file.
	Posting *PostingConfig `json:"posting,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tweetq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`      // file, sqlite
	DSN         string `json:"dsn,omitempty"`       // postgres (or TWEETQ_POSTGRES_DSN)
	URL         string `json:"url,omitempty"`       // redis (or TWEETQ_REDIS_URL)
	Namespace   string `json:"namespace,omitempty"` // redis key prefix
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the dispatch loop and the publish retry policy.
//
// Defaults (when fields are omitted/zero):
//   - tick: "@every 30s"
//   - retry_max: 3 (0 disables retries)
//   - retry_base: "30s"
//   - retry_max_delay: "10m"
//   - segment_limit: 280
//   - publish_timeout: "1m"
type DispatchConfig struct {
	Tick           string `json:"tick,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	SegmentLimit   int    `json:"segment_limit,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

type PublishConfig struct {
	// Driver is "http" or "dryrun" (default).
	Driver  string `json:"driver"`
	BaseURL string `json:"base_url,omitempty"`
	// Token is the platform bearer token (do not log). TWEETQ_PUBLISH_TOKEN overrides it.
	Token string `json:"token,omitempty"`
	// TokenExpiresAt is an optional RFC 3339 expiry for Token.
	TokenExpiresAt string `json:"token_expires_at,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	RatePerMinute  int    `json:"rate_per_minute,omitempty"`
	Burst          int    `json:"burst,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// NotifierConfig controls the async lifecycle notification pipeline.
//
// If the whole section is omitted, the notifier is enabled with defaults and only the log
// subscriber attached.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`

	Webhook  *WebhookConfig       `json:"webhook,omitempty"`
	Telegram *TelegramNotifConfig `json:"telegram,omitempty"`
	Redis    *RedisNotifConfig    `json:"redis,omitempty"`
	AMQP     *AMQPNotifConfig     `json:"amqp,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"` // HMAC-SHA256 signing key (do not log)
	Timeout string `json:"timeout,omitempty"`
}

type TelegramNotifConfig struct {
	Token    string   `json:"token,omitempty"` // or TWEETQ_TELEGRAM_TOKEN
	ChatID   int64    `json:"chat_id"`
	ThreadID int      `json:"thread_id,omitempty"`
	APIURL   string   `json:"api_url,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

type RedisNotifConfig struct {
	URL     string `json:"url,omitempty"` // or TWEETQ_REDIS_URL
	Channel string `json:"channel,omitempty"`
}

type AMQPNotifConfig struct {
	URL      string `json:"url,omitempty"` // or TWEETQ_AMQP_URL
	Exchange string `json:"exchange,omitempty"`
}

// HTTPConfig controls the control-plane HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (or TWEETQ_API_TOKEN; do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type PostingConfig struct {
	Enabled      bool   `json:"enabled"`
	Cadence      string `json:"cadence"`
	Interval     int    `json:"interval,omitempty"`
	RandomWindow int    `json:"random_window,omitempty"`
}

package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Bot       BotConfig       `json:"bot"`
	Queue     QueueConfig     `json:"queue"`
	Templates TemplatesConfig `json:"templates"`
	Notify    NotifyConfig    `json:"notify"`
	Webhook   WebhookConfig   `json:"webhook"`

	// Maintenance controls cron-driven queue housekeeping.
	// If omitted, defaults apply (see maintenance package).
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BotConfig configures the outbound bot API client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - api_url: "https://api.telegram.org"
//   - requests_per_minute: 30
//   - pool_size: 10
//   - request_timeout: "15s"
//   - failure_threshold: 5
//   - breaker_timeout: "30s"
type BotConfig struct {
	// Token may be omitted here and provided via the BOOKBOT_BOT_TOKEN env var.
	Token string `json:"token,omitempty"`

	APIURL            string `json:"api_url,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	PoolSize          int    `json:"pool_size,omitempty"`
	RequestTimeout    string `json:"request_timeout,omitempty"`

	FailureThreshold int    `json:"failure_threshold,omitempty"`
	BreakerTimeout   string `json:"breaker_timeout,omitempty"`
}

// QueueConfig configures the durable message queue.
//
// Retry delay is min(retry_base * retry_factor^(retries-1), retry_max_delay).
type QueueConfig struct {
	Path string `json:"path"`

	MaxRetries    int     `json:"max_retries,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryFactor   float64 `json:"retry_factor,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`

	// PollInterval is the worker's idle wait between empty dequeues.
	PollInterval string `json:"poll_interval,omitempty"`

	// Retention bounds how long sent messages are kept before pruning.
	Retention string `json:"retention,omitempty"`

	// BusyTimeout is passed to sqlite; 0 means default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TemplatesConfig struct {
	// Dir holds per-language template tables (*.yaml). Optional; built-in
	// tables are used when empty or when a file is missing.
	Dir             string `json:"dir,omitempty"`
	DefaultLanguage string `json:"default_language,omitempty"`
	// Watch enables fsnotify-driven hot reload of Dir.
	Watch bool `json:"watch,omitempty"`
}

// NotifyConfig configures the notification orchestrator.
type NotifyConfig struct {
	// ChatID is the default destination for booking/system notifications.
	ChatID int64 `json:"chat_id"`
	// DefaultPriority is one of critical/high/normal/low (default: high).
	DefaultPriority string `json:"default_priority,omitempty"`
}

// WebhookConfig configures the inbound webhook server.
//
// Security note:
//   - Secret may be provided via the BOOKBOT_WEBHOOK_SECRET env var.
//   - AdminToken protects /admin endpoints; empty disables them on
//     non-loopback binds.
type WebhookConfig struct {
	Addr      string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	PublicURL string `json:"public_url,omitempty"`
	Secret    string `json:"secret,omitempty"`

	AdminToken string `json:"admin_token,omitempty"`

	// SenderRatePerMinute caps inbound updates per sender over a sliding
	// 1-minute window. Independent of the outbound token bucket.
	SenderRatePerMinute int     `json:"sender_rate_per_minute,omitempty"`
	BlockedSenders      []int64 `json:"blocked_senders,omitempty"`
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// PruneSchedule / MetricsSchedule are cron specs (5-field).
	PruneSchedule   string `json:"prune_schedule,omitempty"`
	MetricsSchedule string `json:"metrics_schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Provider  ProviderConfig  `json:"provider"`
	AutoReply AutoReplyConfig `json:"auto_reply"`
	Reminder  ReminderConfig  `json:"reminder"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Notify    NotifyConfig    `json:"notifications"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ProviderConfig struct {
	URL string `json:"url"`

	// Token may be left empty to fall back to the SMSD_PROVIDER_TOKEN
	// environment variable (loaded from .env at startup).
	Token string `json:"token,omitempty"`

	// From is the sender identity stamped on outbound messages.
	From string `json:"from"`

	Timeout string `json:"timeout,omitempty"`
}

// AutoReplyConfig controls the inbound dispatch queue and worker. The
// enabled flag and reply template live in the store, not here, so
// administrative changes apply without a restart.
type AutoReplyConfig struct {
	QueueSize int `json:"queue_size,omitempty"`

	// WaitTimeout bounds each queue wait so the worker can observe
	// shutdown. Go duration string; default "2s".
	WaitTimeout string `json:"wait_timeout,omitempty"`

	// RecentCap bounds the recently-processed-identifier memory.
	RecentCap int `json:"recent_cap,omitempty"`

	// Strategy selects the reply producer: "template" (default),
	// "keyword", or "ai".
	Strategy string `json:"strategy,omitempty"`

	// Keywords maps lower-cased trigger words to replies for the
	// "keyword" strategy.
	Keywords map[string]string `json:"keywords,omitempty"`
}

type ReminderConfig struct {
	Interval  string `json:"interval,omitempty"` // default "5s"
	BatchSize int    `json:"batch_size,omitempty"`
}

type BroadcastConfig struct {
	Interval string `json:"interval,omitempty"` // default "2s"

	// MessagesPerSecond paces successful sends to respect provider rate
	// limits. 0 disables pacing.
	MessagesPerSecond float64 `json:"messages_per_second,omitempty"`
}

type NotifyConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Path of the yaml recipient-list blob.
	Path string `json:"path,omitempty"`

	Interval        string `json:"interval,omitempty"` // default "60s"
	Window          string `json:"window,omitempty"`   // default "1m"
	PerCategoryTopK int    `json:"per_category_top_k,omitempty"`
	DefaultQuery    string `json:"default_query,omitempty"`
}

type RetentionConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Schedule is a cron spec; default "0 4 * * *".
	Schedule string `json:"schedule,omitempty"`

	MaxAgeDays int `json:"max_age_days,omitempty"`
}

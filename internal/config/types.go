package config

// Config is the full casterd configuration. Files may be YAML or JSON; both
// are decoded strictly (unknown keys are rejected) so typos fail loudly at
// startup instead of silently using defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	API      APIConfig      `json:"api"`
	Platform PlatformConfig `json:"platform"`
	Alert    *AlertConfig   `json:"alert,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the dispatch worker.
//
// Enabled is a pointer so "omitted" (default true) is distinguishable from an
// explicit false.
type DispatchConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
	ClaimTimeout   string `json:"claim_timeout,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	BatchLimit     int    `json:"batch_limit,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
}

type APIConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8087"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// PlatformConfig points at the poker platform's internal API gateway
// (group membership, user directory, inbox/ticket delivery).
type PlatformConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// AlertConfig controls the optional ops Telegram notifier.
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

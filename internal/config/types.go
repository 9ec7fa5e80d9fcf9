package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  StorageConfig  `json:"storage"`
	ClearML  ClearMLConfig  `json:"clearml"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound sends/edits to Telegram. Default 3.
	RatePerSec int `json:"rate_per_sec,omitempty"`
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

// MonitorConfig controls the reconciliation sweep.
//
// All durations are Go duration strings (e.g. "5s", "1m").
type MonitorConfig struct {
	// SweepInterval is how often subscribed users are reconciled. Default "5s".
	SweepInterval string `json:"sweep_interval,omitempty"`
	// UserTimeout bounds one user's full reconciliation pass. Default "30s".
	UserTimeout string `json:"user_timeout,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Storage is mandatory: experiment records and metric history are the only
// durability mechanism, so there is no "disabled" driver.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type ClearMLConfig struct {
	// RequestTimeout bounds a single API call to the tracking server. Default "15s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

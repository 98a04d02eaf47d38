package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Portal   PortalConfig   `json:"portal"`
	Monitor  MonitorConfig  `json:"monitor"`
	Web      WebConfig      `json:"web,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// LogChatID receives warning/error log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string                `json:"level,omitempty"`
	Console  bool                  `json:"console,omitempty"`
	File     LoggingFileConfig     `json:"file,omitempty"`
	Telegram LoggingTelegramConfig `json:"telegram,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegramConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PortalConfig describes the patient portal and its markup matching rules.
//
// The matching lists default to the values observed on the portal; they are
// configuration so a portal-format change is a config edit, not a code change.
type PortalConfig struct {
	BaseURL   string `json:"base_url"`
	LoginPath string `json:"login_path,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	// ReadyMarkers match against row/cell style, class and bgcolor attributes.
	ReadyMarkers []string `json:"ready_markers,omitempty"`
	// StatusTokens match against row cell text. A row is ready only when a
	// marker AND a token both match.
	StatusTokens []string `json:"status_tokens,omitempty"`
	// LinkTexts is the visible-text vocabulary of the report link.
	LinkTexts []string `json:"link_texts,omitempty"`
	// HrefMarkers match report links by href when the text gives nothing.
	HrefMarkers []string `json:"href_markers,omitempty"`
}

type MonitorConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	UserTimeout string `json:"user_timeout,omitempty"`
	Workers     int    `json:"workers,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

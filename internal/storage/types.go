package storage

import "time"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Patient is one monitored portal account, keyed by the Telegram chat that
// registered it. LastCheck is zero when the account was never checked.
type Patient struct {
	TelegramID int64
	Username   string
	Password   string
	Active     bool
	CreatedAt  time.Time
	LastCheck  time.Time
	LastStatus string
}

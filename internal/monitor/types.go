package monitor

import (
	"context"
	"time"

	"labmon/internal/portal"
)

// CycleState is the terminal state of one monitoring cycle.
type CycleState string

const (
	// StateFailed: any step errored; the patient stays active and is retried
	// on the next scheduled pass.
	StateFailed CycleState = "failed"
	// StateNotReady: the results page parsed but not every row is ready.
	StateNotReady CycleState = "not_ready"
	// StateDelivered: the report was sent but deregistration did not stick.
	StateDelivered CycleState = "delivered"
	// StateDeregistered: report delivered and the patient removed from
	// monitoring. The only state that permanently ends monitoring.
	StateDeregistered CycleState = "deregistered"
)

// Outcome summarizes a finished cycle. Status is the short human-readable
// line recorded as the patient's last_status.
type Outcome struct {
	State  CycleState
	Status string
	Err    error
}

// Deliverer is the delivery channel contract the cycle depends on.
type Deliverer interface {
	SendReport(ctx context.Context, chatID int64, doc *portal.Document) error
	SendNotice(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Enabled     bool
	Interval    time.Duration // default 30m
	UserTimeout time.Duration // default 2m
	Workers     int           // default 2
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = 2 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// BatchStats tallies one batch run.
type BatchStats struct {
	Users     int `json:"users"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// Snapshot is a point-in-time view of the monitor for /status and the web
// endpoint.
type Snapshot struct {
	Running     bool       `json:"running"`
	Interval    string     `json:"interval"`
	LastBatchAt time.Time  `json:"last_batch_at,omitempty"`
	LastBatch   BatchStats `json:"last_batch"`
}

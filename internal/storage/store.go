package storage

import (
	"context"
	"time"
)

// Store is the credential store contract the monitor depends on.
//
// Updates are per-row only; no operation touches more than one patient, so
// concurrent cycles for different patients never contend beyond the driver.
type Store interface {
	// ListActive returns every patient eligible for a monitoring cycle.
	ListActive(ctx context.Context) ([]Patient, error)

	// Get returns the patient row for a chat; ok is false when none exists.
	Get(ctx context.Context, telegramID int64) (p Patient, ok bool, err error)

	// Upsert inserts or replaces credentials and (re)activates the row.
	Upsert(ctx context.Context, p Patient) error

	// Deactivate clears the active flag. changed is false when the row was
	// already inactive or missing, which makes a racing second deactivation
	// a detectable no-op.
	Deactivate(ctx context.Context, telegramID int64) (changed bool, err error)

	// SetStatus records the outcome of a cycle (last_check + last_status).
	SetStatus(ctx context.Context, telegramID int64, status string, at time.Time) error

	Close() error
}

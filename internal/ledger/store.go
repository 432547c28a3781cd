// Package ledger persists alerts, the listing cache and the notification
// ledger. Correctness under concurrent or retried processing rests on the
// store's two uniqueness rules, not on application locking:
//
//   - one listing per provider external id
//   - one notification record per (user, listing)
package ledger

import (
	"context"
	"errors"
	"time"

	"jobmate/alert-service/internal/model"
)

var (
	// ErrUniqueViolation is returned by InsertNotification when the
	// (user, listing) pair is already ledgered.
	ErrUniqueViolation = errors.New("unique constraint violated")
	// ErrNotFound is returned when an alert does not exist.
	ErrNotFound = errors.New("alert not found")
)

// Store is the persistence contract the engine consumes.
type Store interface {
	// ActiveAlerts returns every alert with is_active = true.
	ActiveAlerts(ctx context.Context) ([]model.Alert, error)
	// GetAlert returns a single alert by id, or ErrNotFound.
	GetAlert(ctx context.Context, alertID string) (*model.Alert, error)

	// UpsertListing inserts the listing if its ExternalID is new and returns
	// the canonical row either way.
	UpsertListing(ctx context.Context, l model.Listing) (model.Listing, error)
	// NotificationExists reports whether (userID, listingID) is ledgered,
	// whatever its delivery status.
	NotificationExists(ctx context.Context, userID, listingID string) (bool, error)
	// InsertNotification writes a ledger row; a duplicate (user, listing)
	// yields an error wrapping ErrUniqueViolation.
	InsertNotification(ctx context.Context, rec model.NotificationRecord) error
	// History returns a user's most recent notification records.
	History(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error)

	// TouchAlert advances last_checked_at; it never moves backwards.
	TouchAlert(ctx context.Context, alertID string, checkedAt time.Time) error
	// RecordAlertStats adds to the cumulative counters and advances
	// last_checked_at in one statement.
	RecordAlertStats(ctx context.Context, alertID string, listingsFound, notificationsSent int, checkedAt time.Time) error
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobmate/alert-service/internal/model"
)

// Ledger wraps a Store with the listing-cache and dedup-ledger rules the
// alert processor relies on.
type Ledger struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns a Ledger over store.
func New(store Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, log: log, now: time.Now}
}

// Store exposes the underlying store for alert bookkeeping.
func (l *Ledger) Store() Store { return l.store }

// UpsertListing caches the listing once per ExternalID and returns the
// canonical record. Safe to call repeatedly for the same ExternalID.
func (l *Ledger) UpsertListing(ctx context.Context, listing model.Listing) (model.Listing, error) {
	if listing.ExternalID == "" {
		return model.Listing{}, fmt.Errorf("upsertListing: empty external id")
	}
	canonical, err := l.store.UpsertListing(ctx, listing)
	if err != nil {
		return model.Listing{}, fmt.Errorf("upsertListing %s: %w", listing.ExternalID, err)
	}
	return canonical, nil
}

// AlreadyNotified reports whether the user has a ledger row for the listing.
// Failed sends count: a failed record blocks re-notification.
func (l *Ledger) AlreadyNotified(ctx context.Context, userID, listingID string) (bool, error) {
	ok, err := l.store.NotificationExists(ctx, userID, listingID)
	if err != nil {
		return false, fmt.Errorf("alreadyNotified: %w", err)
	}
	return ok, nil
}

// RecordNotification writes one ledger row. A duplicate (user, listing) means
// a concurrent or retried run already recorded the pairing; it is logged and
// swallowed.
func (l *Ledger) RecordNotification(ctx context.Context, rec model.NotificationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	err := l.store.InsertNotification(ctx, rec)
	if errors.Is(err, ErrUniqueViolation) {
		l.log.Debug("notification already ledgered",
			zap.String("user_id", rec.UserID),
			zap.String("listing_id", rec.ListingID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("recordNotification: %w", err)
	}
	return nil
}

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobmate/alert-service/internal/model"
)

// MemoryStore is an in-process Store enforcing the same uniqueness rules as
// the Postgres schema. Safe for concurrent use.
type MemoryStore struct {
	mu            sync.Mutex
	alerts        map[string]*model.Alert
	listings      map[string]model.Listing // by ExternalID
	notifications map[string]model.NotificationRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:        make(map[string]*model.Alert),
		listings:      make(map[string]model.Listing),
		notifications: make(map[string]model.NotificationRecord),
	}
}

func notificationKey(userID, listingID string) string { return userID + "\x00" + listingID }

// PutAlert inserts or replaces an alert, as the owner would.
func (s *MemoryStore) PutAlert(a model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := a
	s.alerts[a.ID] = &cp
}

func (s *MemoryStore) ActiveAlerts(_ context.Context) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.IsActive {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpsertListing(_ context.Context, l model.Listing) (model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.listings[l.ExternalID]; ok {
		return existing, nil
	}
	l.ID = uuid.NewString()
	s.listings[l.ExternalID] = l
	return l, nil
}

func (s *MemoryStore) NotificationExists(_ context.Context, userID, listingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notifications[notificationKey(userID, listingID)]
	return ok, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, rec model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notificationKey(rec.UserID, rec.ListingID)
	if _, ok := s.notifications[key]; ok {
		return fmt.Errorf("notification (%s, %s): %w", rec.UserID, rec.ListingID, ErrUniqueViolation)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.notifications[key] = rec
	return nil
}

func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NotificationRecord
	for _, rec := range s.notifications {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TouchAlert(_ context.Context, alertID string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	advance(a, checkedAt)
	return nil
}

func (s *MemoryStore) RecordAlertStats(_ context.Context, alertID string, listingsFound, notificationsSent int, checkedAt time.Time) error {
	if listingsFound < 0 || notificationsSent < 0 {
		return fmt.Errorf("recordAlertStats: negative increment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	a.TotalListingsFound += listingsFound
	a.TotalNotificationsSent += notificationsSent
	advance(a, checkedAt)
	return nil
}

func advance(a *model.Alert, checkedAt time.Time) {
	if a.LastCheckedAt == nil || checkedAt.After(*a.LastCheckedAt) {
		t := checkedAt
		a.LastCheckedAt = &t
	}
}

// ListingCount returns the number of cached listings.
func (s *MemoryStore) ListingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings)
}

// Notifications returns a snapshot of every ledger row.
func (s *MemoryStore) Notifications() []model.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.NotificationRecord, 0, len(s.notifications))
	for _, rec := range s.notifications {
		out = append(out, rec)
	}
	return out
}

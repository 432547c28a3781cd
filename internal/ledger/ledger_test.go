package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/model"
)

func TestUpsertListing_OneRowPerExternalID(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, nil)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := l.UpsertListing(ctx, model.Listing{ExternalID: "ext-1", Title: fmt.Sprintf("v%d", i)})
			assert.NoError(t, err)
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.ListingCount())
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "every caller sees the canonical row")
	}
}

func TestUpsertListing_RejectsEmptyExternalID(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), nil)
	_, err := l.UpsertListing(context.Background(), model.Listing{Title: "x"})
	assert.Error(t, err)
}

func TestRecordNotification_SwallowsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.RecordNotification(ctx, model.NotificationRecord{
				UserID: "u1", AlertID: "a1", ListingID: "l1", ExternalID: "ext-1", Status: model.StatusSent,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs := store.Notifications()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].CreatedAt.IsZero())

	ok, err := l.AlreadyNotified(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AlreadyNotified(ctx, "u2", "l1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlreadyNotified_FailedCountsAsNotified(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore(), nil)
	require.NoError(t, l.RecordNotification(ctx, model.NotificationRecord{
		UserID: "u1", ListingID: "l1", Status: model.StatusFailed, Error: "smtp down",
	}))

	ok, err := l.AlreadyNotified(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingStore struct{ ledger.Store }

func (failingStore) InsertNotification(context.Context, model.NotificationRecord) error {
	return errors.New("connection reset")
}

func TestRecordNotification_PropagatesOtherErrors(t *testing.T) {
	l := ledger.New(failingStore{ledger.NewMemoryStore()}, nil)
	err := l.RecordNotification(context.Background(), model.NotificationRecord{UserID: "u", ListingID: "l"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrUniqueViolation)
}

func TestMemoryStore_AlertBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	store.PutAlert(model.Alert{ID: "a1", IsActive: true})
	store.PutAlert(model.Alert{ID: "a2", IsActive: false})

	active, err := store.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ID)

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordAlertStats(ctx, "a1", 3, 1, t1))
	require.NoError(t, store.TouchAlert(ctx, "a1", t1.Add(-time.Hour)))

	a, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.TotalListingsFound)
	assert.Equal(t, 1, a.TotalNotificationsSent)
	assert.True(t, a.LastCheckedAt.Equal(t1), "last_checked_at never moves backwards")

	assert.Error(t, store.RecordAlertStats(ctx, "a1", -1, 0, t1))
	assert.ErrorIs(t, store.TouchAlert(ctx, "missing", t1), ledger.ErrNotFound)
	_, err = store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertNotification(ctx, model.NotificationRecord{
			UserID: "u1", ListingID: fmt.Sprintf("l%d", i), Status: model.StatusSent,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	hist, err := store.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "l2", hist[0].ListingID)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, ledger.IsUniqueViolation(dup))
	assert.False(t, ledger.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, ledger.IsUniqueViolation(errors.New("23505")))
	assert.False(t, ledger.IsUniqueViolation(nil))
}

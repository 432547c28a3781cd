package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/alert-service/internal/db/dbtest"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/model"
)

const missingID = "00000000-0000-0000-0000-000000000000"

func newPostgresStore(t *testing.T) (*ledger.PostgresStore, *pgxpool.Pool) {
	t.Helper()
	pool := dbtest.New(t)
	return ledger.NewPostgresStore(pool), pool
}

// seedAlert inserts an alert row and returns its id and owner id.
func seedAlert(t *testing.T, pool *pgxpool.Pool, title string, active bool) (string, string) {
	t.Helper()
	var id, userID string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO job_alerts (user_id, owner_email, title, keywords, is_active)
		 VALUES (gen_random_uuid(), 'dev@example.com', $1, ARRAY['go'], $2)
		 RETURNING id::text, user_id::text`,
		title, active,
	).Scan(&id, &userID)
	require.NoError(t, err)
	return id, userID
}

func TestPostgresStore_Alerts(t *testing.T) {
	store, pool := newPostgresStore(t)
	ctx := context.Background()
	activeID, userID := seedAlert(t, pool, "Go Engineer", true)
	seedAlert(t, pool, "Old search", false)

	alerts, err := store.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, activeID, alerts[0].ID)
	assert.Equal(t, userID, alerts[0].UserID)
	assert.Equal(t, []string{"go"}, alerts[0].Keywords)
	assert.Nil(t, alerts[0].LastCheckedAt)
	assert.Nil(t, alerts[0].SalaryMin)

	got, err := store.GetAlert(ctx, activeID)
	require.NoError(t, err)
	assert.Equal(t, "Go Engineer", got.Title)

	_, err = store.GetAlert(ctx, missingID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPostgresStore_UpsertListingKeepsFirstRow(t *testing.T) {
	store, _ := newPostgresStore(t)
	ctx := context.Background()
	fetched := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.UpsertListing(ctx, model.Listing{ExternalID: "adzuna-1", Title: "Go Dev", FetchedAt: fetched})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := store.UpsertListing(ctx, model.Listing{ExternalID: "adzuna-1", Title: "Renamed", FetchedAt: fetched.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Go Dev", again.Title)
	assert.True(t, fetched.Equal(again.FetchedAt))
}

func TestPostgresStore_ConcurrentUpsertsConverge(t *testing.T) {
	store, pool := newPostgresStore(t)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := store.UpsertListing(ctx, model.Listing{ExternalID: "adzuna-race", Title: fmt.Sprint(i), FetchedAt: time.Now()})
			assert.NoError(t, err)
			ids[i] = l.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM alert_listings`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgresStore_NotificationLedger(t *testing.T) {
	store, pool := newPostgresStore(t)
	ctx := context.Background()
	alertID, userID := seedAlert(t, pool, "Go Engineer", true)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var listings []model.Listing
	for i := range 3 {
		l, err := store.UpsertListing(ctx, model.Listing{ExternalID: fmt.Sprintf("adzuna-%d", i), FetchedAt: base})
		require.NoError(t, err)
		listings = append(listings, l)
	}

	exists, err := store.NotificationExists(ctx, userID, listings[0].ID)
	require.NoError(t, err)
	assert.False(t, exists)

	for i, l := range listings {
		rec := model.NotificationRecord{
			UserID: userID, AlertID: alertID, ListingID: l.ID, ExternalID: l.ExternalID,
			Status: model.StatusSent, MessageID: fmt.Sprintf("<m%d@jobmate>", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			rec.Status, rec.MessageID, rec.Error = model.StatusFailed, "", "smtp down"
		}
		require.NoError(t, store.InsertNotification(ctx, rec))
	}

	exists, err = store.NotificationExists(ctx, userID, listings[0].ID)
	require.NoError(t, err)
	assert.True(t, exists)

	err = store.InsertNotification(ctx, model.NotificationRecord{
		UserID: userID, AlertID: alertID, ListingID: listings[0].ID, ExternalID: listings[0].ExternalID,
		Status: model.StatusSent, CreatedAt: base,
	})
	require.ErrorIs(t, err, ledger.ErrUniqueViolation)

	hist, err := store.History(ctx, userID, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, listings[2].ID, hist[0].ListingID)
	assert.Equal(t, model.StatusFailed, hist[0].Status)
	assert.Equal(t, "smtp down", hist[0].Error)
	assert.Empty(t, hist[0].MessageID)
	assert.Equal(t, "<m1@jobmate>", hist[1].MessageID)
	assert.Equal(t, alertID, hist[1].AlertID)

	none, err := store.History(ctx, missingID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgresStore_LastCheckedNeverMovesBack(t *testing.T) {
	store, pool := newPostgresStore(t)
	ctx := context.Background()
	alertID, _ := seedAlert(t, pool, "Go Engineer", true)
	later := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.TouchAlert(ctx, alertID, later))
	require.NoError(t, store.TouchAlert(ctx, alertID, later.Add(-time.Hour)))
	require.NoError(t, store.RecordAlertStats(ctx, alertID, 4, 2, later.Add(-2*time.Hour)))
	require.NoError(t, store.RecordAlertStats(ctx, alertID, 1, 0, later.Add(-3*time.Hour)))

	got, err := store.GetAlert(ctx, alertID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, later.Equal(*got.LastCheckedAt), "got %s", got.LastCheckedAt)
	assert.Equal(t, 5, got.TotalListingsFound)
	assert.Equal(t, 2, got.TotalNotificationsSent)

	assert.Error(t, store.RecordAlertStats(ctx, alertID, -1, 0, later))
	assert.ErrorIs(t, store.TouchAlert(ctx, missingID, later), ledger.ErrNotFound)
}
